// Package redis is a journal backend for deployments that share one audit
// trail across processes.
//
// Entries are JSON strings under <prefix>entry:<id>. Chains are JSON list
// elements under <prefix>chains:<root_id>, sequenced by an INCR counter.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/roach88/conduit/internal/causality"
	"github.com/roach88/conduit/internal/journal"
)

// DefaultPrefix namespaces every key the journal writes.
const DefaultPrefix = "conduit:journal:"

// Journal implements journal.Journal on Redis.
type Journal struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
	owned  bool
}

var _ journal.Journal = (*Journal)(nil)

type Option func(*Journal)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(j *Journal) {
		j.prefix = prefix
	}
}

// WithTTL expires entries and chains after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(j *Journal) {
		j.ttl = ttl
	}
}

// WithNow sets the clock stamping written chains.
func WithNow(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// New connects to the Redis server at address. Close releases the client.
func New(address, password string, db int, opts ...Option) *Journal {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	j := NewFromClient(rdb, opts...)
	j.owned = true
	return j
}

// NewFromClient wraps an existing client. Close leaves the client open.
func NewFromClient(client *backend.Client, opts ...Option) *Journal {
	j := &Journal{
		client: client,
		prefix: DefaultPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *Journal) entryKey(id string) string {
	return j.prefix + "entry:" + id
}

func (j *Journal) chainsKey(rootID string) string {
	return j.prefix + "chains:" + rootID
}

func (j *Journal) seqKey() string {
	return j.prefix + "seq"
}

// Append implements journal.Journal.
func (j *Journal) Append(ctx context.Context, e journal.Entry) error {
	if e.ID == "" {
		return errors.New("append entry: id is required")
	}
	e.RecordedAt = e.RecordedAt.UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := j.client.Set(ctx, j.entryKey(e.ID), data, j.ttl).Err(); err != nil {
		return fmt.Errorf("failed to append to redis: %w", err)
	}
	return nil
}

// Resolve implements journal.Journal.
func (j *Journal) Resolve(ctx context.Context, id string) (journal.Entry, error) {
	val, err := j.client.Get(ctx, j.entryKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return journal.Entry{}, journal.ErrNotFound
		}
		return journal.Entry{}, fmt.Errorf("failed to get from redis: %w", err)
	}

	var e journal.Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return journal.Entry{}, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return e, nil
}

// WriteChain implements journal.Journal.
func (j *Journal) WriteChain(ctx context.Context, fields []causality.Field) error {
	if len(fields) == 0 {
		return journal.ErrEmptyChain
	}

	seq, err := j.client.Incr(ctx, j.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate chain seq: %w", err)
	}

	c := journal.Chain{
		Seq:       seq,
		RootID:    fields[0].Value,
		Fields:    fields,
		WrittenAt: j.now().UTC(),
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal chain: %w", err)
	}

	key := j.chainsKey(c.RootID)
	pipe := j.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if j.ttl > 0 {
		pipe.Expire(ctx, key, j.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write chain to redis: %w", err)
	}
	return nil
}

// Chains implements journal.Journal.
func (j *Journal) Chains(ctx context.Context, rootID string) ([]journal.Chain, error) {
	vals, err := j.client.LRange(ctx, j.chainsKey(rootID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read chains from redis: %w", err)
	}

	out := make([]journal.Chain, 0, len(vals))
	for _, v := range vals {
		var c journal.Chain
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal chain: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Close releases the client when the journal created it.
func (j *Journal) Close() error {
	if !j.owned {
		return nil
	}
	return j.client.Close()
}
