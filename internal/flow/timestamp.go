package flow

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Timestamped is implemented by trigger payloads that carry their own time.
type Timestamped interface {
	Timestamp() time.Time
}

type timestampCarrier struct {
	Timestamp *time.Time `mapstructure:"timestamp"`
}

var timeType = reflect.TypeOf(time.Time{})

// ExtractTimestamp finds the timestamp of a trigger payload.
//
// Accepted forms, in order: a Timestamped value, a time.Time, or a map or
// struct with a "timestamp" field holding a time.Time, an RFC 3339 string or
// unix seconds.
func ExtractTimestamp(payload any) (time.Time, error) {
	switch v := payload.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("trigger payload is nil")
	case Timestamped:
		return v.Timestamp(), nil
	case time.Time:
		return v, nil
	}

	input := payload
	rv := reflect.Indirect(reflect.ValueOf(payload))
	switch rv.Kind() {
	case reflect.Struct:
		// Struct fields are read directly; mapstructure would flatten a
		// nested time.Time into a map.
		f := rv.FieldByNameFunc(func(name string) bool { return strings.EqualFold(name, "timestamp") })
		if !f.IsValid() || !f.CanInterface() {
			return time.Time{}, fmt.Errorf("trigger payload %T has no timestamp field", payload)
		}
		input = map[string]any{"timestamp": f.Interface()}
	case reflect.Map:
	default:
		return time.Time{}, fmt.Errorf("trigger payload %T carries no timestamp", payload)
	}

	var carrier timestampCarrier
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			unixSecondsHook,
		),
		Result: &carrier,
	})
	if err != nil {
		return time.Time{}, err
	}
	if err := dec.Decode(input); err != nil {
		return time.Time{}, fmt.Errorf("trigger payload %T has no readable timestamp: %w", payload, err)
	}
	if carrier.Timestamp == nil {
		return time.Time{}, fmt.Errorf("trigger payload %T has no timestamp field", payload)
	}
	return *carrier.Timestamp, nil
}

// unixSecondsHook decodes numeric timestamps as unix seconds.
func unixSecondsHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Unix(int64(v), 0).UTC(), nil
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case uint64:
		return time.Unix(int64(v), 0).UTC(), nil
	case float64:
		return unixSeconds(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", v, err)
		}
		return unixSeconds(f), nil
	}
	return data, nil
}

func unixSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}
