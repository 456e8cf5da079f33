package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a runtime error category.
type Code string

const (
	// CodeUnroutableEvent indicates an adapter received a topic it has no handler for.
	CodeUnroutableEvent Code = "UNROUTABLE_EVENT"

	// CodeUndeclaredPublication indicates a worker tried to publish outside its allowed topics.
	CodeUndeclaredPublication Code = "UNDECLARED_PUBLICATION"

	// CodeInvalidCausality indicates a chain without a root, or an attempt to rewrite a field.
	CodeInvalidCausality Code = "INVALID_CAUSALITY"

	// CodeAlreadyActiveRun indicates StartNewRun was called while a run is open.
	CodeAlreadyActiveRun Code = "ALREADY_ACTIVE_RUN"

	// CodeNoActiveRun indicates cache access outside an open run.
	CodeNoActiveRun Code = "NO_ACTIVE_RUN"

	// CodeInvalidRecordType indicates a strict-mode write of an undeclared output type.
	CodeInvalidRecordType Code = "INVALID_RECORD_TYPE"

	// CodeWiringInvalid indicates a wiring manifest that cannot be resolved into bindings.
	CodeWiringInvalid Code = "WIRING_INVALID"

	// CodeWiringCycle indicates the wiring topic graph contains a cycle.
	CodeWiringCycle Code = "WIRING_CYCLE"

	// CodeAdapterFaulted indicates an event reached an adapter stuck in the Faulted state.
	CodeAdapterFaulted Code = "ADAPTER_FAULTED"

	// CodeMissingDependency indicates required records were absent from the cache.
	CodeMissingDependency Code = "MISSING_CRITICAL_DEPENDENCY"

	// CodeHandlerFailed indicates a handler returned an error or panicked.
	CodeHandlerFailed Code = "HANDLER_FAILED"

	// CodeInfrastructure indicates an external collaborator (journal, clock) failed.
	CodeInfrastructure Code = "INFRASTRUCTURE"
)

// Kind groups codes by how the runtime reacts to them.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindMissingDependency Kind = "missing_dependency"
	KindHandler           Kind = "handler"
	KindInfrastructure    Kind = "infrastructure"
	KindUnknown           Kind = "unknown"
)

// Kind returns the taxonomy group of the code.
func (c Code) Kind() Kind {
	switch c {
	case CodeUnroutableEvent, CodeUndeclaredPublication, CodeInvalidCausality,
		CodeAlreadyActiveRun, CodeNoActiveRun, CodeInvalidRecordType,
		CodeWiringInvalid, CodeWiringCycle, CodeAdapterFaulted:
		return KindConfiguration
	case CodeMissingDependency:
		return KindMissingDependency
	case CodeHandlerFailed:
		return KindHandler
	case CodeInfrastructure:
		return KindInfrastructure
	default:
		return KindUnknown
	}
}

// Error is the structured error raised by every runtime component.
//
// Stage names the component or pipeline step that failed so a terminal
// signal can report "run failed at stage X because Y".
type Error struct {
	Code     Code
	Message  string
	Stage    string
	WorkerID string
	Topic    string

	// Missing lists absent record type names (MissingCriticalDependency only).
	Missing []string

	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)

	var ctx []string
	if e.Stage != "" {
		ctx = append(ctx, "stage="+e.Stage)
	}
	if e.WorkerID != "" {
		ctx = append(ctx, "worker="+e.WorkerID)
	}
	if e.Topic != "" {
		ctx = append(ctx, "topic="+e.Topic)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Kind returns the taxonomy group of the error.
func (e *Error) Kind() Kind {
	return e.Code.Kind()
}

// New creates an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error around an existing cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithStage returns a copy of e with Stage set.
func (e *Error) WithStage(stage string) *Error {
	cp := *e
	cp.Stage = stage
	return &cp
}

// WithWorker returns a copy of e with WorkerID set.
func (e *Error) WithWorker(workerID string) *Error {
	cp := *e
	cp.WorkerID = workerID
	return &cp
}

// WithTopic returns a copy of e with Topic set.
func (e *Error) WithTopic(topic string) *Error {
	cp := *e
	cp.Topic = topic
	return &cp
}

// Is reports whether err (or anything it wraps) is an *Error with the given code.
func Is(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// KindOf returns the taxonomy group of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind()
	}
	return KindUnknown
}

// IsConfiguration returns true for wiring mistakes that must never be retried.
func IsConfiguration(err error) bool {
	return KindOf(err) == KindConfiguration
}

// IsMissingDependency returns true if err is a MissingCriticalDependency error.
func IsMissingDependency(err error) bool {
	return Is(err, CodeMissingDependency)
}

// IsFatal reports whether err must abort the affected run whatever the
// criticality of the subscription that raised it: configuration, missing
// dependency and infrastructure faults.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindConfiguration, KindMissingDependency, KindInfrastructure:
		return true
	default:
		return false
	}
}

// As extracts the *Error from err.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
