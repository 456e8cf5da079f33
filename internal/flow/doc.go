// Package flow opens and closes runs around external triggers.
//
// The Initiator turns an external trigger into a run: it anchors the cache
// at the trigger's timestamp and only then republishes the payload on the
// internal topic, so no internal subscriber can run before the cache exists.
//
// The Terminator ends a run on a terminal signal: it resolves the terminal
// record's causality chain through the audit journal, writes the chain and
// clears the cache, exactly once per run.
//
// The Supervisor turns critical failures reported by asynchronous
// strategies into failed terminations, so a halted run still produces one
// terminal signal.
package flow
