// Package causality implements the append-only identifier chain that links a
// terminal record back to the external trigger that started its run.
//
// Each pipeline stage contributes exactly one identifier via Extend; the
// FlowTerminator resolves the accumulated identifiers through the audit
// journal. Chains never carry business data.
package causality
