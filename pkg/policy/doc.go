// Package policy decides what a mitigation sequence does after a failed step, using
// Open Policy Agent Rego policies.
//
// When an action times out, is aborted or reports failure, the sequencer asks its
// failure policy whether to continue with the next action or abort the sequence.
// Engine answers with Rego: every policy is a module in package lom.failure that adds
// messages to the abort or tolerate sets.
//
//	package lom.failure
//
//	import rego.v1
//
//	abort contains msg if {
//	    input.anomaly.name == "link_flap"
//	    input.status == "timed_out"
//	    msg := sprintf("%s hung while handling a link flap", [input.action.name])
//	}
//
// Any abort message aborts the sequence. Otherwise any tolerate message continues it.
// When no rule fires the action's configured on_failure applies.
//
// # Input
//
// Policies see the anomaly (name, key, data), the failed action (name, proc_id, type,
// priority, on_failure), the instance status (completed, timed_out, aborted), the
// result (code, name, message) and the 1-based step.
//
// # Built-in Policies
//
//   - failed-safety-check: abort when a safety check completes with ACTION_FAILED
//   - step-budget (disabled): abort on any failure after the eighth step
//
// Policies are loaded from .rego files, or .json files carrying name, description,
// rego and enabled. Loader.Watch reloads them on change.
package policy
