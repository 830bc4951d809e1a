// Package config loads and serves the LOM configuration overlay.
//
// # Overview
//
// A configuration document has a global section and one section per action. Documents
// are written in CUE or JSON; both are checked against a built-in CUE schema, decoded
// over the defaults and validated with struct tags.
//
//	global: {
//	    heartbeat_tolerance: 3
//	    sweep_interval:      "1s"
//	    max_steps:           16
//	}
//
//	actions: {
//	    link_flap: {type: "anomaly", timeout: "10s"}
//	    restart_port: {
//	        priority:    10
//	        on_failure:  "abort"
//	        eligible_if: "succeeded('link_flap') and results['link_flap'].data['flaps'] > 3"
//	    }
//	}
//
// Durations are Go duration strings or numbers of seconds. A timeout or heartbeat
// interval of zero disables the corresponding check.
//
// # Running Configuration
//
// Store serves the running configuration to the engine: the static document with
// every tweak applied in order. Tweaks are partial JSON documents, either global
// ({"max_steps": 8}) or per action ({"restart_port": {"disable": true}}). Reloading
// the static document keeps the tweaks.
//
// Watcher reloads the static document when its file or directory changes, debouncing
// bursts of writes.
//
// # Eligibility
//
// EligibilityEvaluator runs eligible_if expressions in Starlark with a step and time
// bound. Expressions see the anomaly, the candidate action and the mitigation context.
package config
