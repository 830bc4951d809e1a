package policy

import (
	"time"
)

// decisionModule combines the abort and tolerate rules of every policy. Abort wins;
// with no rule firing the action's configured on_failure stands.
const decisionModule = `package lom.failure

import rego.v1

default decision := "continue"

decision := "abort" if count(abort) > 0

decision := "continue" if {
	count(abort) == 0
	count(tolerate) > 0
}

decision := input.action.on_failure if {
	count(abort) == 0
	count(tolerate) == 0
	input.action.on_failure != ""
}

reasons := abort | tolerate

abort contains msg if {
	msg := ""
	false
}

tolerate contains msg if {
	msg := ""
	false
}
`

// GetBuiltinPolicies returns the policies loaded with every engine.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		failedSafetyCheckPolicy(),
		stepBudgetPolicy(),
	}
}

// failedSafetyCheckPolicy stops a sequence whose safety check ran and reported that
// mitigation is unsafe. A safety check that timed out follows its configuration.
func failedSafetyCheckPolicy() Policy {
	return Policy{
		Name:        "failed-safety-check",
		Description: "Abort the sequence when a safety check reports failure",
		Enabled:     true,
		LoadedAt:    time.Now(),
		Rego: `package lom.failure

import rego.v1

abort contains msg if {
	input.action.type == "safety_check"
	input.status == "completed"
	input.result.name == "ACTION_FAILED"
	msg := sprintf("safety check %s failed: %s", [input.action.name, input.result.message])
}
`,
	}
}

// stepBudgetPolicy is disabled by default. When enabled it stops sequences whose
// failures keep piling up late in the sequence.
func stepBudgetPolicy() Policy {
	return Policy{
		Name:        "step-budget",
		Description: "Abort after a failure beyond the eighth step",
		Enabled:     false,
		LoadedAt:    time.Now(),
		Rego: `package lom.failure

import rego.v1

abort contains msg if {
	input.step > 8
	msg := sprintf("%s failed at step %d", [input.action.name, input.step])
}
`,
	}
}
