package governance

import (
	"github.com/procflow/procflow/internal/actions"
	"github.com/procflow/procflow/pkg/schema"
)

// SideEffectRule selects how side-effecting actions are treated for a run.
type SideEffectRule string

const (
	SideEffectsAllow SideEffectRule = "allow"
	SideEffectsWarn  SideEffectRule = "warn"
	SideEffectsBlock SideEffectRule = "block"
)

// Policy is the per-run governance envelope. The gate evaluates every action
// invocation against it before the executor is allowed to proceed.
type Policy struct {
	InvocationContext string         `json:"invocation_context"`
	SideEffects       SideEffectRule `json:"side_effects,omitempty"`
	MaxIterations     int            `json:"max_iterations,omitempty"` // 0 means unlimited
	DryRun            bool           `json:"dry_run,omitempty"`
}

// Verdict is the gate's answer for one invocation.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictWarn  Verdict = "warn"
	VerdictDeny  Verdict = "deny"
)

// Decision carries the verdict and, for warn/deny, the reason.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Allowed reports whether the invocation may proceed (warn still proceeds).
func (d Decision) Allowed() bool {
	return d.Verdict != VerdictDeny
}

// Authorize gates a single action invocation. Exposure is checked first: an
// action not exposed for the run's invocation context is always denied.
// Side-effecting actions then pass through the run's side-effect rule.
func Authorize(meta actions.Metadata, policy Policy) Decision {
	if !meta.ExposedIn(policy.InvocationContext) {
		return Decision{
			Verdict: VerdictDeny,
			Reason:  "action " + meta.Name + " is not exposed for " + policy.InvocationContext + " invocation",
		}
	}

	if meta.SideEffects {
		switch policy.SideEffects {
		case SideEffectsBlock:
			return Decision{
				Verdict: VerdictDeny,
				Reason:  "action " + meta.Name + " declares side effects and the run blocks them",
			}
		case SideEffectsWarn:
			return Decision{
				Verdict: VerdictWarn,
				Reason:  "action " + meta.Name + " declares side effects",
			}
		}
	}

	return Decision{Verdict: VerdictAllow}
}

// DeniedError builds the canonical error for a denied invocation.
func DeniedError(meta actions.Metadata, decision Decision) error {
	return schema.NewError(schema.ErrCodeGovernanceDenied, decision.Reason).
		WithDetails(map[string]any{
			"action":       meta.Name,
			"side_effects": meta.SideEffects,
		})
}

// ClampIterations applies the policy's iteration ceiling to a sequence
// length. Zero means no ceiling.
func (p Policy) ClampIterations(n int) int {
	if p.MaxIterations > 0 && n > p.MaxIterations {
		return p.MaxIterations
	}
	return n
}
