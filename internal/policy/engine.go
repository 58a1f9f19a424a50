// SPDX-License-Identifier: MIT

package policy

import "sort"

// Outcome is the aggregated verdict for one request.
type Outcome string

const (
	OutcomeEnroll   Outcome = "enroll"
	OutcomeWaitlist Outcome = "waitlist"
	OutcomeDeny     Outcome = "deny"
)

// Verdict is the engine's final answer plus the full ordered trace for
// audit.
type Verdict struct {
	Outcome  Outcome
	Reason   ReasonCode
	DeniedBy string
	Message  string
	Trace    []Result
}

// Engine evaluates a fixed, priority-ordered set of policies. The policy set
// is closed at construction; Evaluate is safe for concurrent use.
type Engine struct {
	policies []Policy
}

// NewEngine builds an engine over the given policies, ordered by ascending
// priority. Order among equal priorities follows registration order.
func NewEngine(policies ...Policy) *Engine {
	ordered := make([]Policy, len(policies))
	copy(ordered, policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return &Engine{policies: ordered}
}

// Evaluate runs every policy in priority order and aggregates the results.
//
// A Deny from a short-circuit policy stops evaluation immediately. Otherwise
// all results are gathered: any Deny wins (the highest-priority denier sets
// the reason), then a WAITLIST caveat, then plain enrollment.
func (e *Engine) Evaluate(in Input) Verdict {
	trace := make([]Result, 0, len(e.policies))

	for _, p := range e.policies {
		res := p.Evaluate(in)
		res.Policy = p.Name
		trace = append(trace, res)

		if res.Decision == DecisionDeny && p.ShortCircuitOnDeny {
			return Verdict{
				Outcome:  OutcomeDeny,
				Reason:   res.Reason,
				DeniedBy: p.Name,
				Message:  res.Message,
				Trace:    trace,
			}
		}
	}

	waitlisted := false
	for _, res := range trace {
		switch res.Decision {
		case DecisionDeny:
			// Trace is in priority order, so the first Deny is the
			// highest-priority denier.
			return Verdict{
				Outcome:  OutcomeDeny,
				Reason:   res.Reason,
				DeniedBy: res.Policy,
				Message:  res.Message,
				Trace:    trace,
			}
		case DecisionAllowWithCaveat:
			if res.Caveat == CaveatWaitlist {
				waitlisted = true
			}
		}
	}

	if waitlisted {
		return Verdict{Outcome: OutcomeWaitlist, Trace: trace}
	}
	return Verdict{Outcome: OutcomeEnroll, Trace: trace}
}
