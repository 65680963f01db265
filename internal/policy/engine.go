package policy

import (
	"fmt"
	"time"

	"github.com/promogate/release-gate/internal/models"
)

// Decision is the outcome of one promotion evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

// Engine evaluates promotion requests against the current policy snapshot.
// It performs no writes; callers own all persistence.
type Engine struct {
	source *Source
	now    func() time.Time
}

func NewEngine(source *Source) *Engine {
	return &Engine{source: source, now: time.Now}
}

// NewEngineAt is like NewEngine with an injected clock, for freeze-window tests.
func NewEngineAt(source *Source, now func() time.Time) *Engine {
	return &Engine{source: source, now: now}
}

// Source exposes the policy handle so callers can reload or inspect thresholds.
func (e *Engine) Source() *Source {
	return e.source
}

// FrozenFor reports whether env currently sits inside a freeze window.
func (e *Engine) FrozenFor(env models.Environment) bool {
	return e.source.Current().FrozenForEnv(env, e.now())
}

// ValidatePromotion decides whether a release may move from one environment to
// another. Checks run in order and the first failure wins:
//
//  1. a freeze window on the target denies any transition
//  2. DEV -> PRE_PROD is otherwise unconditional
//  3. PRE_PROD -> PROD requires approvals, an evidence URL, and a minimum score
//  4. any other pair is allowed unless the policy sets strictTransitions
func (e *Engine) ValidatePromotion(from, to models.Environment, approvalCount, evidenceScore int, evidenceURL string) Decision {
	doc := e.source.Current()

	if doc.FrozenForEnv(to, e.now()) {
		return Decision{Allowed: false, Reason: fmt.Sprintf("environment %s is frozen (active freeze window)", to)}
	}

	switch {
	case from == models.EnvDev && to == models.EnvPreProd:
		return Decision{Allowed: true, Reason: "promotion DEV -> PRE_PROD allowed"}

	case from == models.EnvPreProd && to == models.EnvProd:
		if approvalCount < doc.MinApprovals {
			return Decision{Allowed: false, Reason: fmt.Sprintf("requires %d approval(s), has %d", doc.MinApprovals, approvalCount)}
		}
		if isBlank(evidenceURL) {
			return Decision{Allowed: false, Reason: "evidence URL required for production"}
		}
		if evidenceScore < doc.MinScore {
			return Decision{Allowed: false, Reason: fmt.Sprintf("minimum score is %d, got %d", doc.MinScore, evidenceScore)}
		}
		return Decision{Allowed: true, Reason: "promotion PRE_PROD -> PROD validated"}

	default:
		if doc.StrictTransitions {
			return Decision{Allowed: false, Reason: fmt.Sprintf("transition %s -> %s is not allowed", from, to)}
		}
		return Decision{Allowed: true, Reason: fmt.Sprintf("promotion %s -> %s allowed", from, to)}
	}
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
