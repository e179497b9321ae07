package escalation

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/quorumworks/council/pkg/contracts"
)

// DefaultPriorityRule is the shipped priority expression. Operators can
// override it per deployment; the expression must evaluate to one of
// "critical", "high", "medium".
const DefaultPriorityRule = `severity == 'critical' ? 'critical'
	: severity == 'high' || tally.escalate >= 11 ? 'high'
	: 'medium'`

// PriorityRule is a compiled CEL expression deriving the analyst-queue
// priority of an escalated case.
type PriorityRule struct {
	program cel.Program
}

// CompilePriorityRule compiles expr against the case environment. The
// expression sees severity (string), subject_type (string) and tally
// (map with approve/reject/escalate/abstain counts).
func CompilePriorityRule(expr string) (*PriorityRule, error) {
	env, err := cel.NewEnv(
		cel.Variable("severity", cel.StringType),
		cel.Variable("subject_type", cel.StringType),
		cel.Variable("tally", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("escalation: cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("escalation: compile priority rule: %w", issues.Err())
	}
	program, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("escalation: priority program: %w", err)
	}
	return &PriorityRule{program: program}, nil
}

// Evaluate derives the priority for one failed session.
func (r *PriorityRule) Evaluate(subject contracts.Subject, tally contracts.Tally) (contracts.Priority, error) {
	out, _, err := r.program.Eval(map[string]any{
		"severity":     string(subject.Severity),
		"subject_type": string(subject.Type),
		"tally": map[string]any{
			"approve":  tally.Approve,
			"reject":   tally.Reject,
			"escalate": tally.Escalate,
			"abstain":  tally.Abstain,
		},
	})
	if err != nil {
		return "", fmt.Errorf("escalation: evaluate priority rule: %w", err)
	}
	value, ok := out.Value().(string)
	if !ok {
		return "", fmt.Errorf("escalation: priority rule returned %T, want string", out.Value())
	}
	switch p := contracts.Priority(value); p {
	case contracts.PriorityCritical, contracts.PriorityHigh, contracts.PriorityMedium:
		return p, nil
	default:
		return "", fmt.Errorf("escalation: priority rule returned unknown priority %q", value)
	}
}
