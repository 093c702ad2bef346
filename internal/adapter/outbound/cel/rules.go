// Package cel provides a CEL-based consent auto-decision rule engine.
package cel

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/gatewarden/gatewarden/internal/domain/consent"
)

// maxExpressionLength is the maximum allowed length for rule expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit to prevent cost-exhaustion DoS.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single rule evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context
// cancellation is checked.
const interruptCheckFreq = 100

// Rule is one configured auto-decision rule. The expression evaluates
// against the consent request; a true result applies the decision.
type Rule struct {
	// Name identifies the rule in audit events and logs.
	Name string
	// Expression is a CEL expression over tool_name, params, risk_tier,
	// user_id, client_id, session_id, and request_time.
	Expression string
	// Decision is applied when the expression matches.
	Decision consent.Decision
}

type compiledRule struct {
	name     string
	decision consent.Decision
	prg      cel.Program
}

// Engine implements consent.RuleEngine by evaluating compiled CEL rules
// in configuration order; the first match wins.
type Engine struct {
	rules []compiledRule
}

// newRuleEnvironment creates a CEL environment exposing the consent
// request's fields plus glob matching for tool names.
func newRuleEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool_name", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("risk_tier", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("client_id", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("request_time", cel.TimestampType),

		// glob: shell-style pattern matching, e.g. glob("read_*", tool_name).
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// NewEngine validates and compiles the configured rules. A nil or empty
// rule list yields an engine that never matches.
func NewEngine(rules []Rule) (*Engine, error) {
	env, err := newRuleEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}

	e := &Engine{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		if r.Name == "" {
			return nil, errors.New("rule has no name")
		}
		if !r.Decision.IsValid() {
			return nil, fmt.Errorf("rule %q: invalid decision %q", r.Name, r.Decision)
		}
		prg, err := compileRule(env, r.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		e.rules = append(e.rules, compiledRule{name: r.Name, decision: r.Decision, prg: prg})
	}
	return e, nil
}

// compileRule parses, safety-checks, and plans a rule expression.
func compileRule(env *cel.Env, expr string) (cel.Program, error) {
	if expr == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// validateNesting checks that the expression does not exceed the maximum
// allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Evaluate runs the rules against a consent request in order and returns
// the first match. Evaluation is bounded by a timeout and the CEL cost
// limit so no rule can hang the consent path.
func (e *Engine) Evaluate(ctx context.Context, req *consent.ConsentRequest) (consent.RuleOutcome, error) {
	if len(e.rules) == 0 {
		return consent.RuleOutcome{}, nil
	}

	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	activation := map[string]any{
		"tool_name":    req.ToolName,
		"params":       params,
		"risk_tier":    string(req.RiskTier),
		"user_id":      req.UserID,
		"client_id":    req.ClientID,
		"session_id":   req.SessionID,
		"request_time": req.CreatedAt,
	}

	evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	for _, rule := range e.rules {
		result, _, err := rule.prg.ContextEval(evalCtx, activation)
		if err != nil {
			return consent.RuleOutcome{}, fmt.Errorf("rule %q: evaluation failed: %w", rule.name, err)
		}
		matched, ok := result.Value().(bool)
		if !ok {
			return consent.RuleOutcome{}, fmt.Errorf("rule %q: expression did not return a boolean, got %T", rule.name, result.Value())
		}
		if matched {
			return consent.RuleOutcome{Matched: true, Decision: rule.decision, RuleName: rule.name}, nil
		}
	}
	return consent.RuleOutcome{}, nil
}

// Compile-time interface verification.
var _ consent.RuleEngine = (*Engine)(nil)
