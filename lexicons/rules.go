package lexicons

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// Rule is a CEL expression over the variable `record` which must evaluate to true.
type Rule struct {
	Expr    string
	Message string
}

type compiledRule struct {
	Rule
	prg cel.Program
}

type RuleValidator struct {
	rules []compiledRule
}

func recordEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
	)
}

func NewRuleValidator(rules ...Rule) (*RuleValidator, error) {
	env, err := recordEnv()
	if err != nil {
		return nil, err
	}

	rv := &RuleValidator{}
	for _, r := range rules {
		ast, iss := env.Compile(r.Expr)
		if iss.Err() != nil {
			return nil, fmt.Errorf("compiling %q: %w", r.Expr, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %q must return bool, got %s", r.Expr, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("building program for %q: %w", r.Expr, err)
		}
		rv.rules = append(rv.rules, compiledRule{Rule: r, prg: prg})
	}

	return rv, nil
}

func (rv *RuleValidator) Validate(ctx context.Context, record map[string]any) error {
	for _, r := range rv.rules {
		out, _, err := r.prg.ContextEval(ctx, map[string]any{
			"record": record,
		})
		if err != nil {
			return fmt.Errorf("evaluating %q: %w", r.Expr, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return fmt.Errorf("rule %q did not return a boolean", r.Expr)
		}
		if !ok {
			if r.Message != "" {
				return fmt.Errorf("%s", r.Message)
			}
			return fmt.Errorf("record failed rule: %s", r.Expr)
		}
	}
	return nil
}
