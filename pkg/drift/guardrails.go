package drift

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Guardrail is a named CEL expression that must hold for the live policy.
type Guardrail struct {
	Name string
	Expr string
}

// DefaultGuardrails are the checks applied to the ledger protection ruleset
// before every run.
var DefaultGuardrails = []Guardrail{
	{Name: "enforcement-active", Expr: `policy.enforcement == "active"`},
	{Name: "signed-writes-required", Expr: `"required_signatures" in policy.rule_types`},
	{
		Name: "pipeline-only-bypass",
		Expr: `size(policy.bypass_actors) > 0 && policy.bypass_actors.all(a, a.actor_type == pipeline.actor_type && a.actor_id == pipeline.actor_id)`,
	},
}

// Identity is the automated pipeline principal allowed to write the ledger.
type Identity struct {
	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id"`
}

// Guardrails evaluates guardrail expressions against a policy.
type Guardrails struct {
	env   *cel.Env
	rules []Guardrail

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewGuardrails compiles the given guardrails. Compilation errors are
// reported eagerly so that a bad expression fails before any run.
func NewGuardrails(rules []Guardrail) (*Guardrails, error) {
	env, err := cel.NewEnv(
		cel.Variable("policy", cel.DynType),
		cel.Variable("pipeline", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	g := &Guardrails{env: env, rules: rules, programs: make(map[string]cel.Program)}
	for _, r := range rules {
		if _, err := g.program(r.Expr); err != nil {
			return nil, fmt.Errorf("guardrail %s: %w", r.Name, err)
		}
	}
	return g, nil
}

// Violation names a guardrail that did not hold.
type Violation struct {
	Guardrail string `json:"guardrail"`
	Expr      string `json:"expr"`
}

// Evaluate returns every violated guardrail. An evaluation error counts as a
// violation.
func (g *Guardrails) Evaluate(p Policy, id Identity) []Violation {
	input := map[string]any{
		"policy":   policyInput(p),
		"pipeline": map[string]any{"actor_type": id.ActorType, "actor_id": id.ActorID},
	}
	var out []Violation
	for _, r := range g.rules {
		ok, err := g.eval(r.Expr, input)
		if err != nil || !ok {
			out = append(out, Violation{Guardrail: r.Name, Expr: r.Expr})
		}
	}
	return out
}

func (g *Guardrails) program(expr string) (cel.Program, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prg, ok := g.programs[expr]; ok {
		return prg, nil
	}
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := g.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	g.programs[expr] = prg
	return prg, nil
}

func (g *Guardrails) eval(expr string, input map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

// policyInput converts the policy to plain maps and lists for CEL.
func policyInput(p Policy) map[string]any {
	ruleTypes := make([]any, 0, len(p.Rules))
	for _, r := range p.Rules {
		ruleTypes = append(ruleTypes, r.Type)
	}
	actors := make([]any, 0, len(p.BypassActors))
	for _, a := range p.BypassActors {
		actors = append(actors, map[string]any{
			"actor_type":  a.ActorType,
			"actor_id":    a.ActorID,
			"bypass_mode": a.BypassMode,
		})
	}
	return map[string]any{
		"name":          p.Name,
		"target":        p.Target,
		"enforcement":   p.Enforcement,
		"rule_types":    ruleTypes,
		"bypass_actors": actors,
	}
}
