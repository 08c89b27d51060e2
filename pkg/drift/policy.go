// Package drift guards the ledger's own write-protection policy. It hashes a
// canonical projection of the live ruleset, compares it against an operator
// seeded baseline, and checks a fixed set of guardrails before every run.
package drift

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tbowman01/shared-github-actions/pkg/canonicalize"
)

// RefCondition is the branch selection of a ruleset.
type RefCondition struct {
	Include []string `json:"include"`
	Exclude []string `json:"exclude"`
}

// Rule is one ruleset rule with its parameters.
type Rule struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// BypassActor is an identity allowed to bypass the ruleset.
type BypassActor struct {
	ActorType  string `json:"actor_type"`
	ActorID    string `json:"actor_id"`
	BypassMode string `json:"bypass_mode"`
}

// Policy is the canonical projection of a protection ruleset. Only fields that
// define the protection are kept: ids, node ids, links, timestamps and
// caller-relative flags never reach the hash.
type Policy struct {
	Name         string        `json:"name"`
	Target       string        `json:"target"`
	Enforcement  string        `json:"enforcement"`
	RefName      RefCondition  `json:"ref_name"`
	Rules        []Rule        `json:"rules"`
	BypassActors []BypassActor `json:"bypass_actors"`
}

// FromRuleset projects a raw ruleset detail document.
func FromRuleset(raw map[string]any) (Policy, error) {
	if raw == nil {
		return Policy{}, fmt.Errorf("ruleset: empty document")
	}
	p := Policy{
		Name:         str(raw["name"]),
		Target:       str(raw["target"]),
		Enforcement:  str(raw["enforcement"]),
		Rules:        []Rule{},
		BypassActors: []BypassActor{},
	}
	if p.Name == "" {
		return Policy{}, fmt.Errorf("ruleset: missing name")
	}

	if cond, ok := raw["conditions"].(map[string]any); ok {
		if ref, ok := cond["ref_name"].(map[string]any); ok {
			p.RefName.Include = strList(ref["include"])
			p.RefName.Exclude = strList(ref["exclude"])
		}
	}
	if p.RefName.Include == nil {
		p.RefName.Include = []string{}
	}
	if p.RefName.Exclude == nil {
		p.RefName.Exclude = []string{}
	}

	rules, _ := raw["rules"].([]any)
	for i, r := range rules {
		m, ok := r.(map[string]any)
		if !ok {
			return Policy{}, fmt.Errorf("ruleset: rule %d is not an object", i)
		}
		rule := Rule{Type: str(m["type"])}
		if params, ok := m["parameters"].(map[string]any); ok && len(params) > 0 {
			rule.Parameters = canonicalize.QuoteInexact(params).(map[string]any)
		}
		p.Rules = append(p.Rules, rule)
	}

	actors, _ := raw["bypass_actors"].([]any)
	for i, a := range actors {
		m, ok := a.(map[string]any)
		if !ok {
			return Policy{}, fmt.Errorf("ruleset: bypass actor %d is not an object", i)
		}
		p.BypassActors = append(p.BypassActors, BypassActor{
			ActorType:  str(m["actor_type"]),
			ActorID:    str(m["actor_id"]),
			BypassMode: str(m["bypass_mode"]),
		})
	}

	if err := p.sort(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p *Policy) sort() error {
	sort.Strings(p.RefName.Include)
	sort.Strings(p.RefName.Exclude)

	keys := make([]string, len(p.Rules))
	for i, r := range p.Rules {
		b, err := canonicalize.JCS(r)
		if err != nil {
			return fmt.Errorf("ruleset: rule %s: %w", r.Type, err)
		}
		keys[i] = string(b)
	}
	idx := make([]int, len(p.Rules))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ra, rb := p.Rules[idx[a]], p.Rules[idx[b]]
		if ra.Type != rb.Type {
			return ra.Type < rb.Type
		}
		return keys[idx[a]] < keys[idx[b]]
	})
	sorted := make([]Rule, len(p.Rules))
	for i, j := range idx {
		sorted[i] = p.Rules[j]
	}
	p.Rules = sorted

	sort.Slice(p.BypassActors, func(i, j int) bool {
		return p.BypassActors[i].key() < p.BypassActors[j].key()
	})
	return nil
}

func (a BypassActor) key() string {
	return a.ActorType + ":" + a.ActorID + ":" + a.BypassMode
}

// Hash returns the canonical hash of the policy.
func (p Policy) Hash() (string, error) {
	return canonicalize.CanonicalHash(p)
}

// Fields flattens the policy into named fields for diffing.
func (p Policy) Fields() map[string]string {
	f := map[string]string{
		"name":             p.Name,
		"target":           p.Target,
		"enforcement":      p.Enforcement,
		"ref_name.include": strings.Join(p.RefName.Include, ","),
		"ref_name.exclude": strings.Join(p.RefName.Exclude, ","),
	}
	seen := make(map[string]int)
	for _, r := range p.Rules {
		key := "rules." + r.Type
		if n := seen[r.Type]; n > 0 {
			key = fmt.Sprintf("%s[%d]", key, n)
		}
		seen[r.Type]++
		params := "{}"
		if len(r.Parameters) > 0 {
			if b, err := canonicalize.JCS(r.Parameters); err == nil {
				params = string(b)
			}
		}
		f[key] = params
	}
	for _, a := range p.BypassActors {
		f["bypass_actors."+a.ActorType+":"+a.ActorID] = a.BypassMode
	}
	return f
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}

func strList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, str(it))
	}
	return out
}
