// Package policy decides whether an actor may perform an action on a
// record, and which fields must be hidden when they may.
package policy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/mnemos/internal/config"
	"github.com/lazypower/mnemos/internal/logging"
)

// Action classes.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionExport = "export"
)

// Effect is what a matching rule does.
type Effect string

const (
	EffectDeny   Effect = "deny"
	EffectRedact Effect = "redact"
)

// FailMode is applied when rules cannot be evaluated.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// Actor is who asks. Authentication happens upstream.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Decision is the gate's answer.
type Decision struct {
	Allow        bool     `json:"allow"`
	RedactFields []string `json:"redact_fields,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Rule         string   `json:"rule,omitempty"`
}

// Rule is a CEL condition over action, actor and payload.
type Rule struct {
	Name   string   `yaml:"name" json:"name"`
	When   string   `yaml:"when" json:"when"`
	Effect Effect   `yaml:"effect" json:"effect"`
	Fields []string `yaml:"fields,omitempty" json:"fields,omitempty"`
	Reason string   `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// RuleFile is the YAML layout of a rules file.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// BuiltinRules are always active.
var BuiltinRules = []Rule{
	{
		Name: "sensitive-owner-only",
		When: `action == "read" && has(payload.metadata) && has(payload.metadata.sensitive) &&
			payload.metadata.sensitive == true && actor.role != "owner"`,
		Effect: EffectDeny,
		Reason: "sensitive record",
	},
	{
		Name:   "reader-no-write",
		When:   `(action == "write" || action == "export") && actor.role == "reader"`,
		Effect: EffectDeny,
		Reason: "role reader may not write or export",
	},
}

type compiled struct {
	Rule
	prg cel.Program
}

// Gate evaluates rules. A nil *Gate applies the default fail modes.
type Gate struct {
	env       *cel.Env
	failModes map[string]FailMode
	rulesFile string
	log       *zap.Logger

	mu    sync.RWMutex
	rules []compiled
}

// DefaultFailModes: reads stay available, writes and exports stop.
func DefaultFailModes() map[string]FailMode {
	return map[string]FailMode{
		ActionRead:   FailOpen,
		ActionWrite:  FailClosed,
		ActionExport: FailClosed,
	}
}

// New builds a gate with the built-in rules plus those in cfg.RulesFile.
func New(cfg config.PolicyConfig, log *zap.Logger) (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("actor", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	g := &Gate{
		env:       env,
		failModes: DefaultFailModes(),
		rulesFile: cfg.RulesFile,
		log:       logging.OrNop(log),
	}
	for class, mode := range cfg.FailModes {
		g.failModes[class] = FailMode(mode)
	}

	extra, err := loadRuleFile(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	if err := g.SetRules(extra); err != nil {
		return nil, err
	}
	return g, nil
}

// Compile checks a rule without installing it.
func (g *Gate) Compile(r Rule) (cel.Program, error) {
	if r.Effect != EffectDeny && r.Effect != EffectRedact {
		return nil, fmt.Errorf("rule %s: unknown effect %q", r.Name, r.Effect)
	}
	if r.Effect == EffectRedact && len(r.Fields) == 0 {
		return nil, fmt.Errorf("rule %s: redact needs fields", r.Name)
	}
	ast, iss := g.env.Compile(r.When)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name, iss.Err())
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name, err)
	}
	return prg, nil
}

// SetRules replaces the configured rules; built-ins always stay first.
// On error the previous rules remain active.
func (g *Gate) SetRules(extra []Rule) error {
	all := append(append([]Rule{}, BuiltinRules...), extra...)
	out := make([]compiled, 0, len(all))
	for _, r := range all {
		prg, err := g.Compile(r)
		if err != nil {
			return err
		}
		out = append(out, compiled{Rule: r, prg: prg})
	}

	g.mu.Lock()
	g.rules = out
	g.mu.Unlock()
	return nil
}

// Rules returns the active rules.
func (g *Gate) Rules() []Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Rule, len(g.rules))
	for i, c := range g.rules {
		out[i] = c.Rule
	}
	return out
}

// FailModeFor returns the fail mode of an action's class. The class is the
// part of the action before any ":" (e.g. "write:ingest" is a write).
func (g *Gate) FailModeFor(action string) FailMode {
	class, _, _ := strings.Cut(action, ":")
	modes := DefaultFailModes()
	if g != nil {
		modes = g.failModes
	}
	if m, ok := modes[class]; ok {
		return m
	}
	return FailClosed
}

// Evaluate runs every rule against the request. The first deny wins;
// redactions accumulate. A rule that cannot be evaluated applies the fail
// mode of the action class.
func (g *Gate) Evaluate(ctx context.Context, action string, payload map[string]any, actor Actor) (Decision, error) {
	if action == "" {
		return Decision{}, errors.New("policy: empty action")
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	if g == nil {
		return g.FailDecision(action, "no policy evaluator"), nil
	}

	class, _, _ := strings.Cut(action, ":")
	vars := map[string]any{
		"action":  class,
		"actor":   map[string]any{"id": actor.ID, "role": actor.Role},
		"payload": normalizePayload(payload),
	}

	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	d := Decision{Allow: true}
	seen := map[string]bool{}
	for _, r := range rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			g.log.Warn("policy rule failed", zap.String("rule", r.Name), zap.String("action", action), zap.Error(err))
			return g.FailDecision(action, "rule "+r.Name+" failed"), nil
		}
		match, ok := out.Value().(bool)
		if !ok {
			g.log.Warn("policy rule returned non-bool", zap.String("rule", r.Name), zap.Any("value", out.Value()))
			return g.FailDecision(action, "rule "+r.Name+" returned non-bool"), nil
		}
		if !match {
			continue
		}
		switch r.Effect {
		case EffectDeny:
			return Decision{Allow: false, Reason: r.Reason, Rule: r.Name}, nil
		case EffectRedact:
			for _, f := range r.Fields {
				if !seen[f] {
					seen[f] = true
					d.RedactFields = append(d.RedactFields, f)
				}
			}
		}
	}
	return d, nil
}

// FailDecision is the decision the fail mode of action's class dictates
// when no rule answer is available.
func (g *Gate) FailDecision(action, why string) Decision {
	if g.FailModeFor(action) == FailOpen {
		if g != nil {
			g.log.Warn("policy failing open", zap.String("action", action), zap.String("reason", why))
		}
		return Decision{Allow: true, Reason: "fail-open: " + why}
	}
	return Decision{Allow: false, Reason: "fail-closed: " + why}
}

// normalizePayload guarantees payload.metadata is a map so rules can use
// has() on its fields.
func normalizePayload(p map[string]any) map[string]any {
	out := maps.Clone(p)
	if out == nil {
		out = map[string]any{}
	}
	if _, ok := out["metadata"].(map[string]any); !ok {
		out["metadata"] = map[string]any{}
	}
	return out
}

// RedactMetadata returns a copy of meta without the named fields.
func RedactMetadata(meta map[string]any, fields []string) map[string]any {
	if len(fields) == 0 || meta == nil {
		return meta
	}
	out := maps.Clone(meta)
	for _, f := range fields {
		delete(out, strings.TrimPrefix(f, "metadata."))
	}
	return out
}

func loadRuleFile(path string) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy rules: %w", err)
	}
	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse policy rules %s: %w", path, err)
	}
	return rf.Rules, nil
}
