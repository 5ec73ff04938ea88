// CEL rule policy.

package guardian

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/google/cel-go/cel"

	"github.com/maruel/memlake/internal/artifact"
)

// Rule is one CEL expression evaluated against the variable file, a map of
// the artifact fields (id, driveId, slotId, name, path, extension, category,
// kind, sizeBytes, status, mimeType, signature, tags, meta, text,
// hasContent). The expression must return a bool.
type Rule struct {
	Name    string `yaml:"name" json:"name" validate:"required"`
	Expr    string `yaml:"expr" json:"expr" validate:"required"`
	Verdict string `yaml:"verdict" json:"verdict" validate:"oneof=suspect corrupt"`
	Reason  string `yaml:"reason" json:"reason"`
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// CELPolicy evaluates configured CEL rules in order. The first rule that
// returns true wins.
type CELPolicy struct {
	rules  []compiledRule
	logger *slog.Logger
}

// NewCELPolicy compiles rules. Rules sharing an expression share a program.
func NewCELPolicy(rules []Rule, logger *slog.Logger) (*CELPolicy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(cel.Variable("file", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	cache := map[string]cel.Program{}
	p := &CELPolicy{logger: logger}
	for _, r := range rules {
		if r.Verdict != "suspect" && r.Verdict != "corrupt" {
			return nil, fmt.Errorf("rule %q: verdict must be suspect or corrupt, got %q", r.Name, r.Verdict)
		}
		prg, ok := cache[r.Expr]
		if !ok {
			ast, issues := env.Compile(r.Expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("rule %q: CEL compilation error: %w", r.Name, issues.Err())
			}
			if prg, err = env.Program(ast); err != nil {
				return nil, fmt.Errorf("rule %q: failed to create CEL program: %w", r.Name, err)
			}
			cache[r.Expr] = prg
		}
		if r.Reason == "" {
			r.Reason = "Rule " + r.Name
		}
		p.rules = append(p.rules, compiledRule{Rule: r, prg: prg})
	}
	return p, nil
}

// Len returns the number of rules.
func (p *CELPolicy) Len() int {
	return len(p.rules)
}

// Evaluate implements [Policy]. A rule that fails to evaluate is logged and
// skipped.
func (p *CELPolicy) Evaluate(a *artifact.Artifact) Verdict {
	if len(p.rules) == 0 {
		return Verdict{Reason: ReasonNoSignal}
	}
	vars := map[string]any{"file": activation(a)}
	for _, r := range p.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			p.logger.Warn("guardian rule failed", "rule", r.Name, "id", a.ID, "err", err)
			continue
		}
		match, ok := out.Value().(bool)
		if !ok {
			p.logger.Warn("guardian rule did not return a bool", "rule", r.Name, "type", fmt.Sprintf("%T", out.Value()))
			continue
		}
		if match {
			return Verdict{Corrupt: r.Verdict == "corrupt", Suspect: r.Verdict == "suspect", Reason: r.Reason}
		}
	}
	return Verdict{Reason: ReasonNoSignal}
}

func activation(a *artifact.Artifact) map[string]any {
	text := ""
	if data, ok, err := a.Decoded(); ok && err == nil && utf8.Valid(data) {
		text = string(data)
	}
	tags := make([]any, 0, len(a.Tags))
	for _, t := range a.Tags {
		tags = append(tags, t)
	}
	meta := make(map[string]any, len(a.Meta))
	for k, v := range a.Meta {
		meta[k] = v
	}
	_, inline := a.Content.Bytes()
	return map[string]any{
		"id":         a.ID,
		"driveId":    string(a.DriveID),
		"slotId":     int64(a.SlotID),
		"name":       a.Name,
		"path":       a.Path,
		"extension":  a.Extension,
		"category":   string(a.Category),
		"kind":       string(a.Kind),
		"sizeBytes":  a.SizeBytes,
		"status":     string(a.Status),
		"mimeType":   a.MimeType,
		"signature":  a.Signature,
		"tags":       tags,
		"meta":       meta,
		"text":       text,
		"hasContent": inline,
	}
}
