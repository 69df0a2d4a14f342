package deobf

import (
	stderrors "errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/ildecode/assembly"
	"github.com/wippyai/ildecode/errors"
	"github.com/wippyai/ildecode/il"
)

// Options configures a scan.
type Options struct {
	// Targets selects decode methods. Nil matches DefaultTarget.
	Targets *Matcher
	// Encoding converts decoded bytes to text. Empty means UTF-8.
	Encoding Encoding
}

// Finding is a match with its decoded value or decode error.
type Finding struct {
	Err     error
	Decoded string
	Match
}

// OK reports whether the literal decoded.
func (f Finding) OK() bool {
	return f.Err == nil
}

// Plan holds every finding of a module, ready to apply.
type Plan struct {
	mod      *assembly.Module
	Findings []Finding
	applied  bool
}

// Result is the outcome of applying a plan.
type Result struct {
	// Skipped aggregates decode failures and patch failures.
	Skipped error
	Applied []Finding
}

// Scan collects findings for every method body of mod. Bodies shared by
// several methods are scanned once. A module without any match returns
// the empty plan and errors.ErrNoMatch.
func Scan(mod *assembly.Module, opts Options) (*Plan, error) {
	targets := opts.Targets
	if targets == nil {
		var err error
		if targets, err = NewMatcher(nil); err != nil {
			return nil, err
		}
	}
	enc := opts.Encoding
	if enc == "" {
		enc = UTF8
	}

	scanner := NewScanner(mod, targets)
	plan := &Plan{mod: mod}
	seen := make(map[*il.Body]bool)

	for _, m := range mod.Methods {
		if m.Body == nil || seen[m.Body] {
			continue
		}
		seen[m.Body] = true
		for match := range scanner.Matches(m) {
			plan.Findings = append(plan.Findings, decodeMatch(match, enc))
		}
	}

	Logger().Debug("scan complete",
		zap.Int("methods", len(mod.Methods)),
		zap.Int("findings", len(plan.Findings)),
		zap.Strings("targets", targets.Patterns()))

	if len(plan.Findings) == 0 {
		return plan, errors.ErrNoMatch
	}
	return plan, nil
}

func decodeMatch(m Match, enc Encoding) Finding {
	f := Finding{Match: m}
	name := m.Method.FullName()
	data, err := DecodeBase64(m.Literal)
	if err != nil {
		f.Err = errors.InvalidBase64(name, int(m.Offset), m.Literal, err)
	} else if f.Decoded, err = Text(data, enc); err != nil {
		f.Err = errors.InvalidText(name, int(m.Offset), m.Literal, data)
	}
	if f.Err != nil {
		Logger().Warn("literal not decoded, call left in place",
			zap.String("method", name),
			zap.Uint32("offset", m.Offset),
			zap.String("literal", m.Literal),
			zap.Error(err))
	}
	return f
}

// Decodable returns the findings whose literal decoded.
func (p *Plan) Decodable() []Finding {
	var out []Finding
	for _, f := range p.Findings {
		if f.OK() {
			out = append(out, f)
		}
	}
	return out
}

// Apply patches the decodable findings that selected accepts; nil selects
// all of them. Applying nothing returns errors.ErrNoMatch.
func (p *Plan) Apply(selected func(Finding) bool) (*Result, error) {
	if p.applied {
		return nil, errors.InvalidInput(errors.PhasePatch, "plan already applied")
	}
	p.applied = true

	res := &Result{}
	type group struct {
		method   *assembly.Method
		findings []Finding
		reps     []Replacement
	}
	var order []*il.Body
	groups := make(map[*il.Body]*group)

	for _, f := range p.Findings {
		if !f.OK() {
			res.Skipped = multierr.Append(res.Skipped, f.Err)
			continue
		}
		if selected != nil && !selected(f) {
			continue
		}
		tok, err := p.mod.AddUserString(f.Decoded)
		if err != nil {
			res.Skipped = multierr.Append(res.Skipped, err)
			continue
		}
		body := f.Method.Body
		g, ok := groups[body]
		if !ok {
			g = &group{method: f.Method}
			groups[body] = g
			order = append(order, body)
		}
		g.findings = append(g.findings, f)
		g.reps = append(g.reps, Replacement{Index: f.Index, Length: f.Length, Token: tok})
	}

	for _, body := range order {
		g := groups[body]
		if err := Patch(body, g.reps); err != nil {
			res.Skipped = multierr.Append(res.Skipped, errors.Patch(g.method.FullName(), "replace decode calls", err))
			continue
		}
		p.mod.MarkDirty(g.method)
		res.Applied = append(res.Applied, g.findings...)
	}

	Logger().Debug("plan applied",
		zap.Int("applied", len(res.Applied)),
		zap.Int("skipped", len(multierr.Errors(res.Skipped))))

	if len(res.Applied) == 0 {
		return res, errors.ErrNoMatch
	}
	return res, nil
}

// Run scans mod and applies every decodable finding.
func Run(mod *assembly.Module, opts Options) (*Result, error) {
	plan, err := Scan(mod, opts)
	if err != nil {
		return nil, err
	}
	return plan.Apply(nil)
}

// IsNoMatch reports whether err means nothing was decoded.
func IsNoMatch(err error) bool {
	return stderrors.Is(err, errors.ErrNoMatch)
}
