package deobf

import (
	"iter"

	"go.uber.org/zap"

	"github.com/wippyai/ildecode/assembly"
	"github.com/wippyai/ildecode/il"
	"github.com/wippyai/ildecode/metadata"
)

// Match is one "ldstr; [ldtoken;] call target" site.
type Match struct {
	Method  *assembly.Method
	Target  assembly.MethodRef
	Literal string
	// Index is the position of the ldstr in the body's instructions.
	Index int
	// Length is the number of instructions in the span: 2, or 3 with ldtoken.
	Length int
	Token  metadata.Token
	// Offset is the IL offset of the ldstr as loaded.
	Offset uint32
}

// Scanner finds decode call sites in method bodies.
type Scanner struct {
	mod     *assembly.Module
	targets *Matcher
}

// NewScanner returns a scanner over mod's methods.
func NewScanner(mod *assembly.Module, targets *Matcher) *Scanner {
	return &Scanner{mod: mod, targets: targets}
}

// Matches yields the method's matches in ascending order. Spans never
// overlap: scanning resumes after each matched call.
func (s *Scanner) Matches(m *assembly.Method) iter.Seq[Match] {
	return func(yield func(Match) bool) {
		if m.Body == nil {
			return
		}
		instrs := m.Body.Instructions
		for i := 0; i < len(instrs); {
			match, ok := s.matchAt(m, instrs, i)
			if !ok {
				i++
				continue
			}
			if !yield(match) {
				return
			}
			i += match.Length
		}
	}
}

func (s *Scanner) matchAt(m *assembly.Method, instrs []*il.Instruction, i int) (Match, bool) {
	ld := instrs[i]
	if ld.Opcode != il.OpLdstr {
		return Match{}, false
	}
	lit, ok := ld.Token()
	if !ok || lit.Table() != metadata.TableUserString {
		return Match{}, false
	}

	j := i + 1
	if j < len(instrs) && instrs[j].Opcode == il.OpLdtoken {
		j++
	}
	if j >= len(instrs) {
		return Match{}, false
	}
	call := instrs[j]
	if call.Opcode != il.OpCall && call.Opcode != il.OpCallvirt {
		return Match{}, false
	}
	tok, ok := call.Token()
	if !ok {
		return Match{}, false
	}

	target, err := s.mod.ResolveMethod(tok)
	if err != nil {
		Logger().Debug("call target not resolved",
			zap.String("method", m.FullName()),
			zap.Stringer("token", tok),
			zap.Error(err))
		return Match{}, false
	}
	if !s.targets.Match(target.DeclaringType, target.Name) || !decoderSignature(target.Signature) {
		return Match{}, false
	}

	literal, err := s.mod.UserString(lit)
	if err != nil {
		Logger().Warn("literal not readable",
			zap.String("method", m.FullName()),
			zap.Uint32("offset", ld.Offset),
			zap.Error(err))
		return Match{}, false
	}

	return Match{
		Method:  m,
		Target:  target,
		Literal: literal,
		Index:   i,
		Length:  j - i + 1,
		Token:   lit,
		Offset:  ld.Offset,
	}, true
}

// decoderSignature accepts exactly one string parameter returning string
// or uint8[].
func decoderSignature(sig *metadata.MethodSig) bool {
	if sig == nil || len(sig.Params) != 1 || !sig.Params[0].Is(metadata.ElemString) {
		return false
	}
	return sig.Return.Is(metadata.ElemString) || sig.Return.IsArrayOf(metadata.ElemU1)
}
