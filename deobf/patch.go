package deobf

import (
	"fmt"

	"github.com/wippyai/ildecode/il"
	"github.com/wippyai/ildecode/metadata"
)

// Replacement swaps Length instructions starting at Index for one ldstr of
// Token.
type Replacement struct {
	Index  int
	Length int
	Token  metadata.Token
}

// Patch applies replacements, given in ascending index order, to body in
// place. References to removed instructions from branches, switch tables
// and exception clauses move to the new ldstr. Replacements are validated
// before the body is touched; there is no rollback after that.
func Patch(body *il.Body, reps []Replacement) error {
	end := 0
	for _, r := range reps {
		if r.Length < 1 || r.Index < end || r.Index+r.Length > len(body.Instructions) {
			return fmt.Errorf("replacement [%d,+%d) out of order or out of range (%d instructions)",
				r.Index, r.Length, len(body.Instructions))
		}
		end = r.Index + r.Length
	}

	// Descending, so indices of earlier replacements stay valid.
	for k := len(reps) - 1; k >= 0; k-- {
		r := reps[k]
		instrs := body.Instructions
		removed := make(map[*il.Instruction]bool, r.Length)
		for _, in := range instrs[r.Index : r.Index+r.Length] {
			removed[in] = true
		}
		repl := &il.Instruction{
			Opcode:  il.OpLdstr,
			Operand: r.Token,
			Offset:  instrs[r.Index].Offset,
		}

		out := make([]*il.Instruction, 0, len(instrs)-r.Length+1)
		out = append(out, instrs[:r.Index]...)
		out = append(out, repl)
		out = append(out, instrs[r.Index+r.Length:]...)
		body.Instructions = out
		body.Replace(removed, repl)
	}
	return nil
}
