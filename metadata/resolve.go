package metadata

import (
	"fmt"
	"sort"

	bin "github.com/wippyai/ildecode/internal/binary"
)

// MethodDefRow is a decoded MethodDef table row.
type MethodDefRow struct {
	Name      string
	Signature []byte
	RVA       uint32
	ImplFlags uint16
	Flags     uint16
}

// Method implementation flags.
const (
	MethodImplCodeTypeMask = 0x0003
	MethodImplIL           = 0x0000
)

// IsIL reports whether the method has an IL body in the image.
func (r MethodDefRow) IsIL() bool {
	return r.RVA != 0 && r.ImplFlags&MethodImplCodeTypeMask == MethodImplIL
}

// MemberRefRow is a decoded MemberRef table row.
type MemberRefRow struct {
	Name      string
	Signature []byte
	Class     Token
}

// MethodDef decodes MethodDef row rid.
func (m *Metadata) MethodDef(rid uint32) (MethodDefRow, error) {
	row, err := m.Tables.Row(TableMethodDef, rid)
	if err != nil {
		return MethodDefRow{}, err
	}
	name, err := m.Strings.Get(row[3])
	if err != nil {
		return MethodDefRow{}, err
	}
	sig, err := m.Blobs.Get(row[4])
	if err != nil {
		return MethodDefRow{}, err
	}
	return MethodDefRow{
		RVA:       row[0],
		ImplFlags: uint16(row[1]),
		Flags:     uint16(row[2]),
		Name:      name,
		Signature: sig,
	}, nil
}

// MemberRef decodes MemberRef row rid.
func (m *Metadata) MemberRef(rid uint32) (MemberRefRow, error) {
	row, err := m.Tables.Row(TableMemberRef, rid)
	if err != nil {
		return MemberRefRow{}, err
	}
	class, err := decodeCoded(TableMemberRef, 0, row[0])
	if err != nil {
		return MemberRefRow{}, err
	}
	name, err := m.Strings.Get(row[1])
	if err != nil {
		return MemberRefRow{}, err
	}
	sig, err := m.Blobs.Get(row[2])
	if err != nil {
		return MemberRefRow{}, err
	}
	return MemberRefRow{Class: class, Name: name, Signature: sig}, nil
}

// TypeName returns the full name of a TypeDef, TypeRef or TypeSpec token.
// Nested types are joined with '/'.
func (m *Metadata) TypeName(tok Token) (string, error) {
	return m.typeName(tok, 0)
}

const maxNesting = 64

func (m *Metadata) typeName(tok Token, depth int) (string, error) {
	if depth > maxNesting {
		return "", fmt.Errorf("type %s: nesting too deep", tok)
	}
	switch tok.Table() {
	case TableTypeDef:
		row, err := m.Tables.Row(TableTypeDef, tok.RID())
		if err != nil {
			return "", err
		}
		name, err := m.qualified(row[2], row[1])
		if err != nil {
			return "", err
		}
		if outer, ok := m.enclosing(tok.RID()); ok {
			prefix, err := m.typeName(NewToken(TableTypeDef, outer), depth+1)
			if err != nil {
				return "", err
			}
			return prefix + "/" + name, nil
		}
		return name, nil

	case TableTypeRef:
		row, err := m.Tables.Row(TableTypeRef, tok.RID())
		if err != nil {
			return "", err
		}
		name, err := m.qualified(row[2], row[1])
		if err != nil {
			return "", err
		}
		scope, err := decodeCoded(TableTypeRef, 0, row[0])
		if err == nil && scope.Table() == TableTypeRef && !scope.IsNil() {
			prefix, err := m.typeName(scope, depth+1)
			if err != nil {
				return "", err
			}
			return prefix + "/" + name, nil
		}
		return name, nil

	case TableTypeSpec:
		row, err := m.Tables.Row(TableTypeSpec, tok.RID())
		if err != nil {
			return "", err
		}
		blob, err := m.Blobs.Get(row[0])
		if err != nil {
			return "", err
		}
		p := sigParser{r: bin.NewReader(blob)}
		t, err := p.typeSig()
		if err != nil {
			return "", fmt.Errorf("type spec %s: %w", tok, err)
		}
		if t.Elem == ElemGenericInst {
			return m.typeName(t.Inner.Token, depth+1)
		}
		return t.String(), nil
	}
	return "", fmt.Errorf("token %s is not a type", tok)
}

func (m *Metadata) qualified(nsOff, nameOff uint32) (string, error) {
	ns, err := m.Strings.Get(nsOff)
	if err != nil {
		return "", err
	}
	name, err := m.Strings.Get(nameOff)
	if err != nil {
		return "", err
	}
	if ns == "" {
		return name, nil
	}
	return ns + "." + name, nil
}

func (m *Metadata) enclosing(rid uint32) (uint32, bool) {
	if m.nested == nil {
		m.nested = make(map[uint32]uint32)
		for i := uint32(1); i <= m.Tables.Rows[TableNestedClass]; i++ {
			row, err := m.Tables.Row(TableNestedClass, i)
			if err != nil {
				break
			}
			m.nested[row[0]] = row[1]
		}
	}
	outer, ok := m.nested[rid]
	return outer, ok
}

// MethodOwners maps every MethodDef row to the TypeDef row that declares it,
// using the TypeDef MethodList ranges.
func (m *Metadata) MethodOwners() ([]uint32, error) {
	nMethods := m.Tables.Rows[TableMethodDef]
	nTypes := m.Tables.Rows[TableTypeDef]
	owners := make([]uint32, nMethods+1)

	starts := make([]uint32, nTypes)
	for i := uint32(1); i <= nTypes; i++ {
		row, err := m.Tables.Row(TableTypeDef, i)
		if err != nil {
			return nil, err
		}
		starts[i-1] = row[5]
	}
	if !sort.SliceIsSorted(starts, func(a, b int) bool { return starts[a] < starts[b] }) {
		return nil, fmt.Errorf("TypeDef method lists are not ascending")
	}
	for t := uint32(0); t < nTypes; t++ {
		end := nMethods + 1
		if t+1 < nTypes {
			end = starts[t+1]
		}
		for rid := starts[t]; rid < end && rid <= nMethods; rid++ {
			if rid > 0 {
				owners[rid] = t + 1
			}
		}
	}
	return owners, nil
}
