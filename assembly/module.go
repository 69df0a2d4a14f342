// Package assembly loads a .NET module into an editable object model and
// writes it back.
//
// A Module exposes every method with an IL body as a decoded il.Body.
// Callers mutate bodies in place, add user strings, mark the changed
// methods dirty and call Write. Everything else in the image is carried
// over byte for byte.
package assembly

import (
	"encoding/binary"
	"os"

	"go.uber.org/zap"

	"github.com/wippyai/ildecode/errors"
	"github.com/wippyai/ildecode/il"
	"github.com/wippyai/ildecode/metadata"
	"github.com/wippyai/ildecode/pe"
)

// CLI header layout.
const (
	cliHeaderSize     = 72
	cliMetadataOffset = 8
	cliFlagsOffset    = 16
	cliStrongNameFlag = 0x8
)

// Method is a method definition and its decoded body.
type Method struct {
	// Body is nil when the method has no IL body or it failed to decode.
	Body *il.Body
	// BodyErr holds the decode failure, if any.
	BodyErr       error
	DeclaringType string
	Name          string
	Token         metadata.Token
	RVA           uint32
}

// FullName returns "Namespace.Type::Name".
func (m *Method) FullName() string {
	return m.DeclaringType + "::" + m.Name
}

// MethodRef describes the target of a call instruction.
type MethodRef struct {
	Signature     *metadata.MethodSig
	DeclaringType string
	Name          string
}

// FullName returns "Namespace.Type::Name".
func (r MethodRef) FullName() string {
	return r.DeclaringType + "::" + r.Name
}

// Module is a loaded .NET module.
type Module struct {
	raw     []byte
	image   *pe.Image
	md      *metadata.Metadata
	cliRVA  uint32
	Methods []*Method
	dirty   map[uint32]*il.Body
	refs    map[metadata.Token]MethodRef
	// Path is the file the module was loaded from, if any.
	Path string
}

// Load reads and parses the assembly at path.
func Load(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindIO).
			Detail("read %s", path).
			Cause(err).
			Build()
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m.Path = path
	return m, nil
}

// Parse parses an assembly image held in memory. The module keeps data;
// callers must not modify it afterwards.
func Parse(data []byte) (*Module, error) {
	img, err := pe.Parse(data)
	if err != nil {
		return nil, errors.Load("not a PE image", err)
	}
	clr := img.Directory(pe.DirCLR)
	if clr.RVA == 0 {
		return nil, errors.Load("not a .NET module: no CLI header", nil)
	}
	cli, err := img.Slice(clr.RVA, cliHeaderSize)
	if err != nil {
		return nil, errors.Load("CLI header", err)
	}
	mdRVA := binary.LittleEndian.Uint32(cli[cliMetadataOffset:])
	mdSize := binary.LittleEndian.Uint32(cli[cliMetadataOffset+4:])
	block, err := img.Slice(mdRVA, mdSize)
	if err != nil {
		return nil, errors.Load("metadata directory", err)
	}
	md, err := metadata.Parse(block)
	if err != nil {
		return nil, errors.Load("metadata", err)
	}

	m := &Module{
		raw:    data,
		image:  img,
		md:     md,
		cliRVA: clr.RVA,
		dirty:  make(map[uint32]*il.Body),
		refs:   make(map[metadata.Token]MethodRef),
	}
	if err := m.loadMethods(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) loadMethods() error {
	owners, err := m.md.MethodOwners()
	if err != nil {
		return errors.Load("method ownership", err)
	}

	n := m.md.Tables.Rows[metadata.TableMethodDef]
	m.Methods = make([]*Method, 0, n)
	bodies := make(map[uint32]*il.Body)
	failed := 0

	for rid := uint32(1); rid <= n; rid++ {
		row, err := m.md.MethodDef(rid)
		if err != nil {
			return errors.Load("MethodDef table", err)
		}
		method := &Method{
			Token: metadata.NewToken(metadata.TableMethodDef, rid),
			Name:  row.Name,
			RVA:   row.RVA,
		}
		if owner := owners[rid]; owner != 0 {
			typeName, err := m.md.TypeName(metadata.NewToken(metadata.TableTypeDef, owner))
			if err != nil {
				return errors.Load("TypeDef table", err)
			}
			method.DeclaringType = typeName
		}
		m.Methods = append(m.Methods, method)

		if !row.IsIL() {
			continue
		}
		if body, ok := bodies[row.RVA]; ok {
			method.Body = body
			continue
		}
		data, err := m.image.From(row.RVA)
		if err == nil {
			method.Body, err = il.DecodeBody(data)
		}
		if err != nil {
			method.BodyErr = err
			failed++
			Logger().Warn("method body skipped",
				zap.String("method", method.FullName()),
				zap.Uint32("rva", row.RVA),
				zap.Error(err))
			continue
		}
		bodies[row.RVA] = method.Body
	}

	Logger().Debug("module loaded",
		zap.Int("methods", len(m.Methods)),
		zap.Int("bodies", len(bodies)),
		zap.Int("failed", failed),
		zap.String("runtime", m.md.Version))
	return nil
}

// Metadata returns the parsed metadata.
func (m *Module) Metadata() *metadata.Metadata {
	return m.md
}

// ResolveMethod resolves a call operand (MethodDef or MemberRef token) to
// its declaring type, name and signature.
func (m *Module) ResolveMethod(tok metadata.Token) (MethodRef, error) {
	if ref, ok := m.refs[tok]; ok {
		return ref, nil
	}
	ref, err := m.resolve(tok)
	if err != nil {
		return MethodRef{}, err
	}
	m.refs[tok] = ref
	return ref, nil
}

func (m *Module) resolve(tok metadata.Token) (MethodRef, error) {
	var ref MethodRef
	var sig []byte

	switch tok.Table() {
	case metadata.TableMethodDef:
		if tok.IsNil() || tok.RID() > uint32(len(m.Methods)) {
			return ref, errors.NotFound(errors.PhaseScan, "method", tok.String())
		}
		def := m.Methods[tok.RID()-1]
		row, err := m.md.MethodDef(tok.RID())
		if err != nil {
			return ref, err
		}
		ref.DeclaringType, ref.Name, sig = def.DeclaringType, def.Name, row.Signature

	case metadata.TableMemberRef:
		row, err := m.md.MemberRef(tok.RID())
		if err != nil {
			return ref, err
		}
		ref.Name, sig = row.Name, row.Signature
		switch row.Class.Table() {
		case metadata.TableMethodDef:
			parent, err := m.resolve(row.Class)
			if err != nil {
				return ref, err
			}
			ref.DeclaringType = parent.DeclaringType
		case metadata.TableModuleRef:
			ref.DeclaringType = "<Module>"
		default:
			if ref.DeclaringType, err = m.md.TypeName(row.Class); err != nil {
				return ref, err
			}
		}

	default:
		return ref, errors.Unsupported(errors.PhaseScan, "call target "+tok.String())
	}

	parsed, err := metadata.ParseMethodSig(sig)
	if err != nil {
		return ref, err
	}
	ref.Signature = parsed
	return ref, nil
}

// UserString returns the literal an ldstr token refers to.
func (m *Module) UserString(tok metadata.Token) (string, error) {
	return m.md.UserString(tok)
}

// AddUserString adds s to the user string heap and returns its ldstr token.
func (m *Module) AddUserString(s string) (metadata.Token, error) {
	tok, err := m.md.AddUserString(s)
	if err != nil {
		e := errors.Overflow(errors.PhasePatch, "user string of length", len(s), "#US heap capacity")
		e.Cause = err
		return 0, e
	}
	return tok, nil
}

// MarkDirty records that method's body changed and must be re-encoded.
func (m *Module) MarkDirty(method *Method) {
	if method.Body != nil {
		m.dirty[method.RVA] = method.Body
	}
}

// Modified reports whether Write would produce different bytes.
func (m *Module) Modified() bool {
	return len(m.dirty) > 0 || m.md.Modified()
}
