package assembly

import (
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/wippyai/ildecode/errors"
	"github.com/wippyai/ildecode/pe"
)

// MetadataSection is the name of the section that carries rewritten
// metadata.
const MetadataSection = ".ildmd"

// Write serializes the module to path.
func (m *Module) Write(path string) error {
	data, err := m.Bytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Write("write "+path, err)
	}
	Logger().Debug("module written", zap.String("path", path), zap.Int("size", len(data)))
	return nil
}

// Bytes serializes the module. An unmodified module yields the bytes it
// was parsed from. Bytes does not change the module and may be called
// more than once.
func (m *Module) Bytes() ([]byte, error) {
	if !m.Modified() {
		return m.raw, nil
	}

	img, err := pe.Parse(m.raw)
	if err != nil {
		return nil, errors.Write("reparse image", err)
	}

	for rva, body := range m.dirty {
		code, err := body.Encode()
		if err != nil {
			return nil, errors.Write(fmt.Sprintf("encode body at rva 0x%x", rva), err)
		}
		if len(code) > body.Size {
			return nil, errors.New(errors.PhaseWrite, errors.KindOverflow).
				Detail("body at rva 0x%x grew from %d to %d bytes", rva, body.Size, len(code)).
				Build()
		}
		// Zero the tail the shorter body no longer uses.
		slot := make([]byte, body.Size)
		copy(slot, code)
		if err := img.Patch(rva, slot); err != nil {
			return nil, errors.Write(fmt.Sprintf("patch body at rva 0x%x", rva), err)
		}
	}

	if m.md.Modified() {
		block := m.md.Serialize()
		rva, err := placeMetadata(img, block)
		if err != nil {
			return nil, errors.Write("relocate metadata", err)
		}
		dir := make([]byte, 8)
		binary.LittleEndian.PutUint32(dir[0:], rva)
		binary.LittleEndian.PutUint32(dir[4:], uint32(len(block)))
		if err := img.Patch(m.cliRVA+cliMetadataOffset, dir); err != nil {
			return nil, errors.Write("repoint metadata directory", err)
		}
		Logger().Debug("metadata relocated",
			zap.Uint32("rva", rva),
			zap.Int("size", len(block)))
	}

	if err := unsign(img, m.cliRVA); err != nil {
		return nil, err
	}
	return img.Bytes(), nil
}

// placeMetadata stores the metadata block in a new section, or at the end
// of the last section when the section table is full, and returns its RVA.
func placeMetadata(img *pe.Image, block []byte) (uint32, error) {
	sec, err := img.AddSection(MetadataSection, block, pe.ScnCntInitializedData|pe.ScnMemRead)
	if err == nil {
		return sec.VirtualAddress, nil
	}
	if !stderrors.Is(err, pe.ErrNoHeaderSpace) {
		return 0, err
	}
	Logger().Debug("section table full, extending last section", zap.Error(err))
	return img.ExtendLastSection(block)
}

// unsign drops the Authenticode table and the strong-name flag, neither of
// which verifies once the image changed.
func unsign(img *pe.Image, cliRVA uint32) error {
	if img.Directory(pe.DirSecurity).Size != 0 {
		if err := img.SetDirectory(pe.DirSecurity, pe.DataDirectory{}); err != nil {
			return errors.Write("clear certificate table", err)
		}
	}
	flags, err := img.Slice(cliRVA+cliFlagsOffset, 4)
	if err != nil {
		return errors.Write("CLI flags", err)
	}
	v := binary.LittleEndian.Uint32(flags)
	if v&cliStrongNameFlag == 0 {
		return nil
	}
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v&^cliStrongNameFlag)
	if err := img.Patch(cliRVA+cliFlagsOffset, out); err != nil {
		return errors.Write("CLI flags", err)
	}
	return nil
}
