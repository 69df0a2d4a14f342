package testasm

import (
	"encoding/binary"

	"github.com/wippyai/ildecode/metadata"
)

// Header wraps code in a tiny method header, or a fat one (max stack 8,
// no locals) when code is 64 bytes or longer.
func Header(code []byte) []byte {
	if len(code) < 64 {
		return append([]byte{byte(len(code))<<2 | 0x2}, code...)
	}
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint16(hdr[0:], 0x3003)
	binary.LittleEndian.PutUint16(hdr[2:], 8)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(code)))
	return append(hdr, code...)
}

// Code concatenates instruction encodings.
func Code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func withToken(op byte, tok metadata.Token) []byte {
	b := []byte{op, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(b[1:], uint32(tok))
	return b
}

// Ldstr encodes ldstr tok.
func Ldstr(tok metadata.Token) []byte { return withToken(0x72, tok) }

// Call encodes call tok.
func Call(tok metadata.Token) []byte { return withToken(0x28, tok) }

// Callvirt encodes callvirt tok.
func Callvirt(tok metadata.Token) []byte { return withToken(0x6F, tok) }

// Ldtoken encodes ldtoken tok.
func Ldtoken(tok metadata.Token) []byte { return withToken(0xD0, tok) }

// BrS encodes br.s with a raw delta.
func BrS(delta int8) []byte { return []byte{0x2B, byte(delta)} }

var (
	Nop = []byte{0x00}
	Pop = []byte{0x26}
	Ret = []byte{0x2A}
)
