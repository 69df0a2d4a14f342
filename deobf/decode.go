package deobf

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Encoding names the text encoding of decoded bytes.
type Encoding string

const (
	UTF8    Encoding = "utf-8"
	UTF16LE Encoding = "utf-16le"
	Latin1  Encoding = "latin1"
)

// Decode failure causes.
var (
	ErrInvalidBase64 = errors.New("invalid base64")
	ErrInvalidText   = errors.New("decoded bytes are not valid text")
)

// ParseEncoding maps a user-supplied name to an Encoding.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return UTF8, nil
	case "utf-16le", "utf16le", "utf-16", "utf16", "unicode":
		return UTF16LE, nil
	case "latin1", "latin-1", "iso-8859-1":
		return Latin1, nil
	}
	return "", fmt.Errorf("unknown encoding %q (want utf-8, utf-16le or latin1)", name)
}

// DecodeBase64 decodes a literal with the standard alphabet. Space, tab,
// CR and LF are skipped as Convert.FromBase64String does, and missing
// padding is tolerated.
func DecodeBase64(literal string) ([]byte, error) {
	literal = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, literal)
	data, err := base64.StdEncoding.DecodeString(literal)
	if err == nil {
		return data, nil
	}
	if len(literal)%4 != 0 {
		if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(literal, "=")); rawErr == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidBase64, err)
}

// Text converts decoded bytes to a string.
func Text(data []byte, enc Encoding) (string, error) {
	switch enc {
	case UTF8, "":
		if !utf8.Valid(data) {
			return "", ErrInvalidText
		}
		return string(data), nil
	case UTF16LE:
		if len(data)%2 != 0 {
			return "", fmt.Errorf("%w: odd UTF-16 length %d", ErrInvalidText, len(data))
		}
		out, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(data)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidText, err)
		}
		return string(out), nil
	case Latin1:
		out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidText, err)
		}
		return string(out), nil
	}
	return "", fmt.Errorf("unknown encoding %q", enc)
}

// Decode decodes a base64 literal to text.
func Decode(literal string, enc Encoding) (string, error) {
	data, err := DecodeBase64(literal)
	if err != nil {
		return "", err
	}
	return Text(data, enc)
}
