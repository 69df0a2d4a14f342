// Package config handles ildecode.toml configuration.
package config

import (
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/wippyai/ildecode/deobf"
	"github.com/wippyai/ildecode/errors"
)

// Config is the tool configuration. Command-line flags override it.
type Config struct {
	Decode Decode `toml:"decode"`
	Output Output `toml:"output"`
	Log    Log    `toml:"log"`
}

// Decode configures what is decoded and how.
type Decode struct {
	// Targets are "Namespace.Type::Method" patterns; see deobf.Matcher.
	Targets  []string `toml:"targets"`
	Encoding string   `toml:"encoding"`
}

// Output configures the output file name.
type Output struct {
	Suffix string `toml:"suffix"`
	// Extension is used when the input has none.
	Extension string `toml:"extension"`
}

// Log configures logging.
type Log struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Decode: Decode{
			Targets:  []string{deobf.DefaultTarget},
			Encoding: string(deobf.UTF8),
		},
		Output: Output{
			Suffix:    "_decoded",
			Extension: ".exe",
		},
		Log: Log{Level: "warn"},
	}
}

// Load reads a TOML file over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, errors.Config("parse "+path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Config("unknown keys in "+path+": "+strings.Join(keys, ", "), nil)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks targets and encoding.
func (c *Config) Validate() error {
	if _, err := deobf.NewMatcher(c.Decode.Targets); err != nil {
		return errors.Config("decode.targets", err)
	}
	if _, err := deobf.ParseEncoding(c.Decode.Encoding); err != nil {
		return errors.Config("decode.encoding", err)
	}
	if c.Output.Extension != "" && !strings.HasPrefix(c.Output.Extension, ".") {
		c.Output.Extension = "." + c.Output.Extension
	}
	return nil
}

// Matcher builds the decode target matcher.
func (c *Config) Matcher() (*deobf.Matcher, error) {
	return deobf.NewMatcher(c.Decode.Targets)
}

// Encoding returns the configured text encoding.
func (c *Config) Encoding() (deobf.Encoding, error) {
	return deobf.ParseEncoding(c.Decode.Encoding)
}

// OutputPath derives the output file name from the input:
// "dir/name.dll" becomes "dir/name_decoded.dll", and an input without an
// extension gets Output.Extension.
func (c *Config) OutputPath(input string) string {
	ext := filepath.Ext(input)
	base := strings.TrimSuffix(input, ext)
	if ext == "" {
		ext = c.Output.Extension
	}
	return base + c.Output.Suffix + ext
}
