// Command ildecode replaces base64-decoding calls on string literals in a
// .NET assembly with the decoded strings.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/ildecode/assembly"
	"github.com/wippyai/ildecode/config"
	"github.com/wippyai/ildecode/deobf"
)

const (
	exitOK      = 0
	exitFatal   = 1
	exitNoMatch = 2
)

type options struct {
	output      string
	config      string
	encoding    string
	methods     []string
	dryRun      bool
	interactive bool
	debug       bool
}

// exitError carries the process exit code. A nil err means the message
// was already printed.
type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stdin, stdout, stderr)
	// cobra falls back to os.Args for a nil slice
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	fmt.Fprintln(stderr, "Run 'ildecode --help' for usage.")
	return exitFatal
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "ildecode [flags] <assembly>",
		Short: "Decode base64 string literals in .NET assemblies",
		Long: `ildecode finds calls such as System.Convert::FromBase64String applied to
string literals, decodes the literal and rewrites the call site to load the
decoded string directly. The result is written next to the input as
<name>_decoded.<ext> unless --output is given.

Exit status is 0 on success, 1 on error and 2 when nothing was decoded.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, o, args[0], stdin, stdout, stderr)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	flags := cmd.Flags()
	flags.StringVarP(&o.output, "output", "o", "", "output path (default <name>_decoded.<ext>)")
	flags.StringVarP(&o.config, "config", "c", "", "TOML configuration file")
	flags.StringArrayVarP(&o.methods, "method", "m", nil, "decode target Namespace.Type::Method, repeatable (default System.Convert::FromBase64String)")
	flags.StringVarP(&o.encoding, "encoding", "e", "", "text encoding of decoded bytes: utf-8, utf-16le, latin1")
	flags.BoolVar(&o.dryRun, "dry-run", false, "report what would be decoded without writing")
	flags.BoolVarP(&o.interactive, "interactive", "i", false, "review findings and choose which to apply")
	flags.BoolVarP(&o.debug, "debug", "d", false, "enable debug logging")
	return cmd
}

func loadConfig(cmd *cobra.Command, o *options) (*config.Config, error) {
	cfg := config.Default()
	if o.config != "" {
		var err error
		if cfg, err = config.Load(o.config); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("method") {
		cfg.Decode.Targets = o.methods
	}
	if cmd.Flags().Changed("encoding") {
		cfg.Decode.Encoding = o.encoding
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cmd *cobra.Command, o *options, input string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(cmd, o)
	if err != nil {
		return &exitError{err: err, code: exitFatal}
	}

	logger, err := newLogger(stderr, o.debug, cfg.Log.Level)
	if err != nil {
		return &exitError{err: err, code: exitFatal}
	}
	defer func() { _ = logger.Sync() }()
	assembly.SetLogger(logger.Named("assembly"))
	deobf.SetLogger(logger.Named("deobf"))

	targets, err := cfg.Matcher()
	if err != nil {
		return &exitError{err: err, code: exitFatal}
	}
	enc, err := cfg.Encoding()
	if err != nil {
		return &exitError{err: err, code: exitFatal}
	}

	if o.interactive && !isTerminal(stdin) {
		return &exitError{err: errors.New("--interactive needs a terminal on stdin"), code: exitFatal}
	}

	mod, err := assembly.Load(input)
	if err != nil {
		return &exitError{err: err, code: exitFatal}
	}

	rep := newReport(stdout)
	plan, err := deobf.Scan(mod, deobf.Options{Targets: targets, Encoding: enc})
	if deobf.IsNoMatch(err) {
		rep.noMatch(targets.Patterns())
		return &exitError{code: exitNoMatch}
	}
	if err != nil {
		return &exitError{err: err, code: exitFatal}
	}

	if o.dryRun {
		decodable := plan.Decodable()
		rep.findings(decodable)
		rep.skipped(len(plan.Findings) - len(decodable))
		if len(decodable) == 0 {
			return &exitError{code: exitNoMatch}
		}
		rep.dryRun(len(decodable))
		return nil
	}

	var selected func(deobf.Finding) bool
	if o.interactive {
		if selected, err = review(plan, input, stdin, stdout); err != nil {
			if errors.Is(err, errReviewCancelled) {
				rep.cancelled()
				return &exitError{code: exitNoMatch}
			}
			return &exitError{err: err, code: exitFatal}
		}
	}

	skipped := len(plan.Findings) - len(plan.Decodable())
	res, err := plan.Apply(selected)
	if deobf.IsNoMatch(err) {
		rep.skipped(skipped)
		rep.nothingDecoded()
		return &exitError{code: exitNoMatch}
	}
	if err != nil {
		return &exitError{err: err, code: exitFatal}
	}

	output := o.output
	if output == "" {
		output = cfg.OutputPath(input)
	}
	// The table only describes a binary that exists on disk.
	if err := mod.Write(output); err != nil {
		return &exitError{err: err, code: exitFatal}
	}
	logger.Debug("done",
		zap.String("input", input),
		zap.String("output", output),
		zap.Int("decoded", len(res.Applied)))
	rep.findings(res.Applied)
	rep.skipped(skipped)
	rep.saved(len(res.Applied), output)
	return nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
