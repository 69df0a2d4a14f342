package main

import (
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/wippyai/ildecode/deobf"
)

const maxCell = 60

// report prints results to stdout. Colors follow the writer: none when it
// is not a terminal.
type report struct {
	out    io.Writer
	header lipgloss.Style
	cell   lipgloss.Style
	border lipgloss.Style
	good   lipgloss.Style
	warn   lipgloss.Style
	subtle lipgloss.Style
}

func newReport(w io.Writer) *report {
	r := lipgloss.NewRenderer(w)
	return &report{
		out:    w,
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4")).Padding(0, 1),
		cell:   r.NewStyle().Padding(0, 1),
		border: r.NewStyle().Foreground(lipgloss.Color("#666666")),
		good:   r.NewStyle().Foreground(lipgloss.Color("#90EE90")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("#FF6B6B")),
		subtle: r.NewStyle().Foreground(lipgloss.Color("#666666")),
	}
}

func (rp *report) findings(findings []deobf.Finding) {
	if len(findings) == 0 {
		return
	}
	rows := make([][]string, len(findings))
	for i, f := range findings {
		rows[i] = []string{printable(f.Literal), printable(f.Decoded)}
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderRow(true).
		BorderStyle(rp.border).
		Headers("Encoded Base64", "Decoded Value").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return rp.header
			}
			return rp.cell
		})
	fmt.Fprintln(rp.out, t.Render())
}

func (rp *report) skipped(n int) {
	if n > 0 {
		fmt.Fprintln(rp.out, rp.warn.Render(fmt.Sprintf("Skipped %d literal(s) that did not decode; see warnings.", n)))
	}
}

func (rp *report) saved(n int, path string) {
	fmt.Fprintf(rp.out, "\nDecoded %d string(s).\n", n)
	fmt.Fprintf(rp.out, "Modified binary saved as: %s\n", rp.good.Render(path))
}

func (rp *report) dryRun(n int) {
	fmt.Fprintf(rp.out, "\nWould decode %d string(s). Dry run, nothing written.\n", n)
}

func (rp *report) noMatch(targets []string) {
	fmt.Fprintf(rp.out, "No calls to %s on string literals found. Nothing written.\n",
		rp.subtle.Render(strings.Join(targets, ", ")))
}

func (rp *report) nothingDecoded() {
	fmt.Fprintln(rp.out, "No strings decoded. Nothing written.")
}

func (rp *report) cancelled() {
	fmt.Fprintln(rp.out, "Review cancelled. Nothing written.")
}

// printable escapes control characters and shortens long values for a
// table cell.
func printable(s string) string {
	var b strings.Builder
	n := 0
	for i, r := range s {
		if n == maxCell {
			if i < len(s) {
				b.WriteString("…")
			}
			break
		}
		switch {
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == utf8.RuneError:
			b.WriteString(`�`)
		case r < 0x100 && !unicode.IsPrint(r):
			fmt.Fprintf(&b, `\x%02x`, r)
		case !unicode.IsPrint(r):
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
