// Package console is the interactive line-oriented front end.
package console

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/voocel/codebox/schema"
	"github.com/voocel/codebox/tools"
)

// Colors
var (
	colorInfo    = lipgloss.Color("39")
	colorSuccess = lipgloss.Color("42")
	colorWarning = lipgloss.Color("214")
	colorError   = lipgloss.Color("196")
	colorTool    = lipgloss.Color("213")
	colorMuted   = lipgloss.Color("241")
)

// PrinterOptions configures a Printer.
type PrinterOptions struct {
	// Markdown renders final answers with glamour.
	Markdown bool
	// Width is the word-wrap width for rendered markdown.
	Width int
}

// Printer writes styled console lines. Styles degrade to plain text when
// out is not a color terminal.
type Printer struct {
	out io.Writer
	md  *glamour.TermRenderer

	info    lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	fail    lipgloss.Style
	tool    lipgloss.Style
	muted   lipgloss.Style
	prompt  lipgloss.Style
}

// NewPrinter creates a Printer writing to out.
func NewPrinter(out io.Writer, opts PrinterOptions) *Printer {
	r := lipgloss.NewRenderer(out)
	p := &Printer{
		out:     out,
		info:    r.NewStyle().Foreground(colorInfo),
		success: r.NewStyle().Foreground(colorSuccess),
		warning: r.NewStyle().Foreground(colorWarning),
		fail:    r.NewStyle().Foreground(colorError).Bold(true),
		tool:    r.NewStyle().Foreground(colorTool).Bold(true),
		muted:   r.NewStyle().Foreground(colorMuted),
		prompt:  r.NewStyle().Foreground(colorInfo).Bold(true),
	}
	if opts.Markdown {
		p.md = newGlamourRenderer(opts.Width)
	}
	return p
}

// newGlamourRenderer creates a glamour markdown renderer with the given width.
func newGlamourRenderer(width int) *glamour.TermRenderer {
	if width <= 0 {
		width = 100
	}
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	return r
}

func (p *Printer) Info(msg string)    { p.line(p.info, "ℹ "+msg) }
func (p *Printer) Success(msg string) { p.line(p.success, "✓ "+msg) }
func (p *Printer) Warning(msg string) { p.line(p.warning, "⚠ "+msg) }
func (p *Printer) Error(msg string)   { p.line(p.fail, "✗ "+msg) }

// Rule prints a separator line.
func (p *Printer) Rule() { p.line(p.muted, strings.Repeat("=", 70)) }

// Prompt prints the input prompt without a newline.
func (p *Printer) Prompt() {
	fmt.Fprint(p.out, p.prompt.Render("You:")+" ")
}

// ToolCall prints the [Executing: name(args)] line.
func (p *Printer) ToolCall(call schema.ToolCall) {
	args := strings.TrimSpace(string(call.Args))
	if args == "" {
		args = "{}"
	}
	fmt.Fprintln(p.out)
	p.line(p.tool, fmt.Sprintf("[Executing: %s(%s)]", call.Name, args))
}

// ToolResult prints [Success: message] or [Error: error].
func (p *Printer) ToolResult(result schema.ToolResult) {
	var env tools.Envelope
	if err := json.Unmarshal(result.Result, &env); err != nil {
		env = tools.Envelope{Success: result.Success, Error: result.Error}
	}
	if env.Success {
		p.line(p.success, fmt.Sprintf("[Success: %s]", env.Summary()))
		return
	}
	p.line(p.fail, fmt.Sprintf("[Error: %s]", env.Summary()))
}

// Assistant prints the final answer, rendered as markdown when enabled.
func (p *Printer) Assistant(content string) {
	fmt.Fprintln(p.out, p.prompt.Render("Assistant:")+" "+p.renderMarkdown(content))
	fmt.Fprintln(p.out)
}

func (p *Printer) renderMarkdown(content string) string {
	if p.md == nil || content == "" {
		return content
	}
	rendered, err := p.md.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimSpace(rendered)
}

func (p *Printer) line(style lipgloss.Style, text string) {
	fmt.Fprintln(p.out, style.Render(text))
}
