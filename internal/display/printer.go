// Package display prints a running completion for humans: iterations,
// executed code, sub-queries and the final usage table.
package display

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Delta-Labs-AG/rlm/internal/orchestrator"
	"github.com/Delta-Labs-AG/rlm/internal/transport"
	"github.com/Delta-Labs-AG/rlm/internal/usage"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const (
	defaultWordWrap  = 100
	defaultMaxOutput = 2000
	previewLen       = 120
)

// Printer writes progress to an io.Writer. It is safe for concurrent use.
type Printer struct {
	mu        sync.Mutex
	w         io.Writer
	styles    styles
	markdown  *glamour.TermRenderer
	maxOutput int
}

type printerConfig struct {
	markdownStyle string
	wordWrap      int
	maxOutput     int
}

// Option configures a Printer.
type Option func(*printerConfig)

// WithMarkdownStyle selects the glamour style for model turns. An empty
// style prints turns as plain text. The default picks a style for the
// terminal.
func WithMarkdownStyle(style string) Option {
	return func(c *printerConfig) { c.markdownStyle = style }
}

// WithWordWrap sets the markdown wrap width.
func WithWordWrap(n int) Option {
	return func(c *printerConfig) { c.wordWrap = n }
}

// WithMaxOutput caps the characters of code output shown per block.
func WithMaxOutput(n int) Option {
	return func(c *printerConfig) { c.maxOutput = n }
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer, opts ...Option) (*Printer, error) {
	cfg := printerConfig{markdownStyle: "auto", wordWrap: defaultWordWrap, maxOutput: defaultMaxOutput}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Printer{
		w:         w,
		styles:    newStyles(lipgloss.NewRenderer(w)),
		maxOutput: cfg.maxOutput,
	}
	if cfg.markdownStyle != "" {
		styleOpt := glamour.WithStandardStyle(cfg.markdownStyle)
		if cfg.markdownStyle == "auto" {
			styleOpt = glamour.WithAutoStyle()
		}
		md, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(cfg.wordWrap))
		if err != nil {
			return nil, fmt.Errorf("creating markdown renderer: %w", err)
		}
		p.markdown = md
	}
	return p, nil
}

// Hooks returns hooks that print every iteration and sub-query.
func (p *Printer) Hooks() orchestrator.Hooks {
	return orchestrator.Hooks{
		OnIteration: p.Iteration,
		OnRequest:   p.Request,
	}
}

// Iteration prints one completed iteration.
func (p *Printer) Iteration(it orchestrator.Iteration) {
	var b strings.Builder
	b.WriteString(p.styles.Iteration.Render(fmt.Sprintf("── iteration %d ──", it.Index)))
	b.WriteString(p.styles.Dim.Render(fmt.Sprintf(" %s", it.Duration.Round(time.Millisecond))))
	b.WriteString("\n")
	b.WriteString(p.renderMarkdown(modelText(it)))
	b.WriteString("\n")

	for i, r := range it.CodeResults {
		b.WriteString(p.styles.Code.Render(fmt.Sprintf("▸ code block %d", i+1)))
		b.WriteString("\n")
		b.WriteString(p.styles.Output.Render(clip(r.Result.Output(), p.maxOutput)))
		b.WriteString("\n")
	}
	if it.Final {
		b.WriteString(p.styles.Final.Render("FINAL: " + it.FinalAnswer))
		b.WriteString("\n")
	}
	p.write(b.String())
}

// Request prints one sub-query and its outcome.
func (p *Printer) Request(req transport.Request, resp transport.Response) {
	var b strings.Builder
	if req.Batched {
		b.WriteString(p.styles.Request.Render(fmt.Sprintf("↳ llm_query_batched (%d prompts)", len(req.Prompts))))
	} else {
		b.WriteString(p.styles.Request.Render("↳ llm_query " + clip(promptText(req.Prompt), previewLen)))
	}
	b.WriteString("\n")

	if err := resp.Err(); err != nil {
		b.WriteString(p.styles.Error.Render("  " + err.Error()))
		b.WriteString("\n")
		p.write(b.String())
		return
	}
	if resp.ChatCompletion != nil {
		b.WriteString(p.styles.Dim.Render("  " + clip(resp.ChatCompletion.Response, previewLen)))
		b.WriteString("\n")
	}
	for i, rec := range resp.ChatCompletions {
		b.WriteString(p.styles.Dim.Render(fmt.Sprintf("  [%d] %s", i, clip(rec.Response, previewLen))))
		b.WriteString("\n")
	}
	p.write(b.String())
}

// Result prints the final answer and the usage table.
func (p *Printer) Result(res orchestrator.Result) {
	var b strings.Builder
	b.WriteString(p.styles.Final.Render(fmt.Sprintf("Answer after %d iterations:", res.Iterations)))
	b.WriteString("\n")
	b.WriteString(res.Response)
	b.WriteString("\n\n")
	b.WriteString(p.usageTable(res.Usage))
	p.write(b.String())
}

// usageTable formats per-model usage with a totals row.
func (p *Printer) usageTable(s usage.Summary) string {
	st := p.styles
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", st.Header.Render(fmt.Sprintf("%-32s %8s %12s %12s", "model", "calls", "input", "output")))
	for _, name := range s.ModelNames() {
		u := s.Models[name]
		fmt.Fprintf(&b, "%-32s %8d %12d %12d\n", name, u.TotalCalls, u.TotalInputTokens, u.TotalOutputTokens)
	}
	t := s.Total()
	fmt.Fprintf(&b, "%s\n", st.Dim.Render(fmt.Sprintf("%-32s %8d %12d %12d", "total", t.TotalCalls, t.TotalInputTokens, t.TotalOutputTokens)))
	return b.String()
}

func (p *Printer) renderMarkdown(text string) string {
	if p.markdown == nil {
		return text
	}
	out, err := p.markdown.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func (p *Printer) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, s)
}

// modelText drops the code feedback appended to an iteration's response;
// it is printed per block instead.
func modelText(it orchestrator.Iteration) string {
	if len(it.CodeResults) == 0 {
		return it.Response
	}
	if i := strings.LastIndex(it.Response, "\n\nCode block 1 output:"); i >= 0 {
		return it.Response[:i]
	}
	return it.Response
}

func promptText(p transport.Prompt) string {
	if len(p) == 0 {
		return ""
	}
	return strings.Join(strings.Fields(p[len(p)-1].Content), " ")
}

func clip(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
