// Package output renders run progress and command results for the terminal.
//
// Key types:
//   - [Printer] - Interface used by the orchestrator and the CLI
//   - [DefaultPrinter] - lipgloss-styled implementation
//
// Step output from concurrently running instances is interleaved line by
// line; every line carries its instance name as a prefix.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"jobmatrix/internal/artifact"
	"jobmatrix/internal/cache"
	"jobmatrix/internal/lifecycle"
	"jobmatrix/internal/matrix"
	"jobmatrix/internal/status"
)

// Printer receives run progress and command results.
type Printer interface {
	RunStarted(report *status.RunReport)
	RunFinished(report *status.RunReport)
	JobSkipped(workflow, job, reason string)
	InstanceStarted(name string)
	InstanceFinished(report status.InstanceReport)
	Step(ev lifecycle.StepEvent)

	Matrix(job string, cells []matrix.Cell)
	Validated(path string, err error)
	Runs(reports []*status.RunReport)
	CacheEntries(entries []cache.Entry)
	Artifacts(artifacts []artifact.Artifact)
	Text(format string, args ...any)
}

// DefaultPrinter writes styled text to an io.Writer. Safe for concurrent use.
type DefaultPrinter struct {
	mu  sync.Mutex
	out io.Writer

	// MaxLines caps the output lines shown per step; 0 shows everything.
	MaxLines int

	lines map[string]int
	st    styles
}

type styles struct {
	header  lipgloss.Style
	name    lipgloss.Style
	faint   lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	warn    lipgloss.Style
	skipped lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		name:    r.NewStyle().Bold(true),
		faint:   r.NewStyle().Faint(true),
		success: r.NewStyle().Foreground(lipgloss.Color("10")),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		warn:    r.NewStyle().Foreground(lipgloss.Color("11")),
		skipped: r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// NewPrinter creates a printer writing to stdout.
func NewPrinter() *DefaultPrinter {
	return NewPrinterWithWriter(os.Stdout)
}

// NewPrinterWithWriter creates a printer writing to w. Colors follow the
// capabilities of w, so buffers get plain text.
func NewPrinterWithWriter(w io.Writer) *DefaultPrinter {
	return &DefaultPrinter{
		out:   w,
		lines: make(map[string]int),
		st:    newStyles(lipgloss.NewRenderer(w)),
	}
}

// DisableColor forces plain text output.
func (p *DefaultPrinter) DisableColor() {
	r := lipgloss.NewRenderer(p.out)
	r.SetColorProfile(termenv.Ascii)
	p.st = newStyles(r)
}

func (p *DefaultPrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// statusStyle picks the style and symbol for s.
func (p *DefaultPrinter) statusStyle(s status.Status) (lipgloss.Style, string) {
	switch s {
	case status.StatusSucceeded:
		return p.st.success, "✓"
	case status.StatusFailed:
		return p.st.failure, "✗"
	case status.StatusCancelled:
		return p.st.warn, "⊘"
	case status.StatusSkipped:
		return p.st.skipped, "-"
	}
	return p.st.faint, "•"
}

// RunStarted prints the run header.
func (p *DefaultPrinter) RunStarted(report *status.RunReport) {
	line := fmt.Sprintf("▶ %s", report.Workflow)
	details := []string{report.Event}
	if report.Ref != "" {
		details = append(details, report.Ref)
	}
	if report.Group != "" {
		details = append(details, "group "+report.Group)
	}
	details = append(details, "run "+report.ID)
	p.printf("%s %s\n", p.st.header.Render(line), p.st.faint.Render("("+strings.Join(details, ", ")+")"))
}

// JobSkipped notes a job that did not run.
func (p *DefaultPrinter) JobSkipped(workflow, job, reason string) {
	p.printf("%s %s %s\n", p.st.skipped.Render("-"), p.st.name.Render(job), p.st.faint.Render("skipped: "+reason))
}

// InstanceStarted prints the instance header.
func (p *DefaultPrinter) InstanceStarted(name string) {
	p.printf("%s %s\n", p.st.header.Render("●"), p.st.name.Render(name))
}

// Step prints step transitions and output lines.
func (p *DefaultPrinter) Step(ev lifecycle.StepEvent) {
	prefix := p.st.faint.Render("[" + ev.Instance + "]")
	switch ev.Kind {
	case lifecycle.StepStarted:
		p.printf("%s %s %s\n", prefix, p.st.faint.Render(fmt.Sprintf("(%d/%d)", ev.Index, ev.Total)), ev.Step)

	case lifecycle.StepOutput:
		key := ev.Instance + "\x00" + ev.Step
		p.mu.Lock()
		p.lines[key]++
		n := p.lines[key]
		p.mu.Unlock()
		if p.MaxLines > 0 && n > p.MaxLines {
			if n == p.MaxLines+1 {
				p.printf("%s   %s\n", prefix, p.st.faint.Render("... output truncated"))
			}
			return
		}
		p.printf("%s   %s\n", prefix, ev.Line)

	case lifecycle.StepFinished:
		if ev.Report == nil {
			return
		}
		style, symbol := p.statusStyle(ev.Report.Status)
		detail := formatDuration(ev.Report.Duration)
		switch {
		case ev.Report.Status == status.StatusSkipped:
			detail = "skipped"
		case ev.Report.Error != "":
			detail += ", " + ev.Report.Error
		}
		if ev.Report.Status == status.StatusFailed && ev.Report.Conclusion == status.StatusSucceeded {
			detail += ", continue-on-error"
		}
		p.printf("%s %s %s %s\n", prefix, style.Render(symbol), ev.Report.Name, p.st.faint.Render("("+detail+")"))
	}
}

// InstanceFinished prints the instance result line.
func (p *DefaultPrinter) InstanceFinished(report status.InstanceReport) {
	style, symbol := p.statusStyle(report.Status)
	line := fmt.Sprintf("%s %s %s", style.Render(symbol), p.st.name.Render(report.Name), style.Render(string(report.Status)))
	if report.FailedStep != "" {
		line += p.st.faint.Render(fmt.Sprintf(" (step %q, exit code %d)", report.FailedStep, report.ExitCode))
	} else if report.Reason != "" {
		line += p.st.faint.Render(" (" + report.Reason + ")")
	}
	p.printf("%s\n", line)
}

// RunFinished prints the summary of every job instance.
func (p *DefaultPrinter) RunFinished(report *status.RunReport) {
	var b strings.Builder
	style, symbol := p.statusStyle(report.Status)
	fmt.Fprintf(&b, "\n%s %s %s %s\n",
		style.Render(symbol),
		p.st.header.Render(report.Workflow),
		style.Render(string(report.Status)),
		p.st.faint.Render("in "+formatDuration(report.Duration())))
	if report.Reason != "" {
		fmt.Fprintf(&b, "  %s\n", p.st.faint.Render(report.Reason))
	}
	for _, job := range report.Jobs {
		js, jsym := p.statusStyle(job.Status)
		fmt.Fprintf(&b, "  %s %s\n", js.Render(jsym), p.st.name.Render(job.ID))
		for _, inst := range job.Instances {
			is, isym := p.statusStyle(inst.Status)
			fmt.Fprintf(&b, "    %s %s %s", is.Render(isym), inst.Name, is.Render(string(inst.Status)))
			if inst.FailedStep != "" {
				fmt.Fprintf(&b, " %s", p.st.faint.Render(fmt.Sprintf("(%s, exit code %d)", inst.FailedStep, inst.ExitCode)))
			}
			b.WriteString("\n")
			if inst.Status == status.StatusFailed {
				p.writeLog(&b, inst.Log)
			}
		}
	}
	p.printf("%s", b.String())
}

// writeLog renders an instance log in full, one header per step.
func (p *DefaultPrinter) writeLog(b *strings.Builder, log []status.LogLine) {
	step := ""
	for i, line := range log {
		if i == 0 || line.Step != step {
			step = line.Step
			fmt.Fprintf(b, "      %s\n", p.st.faint.Render("── "+step))
		}
		fmt.Fprintf(b, "        %s\n", line.Text)
	}
}

// Matrix prints the expanded instances of a job.
func (p *DefaultPrinter) Matrix(job string, cells []matrix.Cell) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", p.st.header.Render(job), p.st.faint.Render(fmt.Sprintf("(%d instances)", len(cells))))
	for i, c := range cells {
		fmt.Fprintf(&b, "  %s %s\n", p.st.faint.Render(fmt.Sprintf("%3d", i+1)), c.String())
	}
	p.printf("%s", b.String())
}

// Validated prints the validation result of one workflow file.
func (p *DefaultPrinter) Validated(path string, err error) {
	if err != nil {
		p.printf("%s %s\n    %s\n", p.st.failure.Render("✗"), path, err)
		return
	}
	p.printf("%s %s\n", p.st.success.Render("✓"), path)
}

// Runs lists stored run reports.
func (p *DefaultPrinter) Runs(reports []*status.RunReport) {
	if len(reports) == 0 {
		p.printf("%s\n", p.st.faint.Render("No runs recorded."))
		return
	}
	var b strings.Builder
	for _, r := range reports {
		style, symbol := p.statusStyle(r.Status)
		fmt.Fprintf(&b, "%s %s  %-10s %s %s %s\n",
			style.Render(symbol),
			r.ID,
			r.Status,
			p.st.name.Render(r.Workflow),
			r.Event,
			p.st.faint.Render(r.StartedAt.Format(time.RFC3339)+" "+formatDuration(r.Duration())))
	}
	p.printf("%s", b.String())
}

// CacheEntries lists cache entries.
func (p *DefaultPrinter) CacheEntries(entries []cache.Entry) {
	if len(entries) == 0 {
		p.printf("%s\n", p.st.faint.Render("Cache is empty."))
		return
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s  %s\n", e.Key, p.st.faint.Render(fmt.Sprintf("%d files, %s, %s", e.Files, formatBytes(e.Size), e.CreatedAt.Format(time.RFC3339))))
	}
	p.printf("%s", b.String())
}

// Artifacts lists the artifacts of a run.
func (p *DefaultPrinter) Artifacts(artifacts []artifact.Artifact) {
	if len(artifacts) == 0 {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  %s\n", p.st.name.Render("artifacts"))
	for _, a := range artifacts {
		fmt.Fprintf(&b, "    %s %s\n", a.Name, p.st.faint.Render("("+formatBytes(a.Bytes)+")"))
	}
	p.printf("%s", b.String())
}

// Text prints a plain line.
func (p *DefaultPrinter) Text(format string, args ...any) {
	p.printf(format+"\n", args...)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Truncate(time.Second).String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
