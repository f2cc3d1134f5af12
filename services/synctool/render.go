package synctool

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"lexsync/services/artifact"
	"lexsync/services/journal"
	"lexsync/services/lock"
	"lexsync/services/statusd"
	"lexsync/services/syncer"
	"lexsync/services/transport"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Printer writes command results for humans or machines.
type Printer struct {
	out  io.Writer
	json bool

	label lipgloss.Style
	good  lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	dim   lipgloss.Style
}

// NewPrinter returns a Printer for format ("text" or "json").
func NewPrinter(out io.Writer, format string) (*Printer, error) {
	p := &Printer{
		out:   out,
		label: lipgloss.NewStyle().Bold(true).Width(14),
		good:  lipgloss.NewStyle().Foreground(lipgloss.Color("#3FB950")).Bold(true),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#D29922")).Bold(true),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("#F85149")).Bold(true),
		dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("#8B949E")),
	}
	switch strings.ToLower(format) {
	case "", FormatText:
	case FormatJSON:
		p.json = true
	default:
		return nil, &UsageError{Err: fmt.Errorf("unknown output format %q (want text or json)", format)}
	}
	return p, nil
}

func (p *Printer) encode(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) row(name, value string) {
	fmt.Fprintln(p.out, p.label.Render(name)+value)
}

// Status prints a plan.
func (p *Printer) Status(plan syncer.Plan) error {
	if p.json {
		return p.encode(statusd.NewStatusView(plan))
	}
	p.row("local", p.localLine(plan))
	p.row("remote", p.remoteLine(plan.Remote))
	p.row("decision", p.decision(plan.Decision))
	p.row("reason", plan.Reason)
	return nil
}

// Report prints the outcome of sync, upload or download. A contention error
// still prints the decision that was blocked.
func (p *Printer) Report(r syncer.Report, err error) error {
	if p.json {
		if err != nil {
			return p.encode(struct {
				statusd.ReportView
				Error string `json:"error"`
			}{statusd.NewReportView(r), err.Error()})
		}
		return p.encode(statusd.NewReportView(r))
	}

	if r.Plan.Decision != "" {
		p.row("decision", p.decision(r.Plan.Decision))
		p.row("reason", r.Plan.Reason)
	}
	if r.Lock != nil {
		if r.Lock.Recovered != nil {
			p.row("lock", p.warn.Render("recovered stale lock")+" "+p.dim.Render("from "+r.Lock.Recovered.Holder))
		}
		if r.Lock.Overridden != nil {
			p.row("lock", p.warn.Render("overrode lock")+" "+p.dim.Render("held by "+r.Lock.Overridden.Holder))
		}
	}
	if err != nil {
		p.row("result", p.bad.Render("blocked"))
		return nil
	}
	p.row("result", p.good.Render(string(r.Action)))
	switch {
	case r.Upload != nil && !r.Upload.Skipped:
		p.row("sha256", r.Upload.Digest.String()+" "+p.dim.Render(fmt.Sprintf("(%s, %s stored)", r.Upload.Codec, humanBytes(r.Upload.StoredSize))))
	case r.Download != nil:
		p.row("sha256", r.Download.Digest.String()+" "+p.dim.Render(fmt.Sprintf("(%s, %s)", r.Download.Codec, humanBytes(r.Download.Size))))
	}
	p.row("took", r.Duration.Round(time.Millisecond).String())
	return nil
}

// Lock prints the sentinel state.
func (p *Printer) Lock(st lock.Status) error {
	if p.json {
		return p.encode(statusd.NewLockView(st))
	}
	p.row("lock", st.Key)
	p.row("state", p.lockState(st.State))
	if st.Token != nil {
		p.tokenRows(st.Token)
		p.row("age", st.Age.Round(time.Second).String())
	}
	return nil
}

// Cleared prints the result of a forced unlock.
func (p *Printer) Cleared(key string, tok *lock.Token) error {
	if p.json {
		return p.encode(struct {
			Key     string      `json:"key"`
			Cleared bool        `json:"cleared"`
			Token   *lock.Token `json:"token,omitempty"`
		}{key, tok != nil, tok})
	}
	if tok == nil {
		p.row("lock", key+" "+p.dim.Render("(no lock present)"))
		return nil
	}
	p.row("lock", key)
	p.row("result", p.warn.Render("cleared"))
	p.tokenRows(tok)
	return nil
}

// History prints journal events, newest first.
func (p *Printer) History(events []journal.Event) error {
	if p.json {
		if events == nil {
			events = []journal.Event{}
		}
		return p.encode(statusd.HistoryView{Events: events})
	}
	if len(events) == 0 {
		fmt.Fprintln(p.out, p.dim.Render("no events recorded"))
		return nil
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-28s %-16s", e.At.UTC().Format(time.RFC3339), e.Kind, e.Identity)
		if e.Message != "" {
			line += " " + e.Message
		}
		fmt.Fprintln(p.out, p.kindStyle(e.Kind).Render(line))
	}
	return nil
}

// Failure prints err with a hint about what to do next.
func (p *Printer) Failure(w io.Writer, err error) {
	code := ExitCode(err)
	if p.json {
		enc := json.NewEncoder(w)
		_ = enc.Encode(map[string]any{"error": err.Error(), "exit_code": code})
		return
	}
	fmt.Fprintln(w, p.bad.Render("error: ")+err.Error())
	if hint := Hint(err); hint != "" {
		fmt.Fprintln(w, p.dim.Render("hint: "+hint))
	}
}

// Hint suggests a next step for common failures.
func Hint(err error) string {
	var (
		contention *lock.ContentionError
		corrupt    *artifact.CorruptLocalError
		verr       *transport.VerificationError
	)
	switch {
	case errors.As(err, &contention):
		return fmt.Sprintf("another process (%s) is syncing; retry later, or pass --force if it is known to be dead", contention.Holder.Holder)
	case errors.As(err, &verr):
		return "the remote copy failed its integrity check and the local copy was left untouched; re-upload from a good copy"
	case errors.As(err, &corrupt):
		return "the local artifact is missing or unreadable; fetch a fresh copy with `sync-tool download --force`"
	case errors.Is(err, lock.ErrLockLost):
		return "the lock was taken over during the transfer; run the command again"
	}
	return ""
}

func (p *Printer) tokenRows(tok *lock.Token) {
	p.row("holder", tok.Holder)
	if tok.Host != "" {
		p.row("host", fmt.Sprintf("%s (pid %d)", tok.Host, tok.PID))
	}
	if !tok.AcquiredAt.IsZero() {
		p.row("acquired", tok.AcquiredAt.UTC().Format(time.RFC3339))
		p.row("expires", tok.ExpiresAt().UTC().Format(time.RFC3339))
	}
	if tok.Reason != "" {
		p.row("reason", tok.Reason)
	}
}

func (p *Printer) localLine(plan syncer.Plan) string {
	if !plan.LocalExists {
		return p.dim.Render("absent")
	}
	return fmt.Sprintf("%s %s", plan.Local.Digest.Short(),
		p.dim.Render(fmt.Sprintf("%s, modified %s", humanBytes(plan.Local.Size), plan.Local.ModTime.UTC().Format(time.RFC3339))))
}

func (p *Printer) remoteLine(r transport.RemoteState) string {
	if !r.Exists {
		return p.dim.Render("absent")
	}
	detail := fmt.Sprintf("%s, %s, updated %s", humanBytes(r.Size), r.Codec, r.UpdatedAt.UTC().Format(time.RFC3339))
	if r.UploadedBy != "" {
		detail += " by " + r.UploadedBy
	}
	return fmt.Sprintf("%s %s", r.Digest.Short(), p.dim.Render(detail))
}

func (p *Printer) decision(d syncer.Decision) string {
	switch d {
	case syncer.DecisionNoop:
		return p.good.Render(string(d))
	case syncer.DecisionNone:
		return p.dim.Render(string(d))
	default:
		return p.warn.Render(string(d))
	}
}

func (p *Printer) lockState(s lock.State) string {
	switch s {
	case lock.StateUnlocked:
		return p.good.Render(string(s))
	case lock.StateStale:
		return p.warn.Render(string(s))
	default:
		return p.bad.Render(string(s))
	}
}

func (p *Printer) kindStyle(k journal.Kind) lipgloss.Style {
	switch k {
	case journal.KindSyncFailed, journal.KindVerificationFailed:
		return p.bad
	case journal.KindLockStaleRecovered, journal.KindLockForceOverride, journal.KindLockContended:
		return p.warn
	default:
		return lipgloss.NewStyle()
	}
}

func humanBytes(n int64) string {
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
