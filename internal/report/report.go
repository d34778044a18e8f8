// Package report renders run results for humans: a console summary and an
// optional email, both ordered by how badly a host needs attention.
package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/3cpo-dev/patchwork/internal/fleet"
)

// Reporter publishes a finished run somewhere.
type Reporter interface {
	Publish(ctx context.Context, res *fleet.AggregateResult) error
}

// Multi fans a result out to several reporters. Each failure is collected;
// one broken sink does not silence the others.
type Multi []Reporter

func (m Multi) Publish(ctx context.Context, res *fleet.AggregateResult) error {
	var errs []string
	for _, r := range m {
		if err := r.Publish(ctx, res); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish report: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Console writes a plain-text summary to a writer, normally stdout.
type Console struct {
	Out io.Writer
}

func (c *Console) Publish(_ context.Context, res *fleet.AggregateResult) error {
	_, err := io.WriteString(c.Out, Render(res))
	return err
}

// sortedHosts orders results worst-first: rollback failures, failures,
// rollbacks, then the rest alphabetically within each band.
func sortedHosts(res *fleet.AggregateResult) []*fleet.HostResult {
	hosts := make([]*fleet.HostResult, 0, len(res.Hosts))
	for _, h := range res.Hosts {
		hosts = append(hosts, h)
	}
	rank := func(h *fleet.HostResult) int {
		switch {
		case h.RollbackFailed:
			return 0
		case h.Outcome == fleet.OutcomeFailed:
			return 1
		case h.Outcome == fleet.OutcomeRolledBack:
			return 2
		case h.Outcome == fleet.OutcomeCheckOnly:
			return 3
		default:
			return 4
		}
	}
	sort.Slice(hosts, func(i, j int) bool {
		ri, rj := rank(hosts[i]), rank(hosts[j])
		if ri != rj {
			return ri < rj
		}
		return hosts[i].Name < hosts[j].Name
	})
	return hosts
}

// Render builds the plain-text report body shared by console and email.
func Render(res *fleet.AggregateResult) string {
	var b strings.Builder
	mode := "update run"
	if res.CheckOnly {
		mode = "check-only run"
	}
	fmt.Fprintf(&b, "Patchwork %s %s\n", mode, res.RunID)
	fmt.Fprintf(&b, "Started %s, finished %s (%s)\n\n",
		res.Started.Format("2006-01-02 15:04:05"),
		res.Finished.Format("15:04:05"),
		res.Finished.Sub(res.Started).Round(time.Second))

	fmt.Fprintf(&b, "Hosts: %d total, %d succeeded, %d check-only, %d rolled back, %d failed\n",
		len(res.Hosts),
		res.Count(fleet.OutcomeSuccess),
		res.Count(fleet.OutcomeCheckOnly),
		res.Count(fleet.OutcomeRolledBack),
		res.Count(fleet.OutcomeFailed))
	if rf := res.RollbackFailures(); len(rf) > 0 {
		fmt.Fprintf(&b, "!! %d host(s) failed AND could not be rolled back; manual intervention required\n", len(rf))
	}
	b.WriteString("\n")

	for _, h := range sortedHosts(res) {
		marker := "  "
		switch {
		case h.RollbackFailed:
			marker = "!!"
		case h.Outcome == fleet.OutcomeFailed:
			marker = " !"
		case h.Outcome == fleet.OutcomeRolledBack:
			marker = " ~"
		}
		fmt.Fprintf(&b, "%s %-24s %-12s", marker, h.Name, h.Outcome.String())
		if h.OS != nil {
			fmt.Fprintf(&b, " %s %s", h.OS.Distribution, h.OS.Version)
		}
		if n := len(h.Updates); n > 0 {
			fmt.Fprintf(&b, "  %d updates (%d security)", n, h.SecurityUpdates())
		}
		if h.Reason != "" {
			fmt.Fprintf(&b, "  [%s]", h.Reason)
		}
		b.WriteString("\n")
	}
	return b.String()
}
