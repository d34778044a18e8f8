// Package fleet drives the per-host update lifecycle and runs it across
// the whole inventory with bounded parallelism.
package fleet

import (
	"time"

	"github.com/3cpo-dev/patchwork/internal/inventory"
	"github.com/3cpo-dev/patchwork/internal/pkgmgr"
	"github.com/3cpo-dev/patchwork/internal/snapshot"
)

// Phase is a stage of the host update lifecycle.
type Phase int

const (
	PhasePending Phase = iota
	PhaseConnecting
	PhaseChecking
	PhaseCheckOnlyDone
	PhaseSnapshotPending
	PhaseUpdating
	PhaseRebootPending
	PhaseVerifying
	PhaseCleaningUp
	PhaseRollingBack
	PhaseSuccess
	PhaseRolledBack
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhasePending:         "pending",
	PhaseConnecting:      "connecting",
	PhaseChecking:        "checking",
	PhaseCheckOnlyDone:   "check-only-done",
	PhaseSnapshotPending: "snapshot-pending",
	PhaseUpdating:        "updating",
	PhaseRebootPending:   "reboot-pending",
	PhaseVerifying:       "verifying",
	PhaseCleaningUp:      "cleaning-up",
	PhaseRollingBack:     "rolling-back",
	PhaseSuccess:         "success",
	PhaseRolledBack:      "rolled-back",
	PhaseFailed:          "failed",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the phase ends the lifecycle.
func (p Phase) Terminal() bool {
	return p == PhaseCheckOnlyDone || p == PhaseSuccess || p == PhaseRolledBack || p == PhaseFailed
}

// Outcome is the final classification of a host run.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCheckOnly
	OutcomeRolledBack
	OutcomeFailed
)

var outcomeNames = map[Outcome]string{
	OutcomeSuccess:    "success",
	OutcomeCheckOnly:  "check-only",
	OutcomeRolledBack: "rolled-back",
	OutcomeFailed:     "failed",
}

func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return "unknown"
}

// Transition is one recorded phase change with its timestamp.
type Transition struct {
	From Phase     `json:"from"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// HostResult is everything a single host's run produced.
type HostResult struct {
	Host           inventory.Host   `json:"-"`
	Name           string           `json:"name"`
	Outcome        Outcome          `json:"-"`
	OutcomeName    string           `json:"outcome"`
	Reason         string           `json:"reason,omitempty"`
	RollbackFailed bool             `json:"rollback_failed,omitempty"`
	Phase          Phase            `json:"-"`
	Transitions    []Transition     `json:"transitions,omitempty"`
	OS             *pkgmgr.OSInfo   `json:"os,omitempty"`
	Updates        []pkgmgr.Update  `json:"updates,omitempty"`
	Snapshot       *snapshot.Record `json:"snapshot,omitempty"`
	Started        time.Time        `json:"started"`
	Finished       time.Time        `json:"finished"`
}

// SecurityUpdates counts the pending updates flagged as security fixes.
func (r *HostResult) SecurityUpdates() int {
	n := 0
	for _, u := range r.Updates {
		if u.Security {
			n++
		}
	}
	return n
}

// AggregateResult collects every host's result for one run.
type AggregateResult struct {
	RunID     string                 `json:"run_id"`
	CheckOnly bool                   `json:"check_only"`
	Started   time.Time              `json:"started"`
	Finished  time.Time              `json:"finished"`
	Hosts     map[string]*HostResult `json:"hosts"`
}

// Count returns how many hosts finished with the given outcome.
func (a *AggregateResult) Count(o Outcome) int {
	n := 0
	for _, r := range a.Hosts {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// RollbackFailures returns hosts whose rollback itself failed, the worst
// state a run can leave a host in.
func (a *AggregateResult) RollbackFailures() []*HostResult {
	var out []*HostResult
	for _, r := range a.Hosts {
		if r.RollbackFailed {
			out = append(out, r)
		}
	}
	return out
}
