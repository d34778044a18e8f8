package fleet

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3cpo-dev/patchwork/internal/inventory"
	"github.com/3cpo-dev/patchwork/internal/pkgmgr"
	"github.com/3cpo-dev/patchwork/internal/snapshot"
	"github.com/3cpo-dev/patchwork/internal/sshexec"
)

// fakeExec serves canned responses per command substring, first match wins.
type fakeExec struct {
	mu       sync.Mutex
	rules    []execRule
	commands []string
	dialable bool
}

type execRule struct {
	match  string
	exit   int
	stdout string
	err    error
}

func (f *fakeExec) Run(_ context.Context, _ inventory.Host, command string, _ time.Duration) (int, string, string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	for _, rule := range f.rules {
		if strings.Contains(command, rule.match) {
			return rule.exit, rule.stdout, "", rule.err
		}
	}
	return 0, "", "", nil
}

func (f *fakeExec) Dialable(context.Context, inventory.Host, time.Duration) bool {
	return f.dialable
}

func (f *fakeExec) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

// fakeSnaps counts lifecycle calls.
type fakeSnaps struct {
	mu         sync.Mutex
	creates    int
	restores   int
	prunes     int
	createErr  error
	restoreErr error
	pruneErr   error
}

func (f *fakeSnaps) Create(_ context.Context, host inventory.Host) (*snapshot.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.creates++
	return &snapshot.Record{Node: "pve1", VMID: 101, Name: "pre-update-20260830-120000", Created: time.Now()}, nil
}

func (f *fakeSnaps) Restore(context.Context, inventory.Host, *snapshot.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restores++
	return nil
}

func (f *fakeSnaps) Prune(context.Context, inventory.Host) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pruneErr != nil {
		return 0, f.pruneErr
	}
	f.prunes++
	return 1, nil
}

// fakeDriver is a scriptable package manager.
type fakeDriver struct {
	updates     []pkgmgr.Update
	refreshErrs []error // one per attempt, nil-padded
	refreshed   int
	listErr     error
	applyErr    error
	applied     bool
}

func (f *fakeDriver) Kind() pkgmgr.Kind { return pkgmgr.KindApt }

func (f *fakeDriver) RefreshCache(context.Context) error {
	f.refreshed++
	if len(f.refreshErrs) >= f.refreshed {
		return f.refreshErrs[f.refreshed-1]
	}
	return nil
}

func (f *fakeDriver) ListAvailable(context.Context) ([]pkgmgr.Update, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.updates, nil
}

func (f *fakeDriver) ApplyAll(context.Context) ([]pkgmgr.Update, error) {
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	f.applied = true
	out := append([]pkgmgr.Update(nil), f.updates...)
	for i := range out {
		out[i].Applied = true
	}
	return out, nil
}

func mappedHost() inventory.Host {
	return inventory.Host{Name: "web01", Addr: "10.0.0.1", VM: &inventory.VMRef{Node: "pve1", VMID: 101}}
}

func bareHost() inventory.Host {
	return inventory.Host{Name: "metal01", Addr: "10.0.0.2"}
}

func someUpdates() []pkgmgr.Update {
	return []pkgmgr.Update{
		{Name: "nginx", Current: "1.0", Candidate: "1.1", Security: true},
		{Name: "vim", Current: "8.0", Candidate: "8.1"},
	}
}

// newTestSession wires a session with fast fakes: no sleeping, instant
// probes, a scripted driver.
func newTestSession(host inventory.Host, exec *fakeExec, snaps *fakeSnaps, driver *fakeDriver, cfg SessionConfig) *Session {
	s := NewSession(host, exec, snaps, cfg)
	s.identify = func(context.Context, pkgmgr.Runner) (pkgmgr.OSInfo, error) {
		return pkgmgr.OSInfo{Family: "linux", Distribution: "ubuntu", Version: "22.04", Kind: pkgmgr.KindApt}, nil
	}
	s.newDriver = func(pkgmgr.Kind, pkgmgr.Runner) (pkgmgr.Driver, error) { return driver, nil }
	s.probe = func(context.Context, inventory.Host) (time.Duration, error) { return 15 * time.Second, nil }
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestSessionNoUpdatesIsSuccess(t *testing.T) {
	exec := &fakeExec{}
	snaps := &fakeSnaps{}
	driver := &fakeDriver{}
	s := newTestSession(mappedHost(), exec, snaps, driver, SessionConfig{ApplyUpdates: true, Reboot: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Expected success, got %s (%s)", res.Outcome, res.Reason)
	}
	if snaps.creates != 0 {
		t.Errorf("Expected no snapshot for a host with nothing to update, got %d", snaps.creates)
	}
	if driver.applied {
		t.Errorf("ApplyAll must not run when there are no updates")
	}
}

func TestSessionCheckOnlyNeverMutates(t *testing.T) {
	exec := &fakeExec{}
	snaps := &fakeSnaps{}
	driver := &fakeDriver{updates: someUpdates()}
	s := newTestSession(mappedHost(), exec, snaps, driver, SessionConfig{CheckOnly: true, ApplyUpdates: true, Reboot: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeCheckOnly {
		t.Fatalf("Expected check-only, got %s", res.Outcome)
	}
	if len(res.Updates) != 2 {
		t.Errorf("Expected update list in result, got %d", len(res.Updates))
	}
	if snaps.creates != 0 || driver.applied || exec.ran("shutdown") {
		t.Errorf("Check-only run mutated the host")
	}
}

func TestSessionOptOutHostIsCheckOnly(t *testing.T) {
	host := mappedHost()
	host.OptOut = true
	driver := &fakeDriver{updates: someUpdates()}
	snaps := &fakeSnaps{}
	s := newTestSession(host, &fakeExec{}, snaps, driver, SessionConfig{ApplyUpdates: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeCheckOnly {
		t.Fatalf("Expected check-only for opted-out host, got %s", res.Outcome)
	}
	if snaps.creates != 0 || driver.applied {
		t.Errorf("Opted-out host was mutated")
	}
}

func TestSessionGlobalApplyDisabledIsCheckOnly(t *testing.T) {
	driver := &fakeDriver{updates: someUpdates()}
	s := newTestSession(mappedHost(), &fakeExec{}, &fakeSnaps{}, driver, SessionConfig{ApplyUpdates: false})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeCheckOnly {
		t.Fatalf("Expected check-only when applying is disabled, got %s", res.Outcome)
	}
}

func TestSessionUnreachableHostFails(t *testing.T) {
	exec := &fakeExec{rules: []execRule{
		{match: "true", err: &sshexec.ConnectivityError{Host: "web01", Err: errors.New("no route")}},
	}}
	s := newTestSession(mappedHost(), exec, &fakeSnaps{}, &fakeDriver{}, SessionConfig{ApplyUpdates: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Expected failed, got %s", res.Outcome)
	}
	if !strings.Contains(res.Reason, ReasonUnreachable) {
		t.Errorf("Expected unreachable reason, got %q", res.Reason)
	}
}

func TestSessionSnapshotFailureStopsBeforeApply(t *testing.T) {
	driver := &fakeDriver{updates: someUpdates()}
	snaps := &fakeSnaps{createErr: errors.New("storage full")}
	s := newTestSession(mappedHost(), &fakeExec{}, snaps, driver, SessionConfig{ApplyUpdates: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Expected failed, got %s", res.Outcome)
	}
	if !strings.Contains(res.Reason, ReasonSnapshotFailed) {
		t.Errorf("Expected snapshot failure reason, got %q", res.Reason)
	}
	if driver.applied {
		t.Errorf("ApplyAll ran after snapshot creation failed")
	}
	if res.RollbackFailed {
		t.Errorf("Nothing changed, rollback-failed flag must be clear")
	}
}

func TestSessionUnmappedHostUpdatesWithoutSnapshot(t *testing.T) {
	driver := &fakeDriver{updates: someUpdates()}
	snaps := &fakeSnaps{}
	s := newTestSession(bareHost(), &fakeExec{dialable: true}, snaps, driver, SessionConfig{ApplyUpdates: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Expected success, got %s (%s)", res.Outcome, res.Reason)
	}
	if snaps.creates != 0 {
		t.Errorf("Unmapped host must not get a snapshot")
	}
	if !driver.applied {
		t.Errorf("Updates were not applied")
	}
	for _, tr := range res.Transitions {
		if tr.To == PhaseSnapshotPending {
			t.Errorf("Unmapped host must skip the snapshot phase entirely")
		}
		if tr.To == PhaseUpdating && tr.Note == "" {
			t.Errorf("Updating transition should note the missing VM mapping")
		}
	}
}

func TestSessionApplyFailureRollsBack(t *testing.T) {
	driver := &fakeDriver{
		updates:  someUpdates(),
		applyErr: &pkgmgr.CommandError{Command: "apt-get upgrade", ExitCode: 100, Stderr: "broken"},
	}
	snaps := &fakeSnaps{}
	s := newTestSession(mappedHost(), &fakeExec{}, snaps, driver, SessionConfig{ApplyUpdates: true, CleanupSnapshots: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeRolledBack {
		t.Fatalf("Expected rolled-back, got %s (%s)", res.Outcome, res.Reason)
	}
	if snaps.restores != 1 {
		t.Errorf("Expected exactly one restore, got %d", snaps.restores)
	}
	if snaps.prunes != 0 {
		t.Errorf("Rolled-back host must keep its snapshots, got %d prunes", snaps.prunes)
	}
	if !strings.Contains(res.Reason, ReasonApplyFailed) {
		t.Errorf("Expected apply failure in reason, got %q", res.Reason)
	}
}

func TestSessionApplyFailureWithoutSnapshotJustFails(t *testing.T) {
	driver := &fakeDriver{
		updates:  someUpdates(),
		applyErr: &pkgmgr.CommandError{Command: "apt-get upgrade", ExitCode: 100},
	}
	snaps := &fakeSnaps{}
	s := newTestSession(bareHost(), &fakeExec{}, snaps, driver, SessionConfig{ApplyUpdates: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Expected failed, got %s", res.Outcome)
	}
	if snaps.restores != 0 {
		t.Errorf("No snapshot exists, nothing to restore")
	}
}

func TestSessionRollbackFailureIsFlagged(t *testing.T) {
	driver := &fakeDriver{
		updates:  someUpdates(),
		applyErr: &pkgmgr.CommandError{Command: "apt-get upgrade", ExitCode: 100},
	}
	snaps := &fakeSnaps{restoreErr: errors.New("snapshot corrupt")}
	s := newTestSession(mappedHost(), &fakeExec{}, snaps, driver, SessionConfig{ApplyUpdates: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Expected failed, got %s", res.Outcome)
	}
	if !res.RollbackFailed {
		t.Errorf("Rollback failure must be flagged")
	}
	if !strings.Contains(res.Reason, ReasonRollbackFailed) {
		t.Errorf("Expected rollback failure in reason, got %q", res.Reason)
	}
}

func TestSessionRebootDropsSessionAndVerifies(t *testing.T) {
	exec := &fakeExec{
		dialable: true,
		rules: []execRule{
			{match: "shutdown", err: sshexec.ErrSessionClosed},
		},
	}
	driver := &fakeDriver{updates: someUpdates()}
	snaps := &fakeSnaps{}
	s := newTestSession(mappedHost(), exec, snaps, driver, SessionConfig{ApplyUpdates: true, Reboot: true, CleanupSnapshots: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Expected success, got %s (%s)", res.Outcome, res.Reason)
	}
	if !exec.ran("shutdown") {
		t.Errorf("Reboot command never ran")
	}
	if snaps.prunes != 1 {
		t.Errorf("Expected cleanup prune after success, got %d", snaps.prunes)
	}
}

func TestSessionRebootCommandFailureRollsBack(t *testing.T) {
	exec := &fakeExec{rules: []execRule{
		{match: "shutdown", exit: 1},
	}}
	driver := &fakeDriver{updates: someUpdates()}
	snaps := &fakeSnaps{}
	s := newTestSession(mappedHost(), exec, snaps, driver, SessionConfig{ApplyUpdates: true, Reboot: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeRolledBack {
		t.Fatalf("Expected rolled-back, got %s (%s)", res.Outcome, res.Reason)
	}
	if snaps.restores != 1 {
		t.Errorf("Expected restore after failed reboot, got %d", snaps.restores)
	}
}

func TestSessionVerifyTimeoutRollsBack(t *testing.T) {
	driver := &fakeDriver{updates: someUpdates()}
	snaps := &fakeSnaps{}
	s := newTestSession(mappedHost(), &fakeExec{}, snaps, driver, SessionConfig{ApplyUpdates: true, Reboot: true})
	s.probe = func(context.Context, inventory.Host) (time.Duration, error) {
		return 0, context.DeadlineExceeded
	}

	res := s.Run(context.Background())
	if res.Outcome != OutcomeRolledBack {
		t.Fatalf("Expected rolled-back, got %s (%s)", res.Outcome, res.Reason)
	}
	if !strings.Contains(res.Reason, ReasonVerifyTimeout) {
		t.Errorf("Expected verify timeout in reason, got %q", res.Reason)
	}
}

func TestSessionRebootWaitBoundedByTimeout(t *testing.T) {
	driver := &fakeDriver{updates: someUpdates()}
	snaps := &fakeSnaps{}
	s := newTestSession(mappedHost(), &fakeExec{}, snaps, driver,
		SessionConfig{ApplyUpdates: true, Reboot: true, RebootTimeout: 40 * time.Millisecond})
	// A host that never comes back: the probe only returns when its
	// context expires.
	s.probe = func(ctx context.Context, _ inventory.Host) (time.Duration, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	start := time.Now()
	res := s.Run(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Verify wait ignored the reboot timeout, took %v", elapsed)
	}
	if res.Outcome != OutcomeRolledBack {
		t.Fatalf("Expected rolled-back, got %s (%s)", res.Outcome, res.Reason)
	}
	if !strings.Contains(res.Reason, ReasonVerifyTimeout) {
		t.Errorf("Expected verify timeout in reason, got %q", res.Reason)
	}
}

func TestSessionCacheRefreshRetries(t *testing.T) {
	driver := &fakeDriver{
		updates:     someUpdates(),
		refreshErrs: []error{errors.New("mirror busy"), errors.New("mirror busy"), nil},
	}
	s := newTestSession(mappedHost(), &fakeExec{}, &fakeSnaps{}, driver, SessionConfig{CheckOnly: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeCheckOnly {
		t.Fatalf("Expected check-only success after retries, got %s (%s)", res.Outcome, res.Reason)
	}
	if driver.refreshed != 3 {
		t.Errorf("Expected 3 refresh attempts, got %d", driver.refreshed)
	}
}

func TestSessionCacheRefreshExhaustedFails(t *testing.T) {
	driver := &fakeDriver{
		refreshErrs: []error{errors.New("mirror down"), errors.New("mirror down"), errors.New("mirror down")},
	}
	s := newTestSession(mappedHost(), &fakeExec{}, &fakeSnaps{}, driver, SessionConfig{CheckOnly: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeFailed {
		t.Fatalf("Expected failed, got %s", res.Outcome)
	}
	if !strings.Contains(res.Reason, ReasonCacheRefresh) {
		t.Errorf("Expected cache refresh reason, got %q", res.Reason)
	}
	if driver.refreshed != 3 {
		t.Errorf("Expected 3 attempts before giving up, got %d", driver.refreshed)
	}
}

func TestSessionCleanupFailureDoesNotChangeOutcome(t *testing.T) {
	driver := &fakeDriver{updates: someUpdates()}
	snaps := &fakeSnaps{pruneErr: errors.New("api down")}
	s := newTestSession(mappedHost(), &fakeExec{}, snaps, driver, SessionConfig{ApplyUpdates: true, CleanupSnapshots: true})

	res := s.Run(context.Background())
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("Prune failure must not fail the run, got %s (%s)", res.Outcome, res.Reason)
	}
}

func TestSessionTransitionsAreOrdered(t *testing.T) {
	driver := &fakeDriver{updates: someUpdates()}
	s := newTestSession(mappedHost(), &fakeExec{dialable: true}, &fakeSnaps{}, driver, SessionConfig{ApplyUpdates: true, Reboot: true})

	res := s.Run(context.Background())
	want := []Phase{PhaseConnecting, PhaseChecking, PhaseSnapshotPending, PhaseUpdating, PhaseRebootPending, PhaseVerifying, PhaseSuccess}
	if len(res.Transitions) != len(want) {
		t.Fatalf("Expected %d transitions, got %d: %+v", len(want), len(res.Transitions), res.Transitions)
	}
	for i, tr := range res.Transitions {
		if tr.To != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], tr.To)
		}
	}
}
