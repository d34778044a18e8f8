package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/patchwork/internal/inventory"
	"github.com/3cpo-dev/patchwork/internal/pkgmgr"
	"github.com/3cpo-dev/patchwork/internal/snapshot"
	"github.com/3cpo-dev/patchwork/internal/sshexec"
)

// Executor is the remote command surface a session needs. Satisfied by
// sshexec.Executor.
type Executor interface {
	Run(ctx context.Context, host inventory.Host, command string, timeout time.Duration) (int, string, string, error)
	Dialable(ctx context.Context, host inventory.Host, timeout time.Duration) bool
}

// Snapshotter is the snapshot lifecycle a session needs. Satisfied by
// snapshot.Manager.
type Snapshotter interface {
	Create(ctx context.Context, host inventory.Host) (*snapshot.Record, error)
	Restore(ctx context.Context, host inventory.Host, rec *snapshot.Record) error
	Prune(ctx context.Context, host inventory.Host) (int, error)
}

// SessionConfig holds the per-run knobs the lifecycle obeys.
type SessionConfig struct {
	CheckOnly        bool // report updates, change nothing
	ApplyUpdates     bool
	Reboot           bool
	CleanupSnapshots bool
	CommandTimeout   time.Duration // per-command ceiling for cheap commands
	RebootTimeout    time.Duration // how long to wait for the host to come back
	PingTimeout      time.Duration
	PingInterval     time.Duration
	SettleDelay      time.Duration // pause after reboot before the first probe
	RefreshAttempts  int
	RefreshPause     time.Duration
}

func (c *SessionConfig) defaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.RebootTimeout <= 0 {
		c.RebootTimeout = 5 * time.Minute
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Minute
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 10 * time.Second
	}
	if c.RefreshAttempts <= 0 {
		c.RefreshAttempts = 3
	}
	if c.RefreshPause <= 0 {
		c.RefreshPause = 5 * time.Second
	}
}

// Session drives one host from pending to a terminal phase.
type Session struct {
	host  inventory.Host
	exec  Executor
	snaps Snapshotter
	cfg   SessionConfig

	// Injectable seams for detection and probing.
	identify  func(ctx context.Context, r pkgmgr.Runner) (pkgmgr.OSInfo, error)
	newDriver func(kind pkgmgr.Kind, r pkgmgr.Runner) (pkgmgr.Driver, error)
	probe     func(ctx context.Context, host inventory.Host) (time.Duration, error)
	sleep     func(ctx context.Context, d time.Duration) error

	result *HostResult
}

func NewSession(host inventory.Host, exec Executor, snaps Snapshotter, cfg SessionConfig) *Session {
	cfg.defaults()
	s := &Session{
		host:      host,
		exec:      exec,
		snaps:     snaps,
		cfg:       cfg,
		identify:  pkgmgr.Identify,
		newDriver: pkgmgr.New,
		sleep:     sleepCtx,
	}
	s.probe = func(ctx context.Context, host inventory.Host) (time.Duration, error) {
		p := prober{exec: exec, timeout: cfg.PingTimeout, interval: cfg.PingInterval}
		return p.waitAvailable(ctx, host)
	}
	return s
}

// runner adapts the executor to pkgmgr.Runner for one host.
type runner struct {
	exec Executor
	host inventory.Host
}

func (r runner) Run(ctx context.Context, command string, timeout time.Duration) (int, string, string, error) {
	return r.exec.Run(ctx, r.host, command, timeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (s *Session) transition(to Phase, note string) {
	from := PhasePending
	if n := len(s.result.Transitions); n > 0 {
		from = s.result.Transitions[n-1].To
	}
	s.result.Transitions = append(s.result.Transitions, Transition{From: from, To: to, At: time.Now(), Note: note})
	s.result.Phase = to
	log.Debug().Str("host", s.host.Name).Stringer("from", from).Stringer("to", to).Str("note", note).Msg("phase transition")
}

func (s *Session) fail(reason string, err error) *HostResult {
	if errors.Is(err, context.DeadlineExceeded) && reason != ReasonVerifyTimeout {
		reason = ReasonDeadlineExceeded
	}
	note := reason
	if err != nil {
		note = reason + ": " + describe(err)
	}
	s.transition(PhaseFailed, note)
	s.result.Outcome = OutcomeFailed
	s.result.Reason = note
	s.finish()
	log.Error().Str("host", s.host.Name).Err(err).Str("reason", reason).Msg("host update failed")
	return s.result
}

func (s *Session) finish() {
	s.result.Finished = time.Now()
	s.result.OutcomeName = s.result.Outcome.String()
}

// Run executes the full lifecycle for the session's host. It always returns
// a result; errors are folded into the outcome.
func (s *Session) Run(ctx context.Context) *HostResult {
	s.result = &HostResult{
		Host:    s.host,
		Name:    s.host.Name,
		Phase:   PhasePending,
		Started: time.Now(),
	}
	logger := log.With().Str("host", s.host.Name).Logger()

	// Connecting: prove the host answers before doing anything else.
	s.transition(PhaseConnecting, "")
	if _, _, _, err := s.exec.Run(ctx, s.host, "true", s.cfg.CommandTimeout); err != nil {
		return s.fail(ReasonUnreachable, err)
	}

	// Checking: identify the system and collect pending updates.
	s.transition(PhaseChecking, "")
	r := runner{exec: s.exec, host: s.host}
	osInfo, err := s.identify(ctx, r)
	if err != nil {
		return s.fail(ReasonUnsupported, err)
	}
	s.result.OS = &osInfo
	driver, err := s.newDriver(osInfo.Kind, r)
	if err != nil {
		return s.fail(ReasonUnsupported, err)
	}
	if err := s.refreshCache(ctx, driver); err != nil {
		return s.fail(ReasonCacheRefresh, err)
	}
	updates, err := driver.ListAvailable(ctx)
	if err != nil {
		return s.fail(ReasonListFailed, err)
	}
	s.result.Updates = updates
	logger.Info().Int("updates", len(updates)).Int("security", s.result.SecurityUpdates()).Msg("update check complete")

	// Check-only mode and opted-out hosts stop here no matter what we found.
	if s.cfg.CheckOnly || s.host.OptOut || !s.cfg.ApplyUpdates {
		note := "check only"
		if s.host.OptOut {
			note = "host opted out"
		}
		s.transition(PhaseCheckOnlyDone, note)
		s.result.Outcome = OutcomeCheckOnly
		s.finish()
		return s.result
	}

	if len(updates) == 0 {
		s.transition(PhaseSuccess, "no updates available")
		s.result.Outcome = OutcomeSuccess
		s.finish()
		return s.result
	}

	// SnapshotPending: mandatory for mapped VMs, skipped entirely otherwise.
	updatingNote := ""
	if s.host.VM != nil {
		s.transition(PhaseSnapshotPending, "")
		rec, err := s.snaps.Create(ctx, s.host)
		if err != nil {
			// Nothing changed on the host yet; refuse to continue without
			// a rollback point.
			return s.fail(ReasonSnapshotFailed, err)
		}
		s.result.Snapshot = rec
		logger.Info().Str("snapshot", rec.Name).Msg("snapshot created")
	} else {
		logger.Warn().Msg("host has no VM mapping, updating without a snapshot")
		updatingNote = "no VM mapping, updating without a snapshot"
	}

	// Updating: from here on, failures roll back when a snapshot exists.
	s.transition(PhaseUpdating, updatingNote)
	applied, err := driver.ApplyAll(ctx)
	if err != nil {
		return s.recover(ctx, ReasonApplyFailed, err)
	}
	s.result.Updates = applied

	if s.cfg.Reboot {
		s.transition(PhaseRebootPending, "")
		if err := s.reboot(ctx); err != nil {
			return s.recover(ctx, ReasonRebootFailed, err)
		}

		s.transition(PhaseVerifying, "")
		// RebootTimeout bounds the whole wait, settle delay included.
		vctx, cancel := context.WithTimeout(ctx, s.cfg.RebootTimeout)
		if err := s.sleep(vctx, s.cfg.SettleDelay); err != nil {
			cancel()
			return s.recover(ctx, ReasonVerifyTimeout, err)
		}
		downtime, err := s.probe(vctx, s.host)
		cancel()
		if err != nil {
			return s.recover(ctx, ReasonVerifyTimeout, err)
		}
		logger.Info().Dur("downtime", downtime).Msg("host back after reboot")
	}

	// CleaningUp: prune old snapshots. Failures here never undo a good run.
	if s.cfg.CleanupSnapshots && s.host.VM != nil {
		s.transition(PhaseCleaningUp, "")
		if n, err := s.snaps.Prune(ctx, s.host); err != nil {
			logger.Warn().Err(err).Msg("snapshot prune failed")
		} else if n > 0 {
			logger.Info().Int("deleted", n).Msg("old snapshots pruned")
		}
	}

	s.transition(PhaseSuccess, "")
	s.result.Outcome = OutcomeSuccess
	s.finish()
	logger.Info().Int("applied", len(applied)).Msg("host updated")
	return s.result
}

// refreshCache retries the package cache refresh; mirrors usually need a
// moment when a whole fleet hits them at once.
func (s *Session) refreshCache(ctx context.Context, driver pkgmgr.Driver) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.RefreshAttempts; attempt++ {
		lastErr = driver.RefreshCache(ctx)
		if lastErr == nil {
			return nil
		}
		if connectivity(lastErr) || errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		if attempt < s.cfg.RefreshAttempts {
			log.Warn().Str("host", s.host.Name).Err(lastErr).Int("attempt", attempt).Msg("cache refresh failed, retrying")
			if err := s.sleep(ctx, s.cfg.RefreshPause); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// reboot issues the reboot command. The SSH session usually dies before an
// exit status arrives; that counts as the reboot starting.
func (s *Session) reboot(ctx context.Context) error {
	exit, _, stderr, err := s.exec.Run(ctx, s.host, "shutdown -r now || reboot", s.cfg.CommandTimeout)
	if err != nil {
		if errors.Is(err, sshexec.ErrSessionClosed) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	}
	if exit != 0 {
		return &pkgmgr.CommandError{Command: "shutdown -r now || reboot", ExitCode: exit, Stderr: stderr}
	}
	return nil
}

// recover rolls the host back to its snapshot after a failed update. Hosts
// without a snapshot just fail. A failed rollback is flagged separately; it
// is the one result that demands a human.
func (s *Session) recover(ctx context.Context, reason string, cause error) *HostResult {
	if s.result.Snapshot == nil {
		return s.fail(reason, cause)
	}
	s.transition(PhaseRollingBack, reason+": "+describe(cause))
	log.Warn().Str("host", s.host.Name).Str("snapshot", s.result.Snapshot.Name).Str("reason", reason).Msg("rolling back")

	// The host context may already be dead (deadline, cancel); the rollback
	// still has to happen, so give it its own window.
	rbCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		rbCtx, cancel = context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
	}
	if err := s.snaps.Restore(rbCtx, s.host, s.result.Snapshot); err != nil {
		s.transition(PhaseFailed, ReasonRollbackFailed+": "+describe(err))
		s.result.Outcome = OutcomeFailed
		s.result.Reason = reason + "; " + ReasonRollbackFailed + ": " + describe(err)
		s.result.RollbackFailed = true
		s.finish()
		log.Error().Str("host", s.host.Name).Err(err).Msg("rollback failed, host needs manual attention")
		return s.result
	}
	s.transition(PhaseRolledBack, "")
	s.result.Outcome = OutcomeRolledBack
	s.result.Reason = reason + ": " + describe(cause)
	s.finish()
	log.Info().Str("host", s.host.Name).Str("snapshot", s.result.Snapshot.Name).Msg("rolled back")
	return s.result
}
