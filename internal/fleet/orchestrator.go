package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/patchwork/internal/inventory"
)

// Orchestrator runs sessions for every host with a concurrency cap. One
// host's failure never stops the others; the aggregate carries all results.
type Orchestrator struct {
	exec     Executor
	snaps    Snapshotter
	cfg      SessionConfig
	parallel int
	perHost  time.Duration // wall-clock ceiling for one host, 0 = none

	// newSession lets tests substitute the lifecycle.
	newSession func(host inventory.Host) *Session
}

func NewOrchestrator(exec Executor, snaps Snapshotter, cfg SessionConfig, parallel int, perHost time.Duration) *Orchestrator {
	if parallel <= 0 {
		parallel = 5
	}
	o := &Orchestrator{exec: exec, snaps: snaps, cfg: cfg, parallel: parallel, perHost: perHost}
	o.newSession = func(host inventory.Host) *Session {
		return NewSession(host, o.exec, o.snaps, o.cfg)
	}
	return o
}

// Run processes all hosts and returns the aggregate. The context cancels
// the whole run; per-host deadlines fail only their host.
func (o *Orchestrator) Run(ctx context.Context, hosts []inventory.Host) *AggregateResult {
	agg := &AggregateResult{
		RunID:     uuid.New().String(),
		CheckOnly: o.cfg.CheckOnly,
		Started:   time.Now(),
		Hosts:     make(map[string]*HostResult, len(hosts)),
	}
	log.Info().Str("run_id", agg.RunID).Int("hosts", len(hosts)).Int("parallel", o.parallel).Bool("check_only", o.cfg.CheckOnly).Msg("starting run")

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallel)
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			res := o.runHost(gctx, host)
			mu.Lock()
			agg.Hosts[host.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	agg.Finished = time.Now()
	log.Info().
		Str("run_id", agg.RunID).
		Int("success", agg.Count(OutcomeSuccess)).
		Int("check_only", agg.Count(OutcomeCheckOnly)).
		Int("rolled_back", agg.Count(OutcomeRolledBack)).
		Int("failed", agg.Count(OutcomeFailed)).
		Dur("elapsed", agg.Finished.Sub(agg.Started)).
		Msg("run complete")
	return agg
}

func (o *Orchestrator) runHost(ctx context.Context, host inventory.Host) *HostResult {
	hctx := ctx
	if o.perHost > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, o.perHost)
		defer cancel()
	}
	res := o.newSession(host).Run(hctx)
	// A host that blew its deadline mid-flight surfaces as a failure with
	// the deadline named, whatever phase it died in.
	if hctx.Err() != nil && !res.Phase.Terminal() {
		res.Phase = PhaseFailed
		res.Outcome = OutcomeFailed
		res.OutcomeName = res.Outcome.String()
		res.Reason = ReasonDeadlineExceeded
	}
	return res
}
