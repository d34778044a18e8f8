package fleet

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/patchwork/internal/inventory"
)

// prober waits for a rebooted host to answer again. A host counts as back
// when its SSH port accepts a connection and a trivial command succeeds;
// the port alone opens well before sshd will run anything.
type prober struct {
	exec     Executor
	timeout  time.Duration
	interval time.Duration
}

// waitAvailable returns how long the host took to come back, or
// DeadlineExceeded when it never did.
func (p prober) waitAvailable(ctx context.Context, host inventory.Host) (time.Duration, error) {
	started := time.Now()
	deadline := started.Add(p.timeout)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.exec.Dialable(ctx, host, p.interval) {
			exit, _, _, err := p.exec.Run(ctx, host, "echo ok", p.interval)
			if err == nil && exit == 0 {
				elapsed := time.Since(started)
				log.Debug().Str("host", host.Name).Dur("elapsed", elapsed).Msg("host available")
				return elapsed, nil
			}
			log.Debug().Str("host", host.Name).Err(err).Msg("port open but command failed, still booting")
		}
		if time.Now().After(deadline) {
			return time.Since(started), context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return time.Since(started), ctx.Err()
		case <-ticker.C:
		}
	}
}
