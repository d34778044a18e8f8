package fleet

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3cpo-dev/patchwork/internal/inventory"
)

// bootingExec simulates a host that answers only after a few probes.
type bootingExec struct {
	readyAfter int32
	calls      int32
}

func (b *bootingExec) Dialable(context.Context, inventory.Host, time.Duration) bool {
	return atomic.AddInt32(&b.calls, 1) > b.readyAfter
}

func (b *bootingExec) Run(context.Context, inventory.Host, string, time.Duration) (int, string, string, error) {
	if atomic.LoadInt32(&b.calls) > b.readyAfter {
		return 0, "ok", "", nil
	}
	return -1, "", "", errors.New("connection refused")
}

func TestProberWaitsForBoot(t *testing.T) {
	exec := &bootingExec{readyAfter: 3}
	p := prober{exec: exec, timeout: time.Second, interval: 5 * time.Millisecond}

	downtime, err := p.waitAvailable(context.Background(), inventory.Host{Name: "web01"})
	if err != nil {
		t.Fatalf("Expected host to come back, got %v", err)
	}
	if downtime <= 0 {
		t.Fatalf("Expected positive downtime, got %v", downtime)
	}
}

func TestProberGivesUpAtDeadline(t *testing.T) {
	exec := &bootingExec{readyAfter: 1 << 30}
	p := prober{exec: exec, timeout: 30 * time.Millisecond, interval: 5 * time.Millisecond}

	_, err := p.waitAvailable(context.Background(), inventory.Host{Name: "web01"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestProberPortOpenButSSHNotReady(t *testing.T) {
	// Port accepts immediately but sshd refuses commands for a while.
	exec := &fakeExec{dialable: true, rules: []execRule{
		{match: "echo ok", exit: -1, err: errors.New("ssh: handshake failed")},
	}}
	p := prober{exec: exec, timeout: 30 * time.Millisecond, interval: 5 * time.Millisecond}

	_, err := p.waitAvailable(context.Background(), inventory.Host{Name: "web01"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded while sshd is down, got %v", err)
	}
}

func TestProberRespectsCancel(t *testing.T) {
	exec := &bootingExec{readyAfter: 1 << 30}
	p := prober{exec: exec, timeout: time.Minute, interval: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := p.waitAvailable(ctx, inventory.Host{Name: "web01"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected canceled, got %v", err)
	}
}
