// Package snapshot manages point-in-time VM snapshots: creation before an
// update, rollback after a failed one, and quota/retention pruning.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/patchwork/internal/inventory"
)

// timeLayout is the timestamp suffix baked into snapshot names.
const timeLayout = "20060102-150405"

// Record identifies one snapshot this run created.
type Record struct {
	Node    string
	VMID    int
	Name    string
	Created time.Time
}

// Info is a snapshot as listed by the backend.
type Info struct {
	Name        string
	Created     time.Time
	Description string
}

// Backend is the virtualization API surface the manager needs. Implemented
// by the Proxmox client.
type Backend interface {
	CreateSnapshot(ctx context.Context, node string, vmid int, name, description string) error
	RollbackSnapshot(ctx context.Context, node string, vmid int, name string) error
	ListSnapshots(ctx context.Context, node string, vmid int) ([]Info, error)
	DeleteSnapshot(ctx context.Context, node string, vmid int, name string) error
}

// BackendFactory returns a backend client for an endpoint; the empty string
// selects the default endpoint. Per-node endpoint overrides in the inventory
// go through here.
type BackendFactory func(endpoint string) (Backend, error)

// Policy holds the fleet-wide retention knobs.
type Policy struct {
	NamePrefix    string
	MaxSnapshots  int // per-VM default quota, overridable per VM
	RetentionDays int
}

// ErrNoMapping is returned when a host has no VM mapping.
var ErrNoMapping = errors.New("host has no VM mapping")

// Manager serializes snapshot operations per VM and applies the retention
// policy. Operations on different VMs run concurrently.
type Manager struct {
	factory BackendFactory
	policy  Policy
	now     func() time.Time

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	clients map[string]Backend
}

func NewManager(factory BackendFactory, policy Policy) *Manager {
	if policy.NamePrefix == "" {
		policy.NamePrefix = "pre-update"
	}
	if policy.MaxSnapshots <= 0 {
		policy.MaxSnapshots = 5
	}
	return &Manager{
		factory: factory,
		policy:  policy,
		now:     time.Now,
		locks:   map[string]*sync.Mutex{},
		clients: map[string]Backend{},
	}
}

// lockVM serializes create/restore/prune for one VM; the backend's snapshot
// list for a VM is not safe to race.
func (m *Manager) lockVM(node string, vmid int) func() {
	key := fmt.Sprintf("%s/%d", node, vmid)
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) backend(endpoint string) (Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.clients[endpoint]; ok {
		return b, nil
	}
	b, err := m.factory(endpoint)
	if err != nil {
		return nil, err
	}
	m.clients[endpoint] = b
	return b, nil
}

// Create snapshots the host's VM under a prefix-timestamp name and returns
// the record the session will roll back to if the update goes wrong.
func (m *Manager) Create(ctx context.Context, host inventory.Host) (*Record, error) {
	vm := host.VM
	if vm == nil {
		return nil, ErrNoMapping
	}
	b, err := m.backend(vm.Endpoint)
	if err != nil {
		return nil, err
	}
	unlock := m.lockVM(vm.Node, vm.VMID)
	defer unlock()

	created := m.now()
	name := fmt.Sprintf("%s-%s", m.policy.NamePrefix, created.Format(timeLayout))
	desc := fmt.Sprintf("pre-update snapshot of %s created by patchwork", host.Name)
	log.Info().Str("host", host.Name).Str("snapshot", name).Int("vmid", vm.VMID).Msg("creating snapshot")
	if err := b.CreateSnapshot(ctx, vm.Node, vm.VMID, name, desc); err != nil {
		return nil, fmt.Errorf("create snapshot %s: %w", name, err)
	}
	return &Record{Node: vm.Node, VMID: vm.VMID, Name: name, Created: created}, nil
}

// Restore reverts the VM to the given record. This is the compensating
// action for a failed update; its failure is the worst outcome the system
// can produce.
func (m *Manager) Restore(ctx context.Context, host inventory.Host, rec *Record) error {
	vm := host.VM
	if vm == nil {
		return ErrNoMapping
	}
	b, err := m.backend(vm.Endpoint)
	if err != nil {
		return err
	}
	unlock := m.lockVM(rec.Node, rec.VMID)
	defer unlock()

	log.Warn().Str("host", host.Name).Str("snapshot", rec.Name).Int("vmid", rec.VMID).Msg("rolling back to snapshot")
	if err := b.RollbackSnapshot(ctx, rec.Node, rec.VMID, rec.Name); err != nil {
		return fmt.Errorf("rollback to %s: %w", rec.Name, err)
	}
	return nil
}

// Prune enforces the retention policy for the host's VM: keep the newest
// maxSnapshots matching the prefix, then drop survivors older than the
// retention window without ever deleting the last one. Individual delete
// failures are logged and skipped. Returns the number deleted.
func (m *Manager) Prune(ctx context.Context, host inventory.Host) (int, error) {
	vm := host.VM
	if vm == nil {
		return 0, ErrNoMapping
	}
	b, err := m.backend(vm.Endpoint)
	if err != nil {
		return 0, err
	}
	unlock := m.lockVM(vm.Node, vm.VMID)
	defer unlock()

	infos, err := b.ListSnapshots(ctx, vm.Node, vm.VMID)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}

	managed := m.managed(infos)
	// Newest first.
	sort.Slice(managed, func(i, j int) bool { return managed[i].Created.After(managed[j].Created) })

	maxKeep := m.policy.MaxSnapshots
	if vm.MaxSnapshots > 0 {
		maxKeep = vm.MaxSnapshots
	}

	var doomed []Info
	survivors := managed
	if len(managed) > maxKeep {
		doomed = append(doomed, managed[maxKeep:]...)
		survivors = managed[:maxKeep]
	}
	if m.policy.RetentionDays > 0 {
		cutoff := m.now().AddDate(0, 0, -m.policy.RetentionDays)
		remaining := len(survivors)
		for i := len(survivors) - 1; i >= 0; i-- {
			if remaining <= 1 {
				break // always keep one rollback point
			}
			if survivors[i].Created.Before(cutoff) {
				doomed = append(doomed, survivors[i])
				remaining--
			}
		}
	}

	deleted := 0
	for _, s := range doomed {
		if err := b.DeleteSnapshot(ctx, vm.Node, vm.VMID, s.Name); err != nil {
			log.Warn().Err(err).Str("host", host.Name).Str("snapshot", s.Name).Msg("failed to delete snapshot, continuing")
			continue
		}
		log.Info().Str("host", host.Name).Str("snapshot", s.Name).Int("vmid", vm.VMID).Msg("deleted old snapshot")
		deleted++
	}
	return deleted, nil
}

// managed filters backend snapshots down to the ones this tool owns and
// fills in missing creation times from the name suffix.
func (m *Manager) managed(infos []Info) []Info {
	prefix := m.policy.NamePrefix + "-"
	var out []Info
	for _, s := range infos {
		if !strings.HasPrefix(s.Name, prefix) {
			continue
		}
		if s.Created.IsZero() {
			t, err := time.Parse(timeLayout, strings.TrimPrefix(s.Name, prefix))
			if err != nil {
				log.Debug().Str("snapshot", s.Name).Msg("unparseable snapshot timestamp, skipping")
				continue
			}
			s.Created = t
		}
		out = append(out, s)
	}
	return out
}
