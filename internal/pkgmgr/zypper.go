package pkgmgr

import (
	"context"
	"strings"
)

type zypperDriver struct {
	r Runner
}

func (d *zypperDriver) Kind() Kind { return KindZypper }

func (d *zypperDriver) RefreshCache(ctx context.Context) error {
	_, _, err := run(ctx, d.r, "zypper --quiet refresh", refreshTimeout, 0)
	return err
}

func (d *zypperDriver) ListAvailable(ctx context.Context) ([]Update, error) {
	_, stdout, err := run(ctx, d.r, "zypper --quiet list-updates", listTimeout, 0)
	if err != nil {
		return nil, err
	}
	var updates []Update
	// Table rows look like: v | repo | name | current | candidate | arch
	for _, line := range strings.Split(stdout, "\n") {
		if !strings.HasPrefix(line, "v |") {
			continue
		}
		parts := strings.Split(line, "|")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) < 5 {
			continue
		}
		updates = append(updates, Update{
			Repository: parts[1],
			Name:       parts[2],
			Current:    parts[3],
			Candidate:  parts[4],
		})
	}
	return updates, nil
}

func (d *zypperDriver) ApplyAll(ctx context.Context) ([]Update, error) {
	updates, err := d.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	_, _, err = run(ctx, d.r, "zypper --non-interactive update", applyTimeout, 0)
	if err != nil {
		return updates, err
	}
	for i := range updates {
		updates[i].Applied = true
	}
	return updates, nil
}
