package pkgmgr

import (
	"context"
	"strings"
)

type pacmanDriver struct {
	r Runner
}

func (d *pacmanDriver) Kind() Kind { return KindPacman }

func (d *pacmanDriver) RefreshCache(ctx context.Context) error {
	_, _, err := run(ctx, d.r, "pacman -Sy", refreshTimeout, 0)
	return err
}

func (d *pacmanDriver) ListAvailable(ctx context.Context) ([]Update, error) {
	// pacman -Qu exits 1 when nothing is pending.
	exit, stdout, err := run(ctx, d.r, "pacman -Qu", listTimeout, 0, 1)
	if err != nil {
		return nil, err
	}
	if exit == 1 {
		return nil, nil
	}
	var updates []Update
	// Lines look like: name current -> candidate
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		left, right, ok := strings.Cut(line, "->")
		if !ok {
			continue
		}
		fields := strings.Fields(strings.TrimSpace(left))
		u := Update{Candidate: strings.TrimSpace(right), Current: "unknown"}
		if len(fields) >= 2 {
			u.Name = fields[0]
			u.Current = fields[1]
		} else if len(fields) == 1 {
			u.Name = fields[0]
		} else {
			continue
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func (d *pacmanDriver) ApplyAll(ctx context.Context) ([]Update, error) {
	updates, err := d.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	_, _, err = run(ctx, d.r, "pacman -Su --noconfirm", applyTimeout, 0)
	if err != nil {
		return updates, err
	}
	for i := range updates {
		updates[i].Applied = true
	}
	return updates, nil
}
