package pkgmgr

import (
	"context"
	"regexp"
	"strings"
)

type aptDriver struct {
	r Runner
}

func (d *aptDriver) Kind() Kind { return KindApt }

func (d *aptDriver) RefreshCache(ctx context.Context) error {
	_, _, err := run(ctx, d.r, "apt-get update -qq", refreshTimeout, 0)
	return err
}

// Format: package/repo candidate arch [upgradable from: current]
var aptLineRe = regexp.MustCompile(`^([^/]+)/(\S+)\s+(\S+)\s+(\S+)(?:\s+\[upgradable from:\s+([^\]]+)\])?`)

func (d *aptDriver) ListAvailable(ctx context.Context) ([]Update, error) {
	_, stdout, err := run(ctx, d.r, `apt list --upgradable 2>/dev/null | grep -v "WARNING"`, listTimeout, 0, 1)
	if err != nil {
		return nil, err
	}
	var updates []Update
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "Listing...") {
			continue
		}
		m := aptLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		u := Update{
			Name:       m[1],
			Repository: m[2],
			Candidate:  m[3],
			Current:    m[5],
		}
		if u.Current == "" {
			u.Current = "unknown"
		}
		// Debian/Ubuntu publish security fixes through -security pockets.
		if strings.Contains(u.Repository, "-security") || strings.Contains(u.Repository, "-updates") {
			u.Security = true
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func (d *aptDriver) ApplyAll(ctx context.Context) ([]Update, error) {
	updates, err := d.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	_, _, err = run(ctx, d.r, "DEBIAN_FRONTEND=noninteractive apt-get upgrade -y", applyTimeout, 0)
	if err != nil {
		return updates, err
	}
	for i := range updates {
		updates[i].Applied = true
	}
	return updates, nil
}
