package pkgmgr

import (
	"context"
	"strings"
)

type apkDriver struct {
	r Runner
}

func (d *apkDriver) Kind() Kind { return KindApk }

func (d *apkDriver) RefreshCache(ctx context.Context) error {
	_, _, err := run(ctx, d.r, "apk update", refreshTimeout, 0)
	return err
}

func (d *apkDriver) ListAvailable(ctx context.Context) ([]Update, error) {
	_, stdout, err := run(ctx, d.r, `apk version -l '<'`, listTimeout, 0)
	if err != nil {
		return nil, err
	}
	var updates []Update
	// Lines look like: name-1.2.3-r0 < 1.2.4-r0
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		if strings.HasPrefix(line, "Installed:") {
			continue
		}
		left, right, ok := strings.Cut(line, "<")
		if !ok {
			continue
		}
		name, current := splitApkNameVersion(strings.TrimSpace(left))
		updates = append(updates, Update{
			Name:      name,
			Current:   current,
			Candidate: strings.TrimSpace(right),
		})
	}
	return updates, nil
}

// splitApkNameVersion separates name-1.2.3-r0 into name and version. The
// version starts at the first dash followed by a digit.
func splitApkNameVersion(s string) (string, string) {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '-' && s[i+1] >= '0' && s[i+1] <= '9' {
			return s[:i], s[i+1:]
		}
	}
	return s, "unknown"
}

func (d *apkDriver) ApplyAll(ctx context.Context) ([]Update, error) {
	updates, err := d.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	_, _, err = run(ctx, d.r, "apk upgrade", applyTimeout, 0)
	if err != nil {
		return updates, err
	}
	for i := range updates {
		updates[i].Applied = true
	}
	return updates, nil
}
