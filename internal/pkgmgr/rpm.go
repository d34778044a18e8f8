package pkgmgr

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
)

// rpmDriver covers dnf and yum; the commands differ only by binary name and
// both use exit code 100 to signal "updates available".
type rpmDriver struct {
	r    Runner
	kind Kind
}

func (d *rpmDriver) Kind() Kind { return d.kind }

func (d *rpmDriver) bin() string { return string(d.kind) }

func (d *rpmDriver) RefreshCache(ctx context.Context) error {
	cmd := d.bin() + " clean all && " + d.bin() + " makecache"
	_, _, err := run(ctx, d.r, cmd, refreshTimeout, 0)
	return err
}

func (d *rpmDriver) ListAvailable(ctx context.Context) ([]Update, error) {
	exit, stdout, err := run(ctx, d.r, d.bin()+" check-update --quiet", listTimeout, 0, 100)
	if err != nil {
		return nil, err
	}
	if exit == 0 {
		return nil, nil
	}
	updates := parseCheckUpdate(stdout)
	d.markSecurity(ctx, updates)
	return updates, nil
}

// parseCheckUpdate handles "name.arch  version  repo" lines.
func parseCheckUpdate(out string) []Update {
	var updates []Update
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Loaded plugins") || strings.HasPrefix(line, "Loading mirror") ||
			strings.HasPrefix(line, "Obsoleting") || strings.HasPrefix(line, "Last metadata") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		updates = append(updates, Update{
			Name:       stripArch(parts[0]),
			Current:    "installed",
			Candidate:  parts[1],
			Repository: parts[2],
		})
	}
	return updates
}

func stripArch(nameArch string) string {
	if i := strings.LastIndexByte(nameArch, '.'); i > 0 {
		return nameArch[:i]
	}
	return nameArch
}

// markSecurity cross-references the --security variant; the plugin may be
// missing, so failures only log.
func (d *rpmDriver) markSecurity(ctx context.Context, updates []Update) {
	exit, stdout, _, err := d.r.Run(ctx, d.bin()+" --security check-update --quiet", listTimeout)
	if err != nil || exit != 100 {
		if err != nil {
			log.Debug().Err(err).Str("kind", string(d.kind)).Msg("security update check unavailable")
		}
		return
	}
	security := map[string]bool{}
	for _, u := range parseCheckUpdate(stdout) {
		security[u.Name] = true
	}
	for i := range updates {
		if security[updates[i].Name] {
			updates[i].Security = true
		}
	}
}

func (d *rpmDriver) ApplyAll(ctx context.Context) ([]Update, error) {
	updates, err := d.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	_, _, err = run(ctx, d.r, d.bin()+" update -y", applyTimeout, 0)
	if err != nil {
		return updates, err
	}
	for i := range updates {
		updates[i].Applied = true
	}
	return updates, nil
}
