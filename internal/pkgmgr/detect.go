package pkgmgr

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// distroKinds maps os-release IDs (and ID_LIKE tokens) to a manager kind.
var distroKinds = map[string]Kind{
	"ubuntu":        KindApt,
	"debian":        KindApt,
	"linuxmint":     KindApt,
	"raspbian":      KindApt,
	"centos":        KindYum,
	"rhel":          KindYum,
	"fedora":        KindDnf,
	"rocky":         KindDnf,
	"almalinux":     KindDnf,
	"opensuse":      KindZypper,
	"opensuse-leap": KindZypper,
	"sles":          KindZypper,
	"suse":          KindZypper,
	"arch":          KindPacman,
	"manjaro":       KindPacman,
	"alpine":        KindApk,
}

// Identify probes /etc/os-release on the remote host and maps the
// distribution to a package-manager kind. Unknown systems come back as
// *UnsupportedError.
func Identify(ctx context.Context, r Runner) (OSInfo, error) {
	exit, stdout, _, err := r.Run(ctx, "cat /etc/os-release 2>/dev/null || true", 30*time.Second)
	if err != nil {
		return OSInfo{}, err
	}
	fields := parseOSRelease(stdout)
	if exit != 0 || len(fields) == 0 {
		return OSInfo{}, &UnsupportedError{Detail: "no /etc/os-release"}
	}

	info := OSInfo{
		Family:       "linux",
		Distribution: fields["ID"],
		Version:      fields["VERSION_ID"],
	}
	if kind, ok := distroKinds[strings.ToLower(fields["ID"])]; ok {
		info.Kind = kind
		return info, nil
	}
	// Derivatives usually carry their parent in ID_LIKE.
	for _, like := range strings.Fields(fields["ID_LIKE"]) {
		if kind, ok := distroKinds[strings.ToLower(like)]; ok {
			log.Debug().Str("id", fields["ID"]).Str("id_like", like).Msg("matched distribution via ID_LIKE")
			info.Kind = kind
			return info, nil
		}
	}
	return OSInfo{}, &UnsupportedError{Detail: "unrecognized distribution " + fields["ID"]}
}

func parseOSRelease(out string) map[string]string {
	fields := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			fields[k] = strings.Trim(v, `"'`)
		}
	}
	return fields
}
