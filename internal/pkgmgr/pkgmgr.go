// Package pkgmgr identifies the package manager on a remote host and drives
// it through a single ListAvailable/ApplyAll contract.
package pkgmgr

import (
	"context"
	"fmt"
	"time"
)

// Kind names a supported package manager family.
type Kind string

const (
	KindApt    Kind = "apt"
	KindDnf    Kind = "dnf"
	KindYum    Kind = "yum"
	KindZypper Kind = "zypper"
	KindPacman Kind = "pacman"
	KindApk    Kind = "apk"
)

// Update is one pending (or applied) package update.
type Update struct {
	Name       string `json:"name"`
	Current    string `json:"current"`
	Candidate  string `json:"candidate"`
	Repository string `json:"repository,omitempty"`
	Security   bool   `json:"security"`
	Applied    bool   `json:"applied"`
}

// OSInfo describes the identified remote system.
type OSInfo struct {
	Family       string // linux, freebsd, ...
	Distribution string // ubuntu, rocky, alpine, ...
	Version      string
	Kind         Kind
}

func (o OSInfo) String() string {
	return fmt.Sprintf("%s %s (%s)", o.Distribution, o.Version, o.Kind)
}

// Runner executes a command on one already-identified host. Implemented by
// the fleet layer on top of the SSH executor.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (exit int, stdout, stderr string, err error)
}

// Driver is the capability contract every package manager satisfies.
type Driver interface {
	Kind() Kind
	// RefreshCache updates the package metadata cache.
	RefreshCache(ctx context.Context) error
	// ListAvailable returns pending updates, security-marked where the
	// manager can tell.
	ListAvailable(ctx context.Context) ([]Update, error)
	// ApplyAll installs every available update non-interactively and
	// returns the list with applied flags set. A non-zero exit surfaces
	// as *CommandError.
	ApplyAll(ctx context.Context) ([]Update, error)
}

// UnsupportedError reports a host whose OS or package manager is not
// recognized. Such hosts are never updated.
type UnsupportedError struct {
	Detail string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported system: %s", e.Detail)
}

// CommandError reports a remote command that ran but exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q exited %d: %s", e.Command, e.ExitCode, truncate(e.Stderr, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const (
	refreshTimeout = 5 * time.Minute
	listTimeout    = 2 * time.Minute
	applyTimeout   = 30 * time.Minute
)

type factory func(Runner) Driver

var registry = map[Kind]factory{
	KindApt:    func(r Runner) Driver { return &aptDriver{r: r} },
	KindDnf:    func(r Runner) Driver { return &rpmDriver{r: r, kind: KindDnf} },
	KindYum:    func(r Runner) Driver { return &rpmDriver{r: r, kind: KindYum} },
	KindZypper: func(r Runner) Driver { return &zypperDriver{r: r} },
	KindPacman: func(r Runner) Driver { return &pacmanDriver{r: r} },
	KindApk:    func(r Runner) Driver { return &apkDriver{r: r} },
}

// New returns the driver for a kind, or *UnsupportedError.
func New(kind Kind, r Runner) (Driver, error) {
	f, ok := registry[kind]
	if !ok {
		return nil, &UnsupportedError{Detail: fmt.Sprintf("no driver for package manager %q", kind)}
	}
	return f(r), nil
}

// run is the shared helper: exec errors pass through, non-zero exits outside
// okCodes become *CommandError.
func run(ctx context.Context, r Runner, command string, timeout time.Duration, okCodes ...int) (int, string, error) {
	exit, stdout, stderr, err := r.Run(ctx, command, timeout)
	if err != nil {
		return exit, stdout, err
	}
	for _, ok := range okCodes {
		if exit == ok {
			return exit, stdout, nil
		}
	}
	return exit, stdout, &CommandError{Command: command, ExitCode: exit, Stderr: stderr}
}
