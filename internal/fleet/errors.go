package fleet

import (
	"context"
	"errors"

	"github.com/3cpo-dev/patchwork/internal/pkgmgr"
	"github.com/3cpo-dev/patchwork/internal/proxmox"
	"github.com/3cpo-dev/patchwork/internal/sshexec"
)

// Failure reasons carried into HostResult.Reason. Each names the phase or
// fault that ended the run, not the mechanism behind it.
const (
	ReasonUnreachable      = "host unreachable"
	ReasonUnsupported      = "unsupported system"
	ReasonCacheRefresh     = "package cache refresh failed"
	ReasonListFailed       = "listing updates failed"
	ReasonSnapshotFailed   = "snapshot creation failed"
	ReasonApplyFailed      = "applying updates failed"
	ReasonRebootFailed     = "reboot command failed"
	ReasonVerifyTimeout    = "host did not come back after reboot"
	ReasonRollbackFailed   = "rollback failed"
	ReasonDeadlineExceeded = "host deadline exceeded"
)

// describe renders an error for result reasons and logs, preferring the
// typed faults over raw text.
func describe(err error) string {
	var connErr *sshexec.ConnectivityError
	var unsupErr *pkgmgr.UnsupportedError
	var cmdErr *pkgmgr.CommandError
	var apiErr *proxmox.APIError
	switch {
	case errors.As(err, &connErr):
		return connErr.Error()
	case errors.As(err, &unsupErr):
		return unsupErr.Error()
	case errors.As(err, &cmdErr):
		return cmdErr.Error()
	case errors.As(err, &apiErr):
		return apiErr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	case err == nil:
		return ""
	default:
		return err.Error()
	}
}

// connectivity reports whether the error means we could not reach the host
// at all, as opposed to a command failing on it.
func connectivity(err error) bool {
	var connErr *sshexec.ConnectivityError
	return errors.As(err, &connErr)
}
