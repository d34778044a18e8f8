package sshexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/patchwork/internal/inventory"
)

// CollectFile downloads a remote file over SFTP into localPath, creating
// parent directories as needed. Used to pull package-manager history logs
// off updated hosts for auditing.
func (e *Executor) CollectFile(ctx context.Context, host inventory.Host, remotePath, localPath string) error {
	cfg, err := e.clientConfig(host)
	if err != nil {
		return err
	}
	cli, err := dial(ctx, host.Address(), cfg)
	if err != nil {
		return &ConnectivityError{Host: host.Name, Err: err}
	}
	defer cli.Close()

	sc, err := sftp.NewClient(cli)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sc.Close()

	src, err := sc.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local: %w", err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", remotePath, err)
	}
	log.Debug().Str("host", host.Name).Str("remote", remotePath).Int64("bytes", n).Msg("collected remote file")
	return nil
}
