package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/patchwork/internal/config"
	"github.com/3cpo-dev/patchwork/internal/fleet"
	"github.com/3cpo-dev/patchwork/internal/history"
	"github.com/3cpo-dev/patchwork/internal/inventory"
	"github.com/3cpo-dev/patchwork/internal/pkgmgr"
	"github.com/3cpo-dev/patchwork/internal/proxmox"
	"github.com/3cpo-dev/patchwork/internal/report"
	"github.com/3cpo-dev/patchwork/internal/snapshot"
	"github.com/3cpo-dev/patchwork/internal/sshexec"
	"github.com/3cpo-dev/patchwork/internal/telemetry"
	"github.com/3cpo-dev/patchwork/pkg/api"
)

// runtime bundles everything a fleet command needs after config is loaded.
type runtime struct {
	cfg   *config.Config
	hosts []inventory.Host
	exec  *sshexec.Executor
	snaps *snapshot.Manager
}

func buildRuntime(cmd *cobra.Command) (*runtime, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	hosts, err := inventory.Load(cfg)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("inventory %s contains no hosts", cfg.Inventory.Path)
	}

	var kh = cfg.SSH.KnownHosts
	opts := sshexec.Options{
		Timeout: cfg.SSHTimeout(),
		Retries: cfg.SSH.Retries,
	}
	if kh != "" {
		if err := sshexec.EnsureKnownHostsFile(kh); err != nil {
			return nil, err
		}
		cb, err := sshexec.LoadKnownHostsCallback(kh)
		if err != nil {
			return nil, err
		}
		opts.KnownHosts = cb
	} else {
		log.Warn().Msg("no known_hosts configured, host keys will not be verified")
	}
	exec := sshexec.New(opts)

	verify := cfg.Proxmox.VerifySSL == nil || *cfg.Proxmox.VerifySSL
	factory := func(endpoint string) (snapshot.Backend, error) {
		if endpoint == "" {
			endpoint = cfg.Proxmox.Endpoint
		}
		if endpoint == "" {
			return nil, fmt.Errorf("no proxmox endpoint configured")
		}
		return proxmox.New(proxmox.Options{
			Endpoint:  endpoint,
			Username:  cfg.Proxmox.Username,
			Password:  cfg.Proxmox.Password,
			VerifySSL: verify,
			Timeout:   time.Duration(cfg.Proxmox.TimeoutSeconds) * time.Second,
		}), nil
	}
	snaps := snapshot.NewManager(factory, snapshot.Policy{
		NamePrefix:    cfg.Updates.SnapshotNamePrefix,
		MaxSnapshots:  cfg.Updates.MaxSnapshots,
		RetentionDays: cfg.Updates.SnapshotRetentionDays,
	})

	return &runtime{cfg: cfg, hosts: hosts, exec: exec, snaps: snaps}, nil
}

func sessionConfig(cfg *config.Config, checkOnly bool) fleet.SessionConfig {
	return fleet.SessionConfig{
		CheckOnly:        checkOnly,
		ApplyUpdates:     cfg.Updates.ApplyUpdates,
		Reboot:           cfg.Updates.RebootAfterUpdates,
		CleanupSnapshots: cfg.Updates.CleanupSnapshots,
		CommandTimeout:   cfg.SSHTimeout(),
		RebootTimeout:    time.Duration(cfg.Updates.RebootTimeoutSeconds) * time.Second,
		PingTimeout:      time.Duration(cfg.Updates.PingTimeoutSeconds) * time.Second,
		PingInterval:     time.Duration(cfg.Updates.PingIntervalSeconds) * time.Second,
	}
}

// filterHosts keeps only the named hosts when names were given.
func filterHosts(hosts []inventory.Host, names []string) ([]inventory.Host, error) {
	if len(names) == 0 {
		return hosts, nil
	}
	byName := make(map[string]inventory.Host, len(hosts))
	for _, h := range hosts {
		byName[h.Name] = h
	}
	out := make([]inventory.Host, 0, len(names))
	for _, n := range names {
		h, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("host %q not in inventory", n)
		}
		out = append(out, h)
	}
	return out, nil
}

func runFleet(cmd *cobra.Command, checkOnly bool, args []string) error {
	rt, err := buildRuntime(cmd)
	if err != nil {
		return err
	}
	hosts, err := filterHosts(rt.hosts, args)
	if err != nil {
		return err
	}

	collector := telemetry.NewCollector(true)
	orch := fleet.NewOrchestrator(rt.exec, rt.snaps, sessionConfig(rt.cfg, checkOnly),
		rt.cfg.Settings.Parallel, rt.cfg.HostTimeout())

	started := time.Now()
	res := orch.Run(cmd.Context(), hosts)
	collector.Timer("run_seconds", time.Since(started), nil)
	for _, h := range res.Hosts {
		collector.Counter("hosts_"+h.Outcome.String(), 1, nil)
		collector.Counter("updates_applied", float64(appliedCount(h)), nil)
	}

	if rt.cfg.Settings.CollectLogs && !checkOnly {
		collectLogs(cmd.Context(), rt, res)
	}

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		if err := json.NewEncoder(os.Stdout).Encode(toRunReport(res)); err != nil {
			return err
		}
	} else {
		reporters := report.Multi{&report.Console{Out: os.Stdout}}
		if rt.cfg.Report.SMTPServer != "" {
			reporters = append(reporters, report.NewEmail(report.EmailConfig{
				Host:     rt.cfg.Report.SMTPServer,
				Port:     rt.cfg.Report.SMTPPort,
				UseTLS:   rt.cfg.Report.UseTLS,
				Username: rt.cfg.Report.Username,
				Password: rt.cfg.Report.Password,
				From:     rt.cfg.Report.FromEmail,
				To:       rt.cfg.Report.ToEmail,
			}))
		}
		if err := reporters.Publish(cmd.Context(), res); err != nil {
			log.Error().Err(err).Msg("publishing report failed")
		}
	}

	if rt.cfg.History.Enabled {
		if err := saveHistory(cmd.Context(), rt.cfg, res); err != nil {
			log.Error().Err(err).Msg("saving run history failed")
		}
	}
	collector.Flush()

	if n := len(res.RollbackFailures()); n > 0 {
		return fmt.Errorf("%d host(s) failed and could not be rolled back", n)
	}
	if n := res.Count(fleet.OutcomeFailed); n > 0 {
		return fmt.Errorf("%d host(s) failed", n)
	}
	return nil
}

func appliedCount(h *fleet.HostResult) int {
	n := 0
	for _, u := range h.Updates {
		if u.Applied {
			n++
		}
	}
	return n
}

func saveHistory(ctx context.Context, cfg *config.Config, res *fleet.AggregateResult) error {
	path := cfg.History.Path
	if path == "" {
		path = filepath.Join(filepath.Dir(config.DefaultPath()), "history.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	store, err := history.NewStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.SaveRun(ctx, res)
}

// packageLogPath maps a package manager to its history log on the host.
func packageLogPath(kind pkgmgr.Kind) string {
	switch kind {
	case pkgmgr.KindApt:
		return "/var/log/apt/history.log"
	case pkgmgr.KindDnf:
		return "/var/log/dnf.log"
	case pkgmgr.KindYum:
		return "/var/log/yum.log"
	case pkgmgr.KindZypper:
		return "/var/log/zypp/history"
	case pkgmgr.KindPacman:
		return "/var/log/pacman.log"
	default:
		return ""
	}
}

// collectLogs pulls each updated host's package manager log for the audit
// trail. Failures only warn; the run already finished.
func collectLogs(ctx context.Context, rt *runtime, res *fleet.AggregateResult) {
	dir := rt.cfg.Settings.LogDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(config.DefaultPath()), "logs")
	}
	stamp := time.Now().Format("20060102-150405")
	for _, h := range res.Hosts {
		if h.Outcome != fleet.OutcomeSuccess || h.OS == nil {
			continue
		}
		remote := packageLogPath(h.OS.Kind)
		if remote == "" {
			continue
		}
		local := filepath.Join(dir, stamp, h.Name+filepath.Ext(remote)+".log")
		if err := rt.exec.CollectFile(ctx, h.Host, remote, local); err != nil {
			log.Warn().Str("host", h.Name).Err(err).Msg("log collection failed")
		}
	}
}

func toRunReport(res *fleet.AggregateResult) api.RunReport {
	out := api.RunReport{
		RunID:     res.RunID,
		CheckOnly: res.CheckOnly,
		Started:   res.Started.Format(time.RFC3339),
		Finished:  res.Finished.Format(time.RFC3339),
	}
	names := make([]string, 0, len(res.Hosts))
	for name := range res.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := res.Hosts[name]
		hr := api.HostReport{
			Name:           h.Name,
			Outcome:        api.HostOutcome(h.Outcome.String()),
			Reason:         h.Reason,
			RollbackFailed: h.RollbackFailed,
		}
		if h.OS != nil {
			hr.OS = h.OS.Distribution + " " + h.OS.Version
		}
		if h.Snapshot != nil {
			hr.Snapshot = h.Snapshot.Name
		}
		for _, u := range h.Updates {
			hr.Updates = append(hr.Updates, api.UpdateInfo{
				Name: u.Name, Current: u.Current, Candidate: u.Candidate,
				Repository: u.Repository, Security: u.Security, Applied: u.Applied,
			})
		}
		out.Hosts = append(out.Hosts, hr)
	}
	return out
}

// Check for updates without changing anything
func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [host...]",
		Short: "Report pending updates without applying anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFleet(cmd, true, args)
		},
	}
	cmd.Flags().Bool("json", false, "emit machine-readable JSON instead of the text report")
	return cmd
}

// Apply updates across the fleet
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [host...]",
		Short: "Snapshot, update and verify every host (or just the named ones)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFleet(cmd, false, args)
		},
	}
	cmd.Flags().Bool("json", false, "emit machine-readable JSON instead of the text report")
	return cmd
}

// Prune old snapshots without running updates
func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune [host...]",
		Short: "Delete old managed snapshots per the retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd)
			if err != nil {
				return err
			}
			hosts, err := filterHosts(rt.hosts, args)
			if err != nil {
				return err
			}
			total := 0
			for _, h := range hosts {
				if h.VM == nil {
					continue
				}
				n, err := rt.snaps.Prune(cmd.Context(), h)
				if err != nil {
					log.Warn().Str("host", h.Name).Err(err).Msg("prune failed")
					continue
				}
				total += n
			}
			fmt.Printf("deleted %d snapshot(s)\n", total)
			return nil
		},
	}
}

// Show past runs from the history database
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past runs, or one host's record with --host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			path := cfg.History.Path
			if path == "" {
				path = filepath.Join(filepath.Dir(config.DefaultPath()), "history.db")
			}
			store, err := history.NewStore(path)
			if err != nil {
				return err
			}
			defer store.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			if host, _ := cmd.Flags().GetString("host"); host != "" {
				recs, err := store.HostHistory(cmd.Context(), host, limit)
				if err != nil {
					return err
				}
				for _, r := range recs {
					fmt.Printf("%s  %-12s %-24s %3d updates  %s\n",
						r.Started.Local().Format("2006-01-02 15:04"), r.Outcome, r.OS, r.Updates, r.Reason)
				}
				return nil
			}
			runs, err := store.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				mode := "run"
				if r.CheckOnly {
					mode = "check"
				}
				fmt.Printf("%s  %-36s %-5s %3d hosts  %d failed  %d rolled back\n",
					r.Started.Local().Format("2006-01-02 15:04"), r.ID, mode, r.Hosts, r.Failed, r.RolledBack)
			}
			return nil
		},
	}
	cmd.Flags().String("host", "", "show one host's record instead of whole runs")
	cmd.Flags().Int("limit", 20, "maximum entries to show")
	return cmd
}

const exampleConfig = `inventory:
  path: hosts.yaml

ssh:
  user: root
  key_file: ~/.ssh/id_ed25519
  known_hosts: ~/.ssh/known_hosts

proxmox:
  endpoint: https://pve.example.com:8006
  username: root@pam
  # password comes from secrets.env or $PROXMOX_PASSWORD

updates:
  apply_updates: true
  reboot_after_updates: true
  cleanup_snapshots: true
  snapshot_retention_days: 7
  max_snapshots: 5

vms:
  web01:
    node: pve1
    vmid: 101

settings:
  parallel: 5
`

// Write a starter config
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "patchwork initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.DefaultPath()
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("config already exists at %s\n", path)
				return nil
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(exampleConfig), 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote starter config to %s\n", path)
			fmt.Println("edit it, create the inventory file it points at, and put PROXMOX_PASSWORD in secrets.env next to it")
			return nil
		},
	}
}
