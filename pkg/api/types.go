package api

// v0 contains public types for early SDK usage.

// UpdateInfo is one pending or applied package update.
type UpdateInfo struct {
	Name       string `json:"name" yaml:"name"`
	Current    string `json:"current" yaml:"current"`
	Candidate  string `json:"candidate" yaml:"candidate"`
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
	Security   bool   `json:"security,omitempty" yaml:"security,omitempty"`
	Applied    bool   `json:"applied,omitempty" yaml:"applied,omitempty"`
}

// HostOutcome is the final classification of one host's run.
type HostOutcome string

const (
	HostSuccess    HostOutcome = "success"
	HostCheckOnly  HostOutcome = "check-only"
	HostRolledBack HostOutcome = "rolled-back"
	HostFailed     HostOutcome = "failed"
)

// HostReport is one host's result as emitted by --json output.
type HostReport struct {
	Name           string       `json:"name" yaml:"name"`
	Outcome        HostOutcome  `json:"outcome" yaml:"outcome"`
	Reason         string       `json:"reason,omitempty" yaml:"reason,omitempty"`
	RollbackFailed bool         `json:"rollback_failed,omitempty" yaml:"rollback_failed,omitempty"`
	OS             string       `json:"os,omitempty" yaml:"os,omitempty"`
	Updates        []UpdateInfo `json:"updates,omitempty" yaml:"updates,omitempty"`
	Snapshot       string       `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
}

// RunReport is a whole run as emitted by --json output.
type RunReport struct {
	RunID     string       `json:"run_id" yaml:"run_id"`
	CheckOnly bool         `json:"check_only" yaml:"check_only"`
	Started   string       `json:"started" yaml:"started"`
	Finished  string       `json:"finished" yaml:"finished"`
	Hosts     []HostReport `json:"hosts" yaml:"hosts"`
}
