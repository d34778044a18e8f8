package pkgmgr

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeRunner matches command substrings to canned responses, first match
// wins.
type fakeRunner struct {
	rules    []fakeRule
	commands []string
}

type fakeRule struct {
	match  string
	exit   int
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, command string, _ time.Duration) (int, string, string, error) {
	f.commands = append(f.commands, command)
	for _, rule := range f.rules {
		if strings.Contains(command, rule.match) {
			return rule.exit, rule.stdout, rule.stderr, rule.err
		}
	}
	return 0, "", "", nil
}

func TestIdentifyUbuntu(t *testing.T) {
	r := &fakeRunner{rules: []fakeRule{{match: "os-release", stdout: "ID=ubuntu\nVERSION_ID=\"22.04\"\nID_LIKE=debian\n"}}}
	info, err := Identify(context.Background(), r)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if info.Kind != KindApt {
		t.Errorf("Expected apt, got %s", info.Kind)
	}
	if info.Distribution != "ubuntu" || info.Version != "22.04" {
		t.Errorf("Unexpected os info: %+v", info)
	}
}

func TestIdentifyViaIDLike(t *testing.T) {
	r := &fakeRunner{rules: []fakeRule{{match: "os-release", stdout: "ID=pop\nID_LIKE=\"ubuntu debian\"\nVERSION_ID=22.04\n"}}}
	info, err := Identify(context.Background(), r)
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if info.Kind != KindApt {
		t.Errorf("Expected apt via ID_LIKE, got %s", info.Kind)
	}
}

func TestIdentifyUnsupported(t *testing.T) {
	r := &fakeRunner{rules: []fakeRule{{match: "os-release", stdout: "ID=plan9\n"}}}
	_, err := Identify(context.Background(), r)
	var unsup *UnsupportedError
	if !errors.As(err, &unsup) {
		t.Fatalf("Expected UnsupportedError, got %v", err)
	}
}

func TestAptListAvailable(t *testing.T) {
	out := `Listing... Done
nginx/jammy-security 1.18.0-6ubuntu14.4 amd64 [upgradable from: 1.18.0-6ubuntu14.3]
curl/jammy-updates 7.81.0-1ubuntu1.15 amd64 [upgradable from: 7.81.0-1ubuntu1.14]
vim/jammy 2:8.2.3995-1ubuntu2 amd64 [upgradable from: 2:8.2.3995-1ubuntu1]
`
	r := &fakeRunner{rules: []fakeRule{{match: "apt list", stdout: out}}}
	d := &aptDriver{r: r}
	updates, err := d.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("Expected 3 updates, got %d", len(updates))
	}
	if updates[0].Name != "nginx" || !updates[0].Security {
		t.Errorf("Expected nginx security update, got %+v", updates[0])
	}
	if updates[0].Current != "1.18.0-6ubuntu14.3" || updates[0].Candidate != "1.18.0-6ubuntu14.4" {
		t.Errorf("Unexpected versions: %+v", updates[0])
	}
	if updates[2].Security {
		t.Errorf("vim from plain pocket should not be security: %+v", updates[2])
	}
}

func TestAptApplySetsApplied(t *testing.T) {
	out := "nginx/jammy-security 1.18.0-6ubuntu14.4 amd64 [upgradable from: 1.18.0-6ubuntu14.3]\n"
	r := &fakeRunner{rules: []fakeRule{{match: "apt list", stdout: out}}}
	d := &aptDriver{r: r}
	updates, err := d.ApplyAll(context.Background())
	if err != nil {
		t.Fatalf("ApplyAll failed: %v", err)
	}
	if len(updates) != 1 || !updates[0].Applied {
		t.Errorf("Expected applied update, got %+v", updates)
	}
}

func TestAptApplyFailureIsCommandError(t *testing.T) {
	r := &fakeRunner{rules: []fakeRule{{match: "apt-get upgrade", exit: 100, stderr: "dpkg was interrupted"}}}
	d := &aptDriver{r: r}
	_, err := d.ApplyAll(context.Background())
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 100 {
		t.Errorf("Expected exit 100, got %d", cmdErr.ExitCode)
	}
}

func TestRPMCheckUpdate(t *testing.T) {
	out := `
kernel.x86_64    5.14.0-362.8.1.el9_3    baseos
openssl.x86_64   1:3.0.7-24.el9          appstream

Obsoleting Packages
old-pkg.noarch   1.0                     baseos
`
	r := &fakeRunner{rules: []fakeRule{{match: "--security check-update", exit: 100, stdout: "openssl.x86_64   1:3.0.7-24.el9  appstream\n"}, {match: "check-update", exit: 100, stdout: out}}}
	d := &rpmDriver{r: r, kind: KindDnf}
	updates, err := d.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("Expected 3 updates, got %d", len(updates))
	}
	if updates[0].Name != "kernel" {
		t.Errorf("Expected kernel with arch stripped, got %q", updates[0].Name)
	}
	var openssl *Update
	for i := range updates {
		if updates[i].Name == "openssl" {
			openssl = &updates[i]
		}
	}
	if openssl == nil || !openssl.Security {
		t.Errorf("Expected openssl flagged as security, got %+v", openssl)
	}
}

func TestRPMNoUpdates(t *testing.T) {
	r := &fakeRunner{rules: []fakeRule{{match: "check-update", exit: 0}}}
	d := &rpmDriver{r: r, kind: KindYum}
	updates, err := d.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("Expected no updates, got %d", len(updates))
	}
}

func TestZypperListUpdates(t *testing.T) {
	out := `S | Repository        | Name  | Current Version | Available Version | Arch
--+-------------------+-------+-----------------+-------------------+-------
v | Main Update Repo  | bash  | 4.4-150400.25.22 | 4.4-150400.27.3  | x86_64
v | Main Update Repo  | curl  | 8.0.1-150400.5.26 | 8.0.1-150400.5.29 | x86_64
`
	r := &fakeRunner{rules: []fakeRule{{match: "list-updates", stdout: out}}}
	d := &zypperDriver{r: r}
	updates, err := d.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("Expected 2 updates, got %d", len(updates))
	}
	if updates[0].Name != "bash" || updates[0].Repository != "Main Update Repo" {
		t.Errorf("Unexpected update: %+v", updates[0])
	}
}

func TestPacmanListAvailable(t *testing.T) {
	r := &fakeRunner{rules: []fakeRule{{match: "pacman -Qu", stdout: "linux 6.6.1.arch1-1 -> 6.6.2.arch1-1\nsystemd 254.5-1 -> 254.6-1\n"}}}
	d := &pacmanDriver{r: r}
	updates, err := d.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("Expected 2 updates, got %d", len(updates))
	}
	if updates[0].Name != "linux" || updates[0].Current != "6.6.1.arch1-1" || updates[0].Candidate != "6.6.2.arch1-1" {
		t.Errorf("Unexpected update: %+v", updates[0])
	}
}

func TestPacmanNothingPending(t *testing.T) {
	r := &fakeRunner{rules: []fakeRule{{match: "pacman -Qu", exit: 1}}}
	d := &pacmanDriver{r: r}
	updates, err := d.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("Exit 1 means nothing pending, got error: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("Expected no updates, got %d", len(updates))
	}
}

func TestApkListAvailable(t *testing.T) {
	out := `Installed:                                Available:
musl-1.2.4-r2                           < 1.2.4-r3
openssl-3.1.4-r1                        < 3.1.4-r2
`
	r := &fakeRunner{rules: []fakeRule{{match: "apk version", stdout: out}}}
	d := &apkDriver{r: r}
	updates, err := d.ListAvailable(context.Background())
	if err != nil {
		t.Fatalf("ListAvailable failed: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("Expected 2 updates, got %d", len(updates))
	}
	if updates[0].Name != "musl" || updates[0].Current != "1.2.4-r2" {
		t.Errorf("Unexpected update: %+v", updates[0])
	}
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New(Kind("portage"), &fakeRunner{})
	var unsup *UnsupportedError
	if !errors.As(err, &unsup) {
		t.Fatalf("Expected UnsupportedError, got %v", err)
	}
}

func TestRunUnexpectedExit(t *testing.T) {
	r := &fakeRunner{rules: []fakeRule{{match: "failing", exit: 2, stderr: "boom"}}}
	_, _, err := run(context.Background(), r, "failing-command", time.Minute, 0, 1)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Expected CommandError, got %v", err)
	}
}
