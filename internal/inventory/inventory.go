package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/patchwork/internal/config"
)

// VMRef ties a host to its VM in the virtualization backend.
type VMRef struct {
	Node         string
	VMID         int
	Endpoint     string // optional per-node API endpoint override
	MaxSnapshots int    // optional per-VM snapshot quota, 0 = policy default
}

// Host is the immutable per-host descriptor built once per run.
type Host struct {
	Name    string
	Addr    string
	Port    int
	User    string
	KeyPath string
	OptOut  bool
	VM      *VMRef
	Vars    map[string]string
}

// Address returns host:port suitable for dialing.
func (h Host) Address() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", h.Addr, port)
}

// Load parses an inventory file and decorates the hosts with VM mappings and
// opt-out flags from the configuration.
func Load(cfg *config.Config) ([]Host, error) {
	hosts, err := Parse(cfg.Inventory.Path)
	if err != nil {
		return nil, err
	}
	for i := range hosts {
		h := &hosts[i]
		if h.User == "" {
			h.User = cfg.SSH.User
		}
		if h.Port == 0 {
			h.Port = cfg.SSH.Port
		}
		if h.KeyPath == "" {
			h.KeyPath = cfg.SSH.KeyFile
		}
		h.OptOut = cfg.OptOut(h.Name)
		if vm, ok := cfg.VMs[h.Name]; ok {
			h.VM = &VMRef{
				Node:         vm.Node,
				VMID:         vm.VMID,
				Endpoint:     vm.Endpoint,
				MaxSnapshots: vm.MaxSnapshots,
			}
		}
	}
	return hosts, nil
}

// Parse reads an Ansible-style inventory. YAML is detected by extension,
// anything else falls through to the INI host-line format.
func Parse(path string) ([]Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return parseYAML(data)
	default:
		if hosts, err := parseYAML(data); err == nil && len(hosts) > 0 {
			return hosts, nil
		}
		return parseINI(data)
	}
}

type yamlGroup struct {
	Hosts    map[string]map[string]any `yaml:"hosts"`
	Children map[string]yamlGroup      `yaml:"children"`
}

func parseYAML(data []byte) ([]Host, error) {
	var root map[string]yamlGroup
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse yaml inventory: %w", err)
	}
	seen := map[string]bool{}
	var hosts []Host
	var walk func(g yamlGroup)
	walk = func(g yamlGroup) {
		for name, vars := range g.Hosts {
			if seen[name] {
				continue
			}
			seen[name] = true
			hosts = append(hosts, hostFromVars(name, vars))
		}
		for _, child := range g.Children {
			walk(child)
		}
	}
	if all, ok := root["all"]; ok {
		walk(all)
	} else {
		// Legacy format: groups are top-level keys.
		for _, g := range root {
			walk(g)
		}
	}
	return hosts, nil
}

func hostFromVars(name string, vars map[string]any) Host {
	h := Host{Name: name, Addr: name, Vars: map[string]string{}}
	for k, v := range vars {
		h.Vars[k] = fmt.Sprintf("%v", v)
	}
	if v, ok := h.Vars["ansible_host"]; ok {
		h.Addr = v
	}
	if v, ok := h.Vars["ansible_port"]; ok {
		if p, err := strconv.Atoi(v); err == nil {
			h.Port = p
		}
	}
	if v, ok := h.Vars["ansible_user"]; ok {
		h.User = v
	} else if v, ok := h.Vars["ansible_ssh_user"]; ok {
		h.User = v
	}
	if v, ok := h.Vars["ansible_ssh_private_key_file"]; ok {
		h.KeyPath = v
	}
	return h
}

func parseINI(data []byte) ([]Host, error) {
	var hosts []Host
	group := ""
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			group = line[1 : len(line)-1]
			continue
		}
		if strings.Contains(group, ":vars") {
			continue
		}
		if h, ok := parseINIHostLine(line); ok {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// parseINIHostLine handles "hostname key=value key2=value2" host entries.
func parseINIHostLine(line string) (Host, bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Host{}, false
	}
	name := parts[0]
	port := 0
	if i := strings.LastIndexByte(name, ':'); i > 0 {
		if p, err := strconv.Atoi(name[i+1:]); err == nil {
			port = p
			name = name[:i]
		}
	}
	vars := map[string]string{}
	for _, part := range parts[1:] {
		if k, v, ok := strings.Cut(part, "="); ok {
			vars[k] = v
		}
	}
	h := hostFromVars(name, nil)
	h.Vars = vars
	h.Port = port
	if v, ok := vars["ansible_host"]; ok {
		h.Addr = v
	}
	if v, ok := vars["ansible_port"]; ok {
		if p, err := strconv.Atoi(v); err == nil {
			h.Port = p
		}
	}
	if v, ok := vars["ansible_user"]; ok {
		h.User = v
	} else if v, ok := vars["ansible_ssh_user"]; ok {
		h.User = v
	}
	if v, ok := vars["ansible_ssh_private_key_file"]; ok {
		h.KeyPath = v
	}
	return h, true
}
