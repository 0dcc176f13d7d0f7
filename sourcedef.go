package hesokuri

import (
	"fmt"
	"path/filepath"

	"github.com/runt18/hesokuri/protocol"
)

// SourceDef is the per-source policy consulted by the sync engine: where the
// source lives on each host, which branches may be auto-promoted, and which
// branch states should be removed on sight.
type SourceDef struct {
	hostToPath map[string]string

	// liveEditOnly, when non-nil, is the exact allow set. Otherwise every
	// branch not in liveEditExcept is live-edit.
	liveEditOnly   map[string]bool
	liveEditExcept map[string]bool

	// unwanted maps a branch name to the set of hashes that identify the
	// doomed state. A rebuilt branch under the same name with a new hash is
	// left alone.
	unwanted map[string]map[string]bool
}

// NewSourceDef validates and builds a SourceDef from its configuration.
func NewSourceDef(cfg SourceConfig) (*SourceDef, error) {
	if len(cfg.HostToPath) == 0 {
		return nil, fmt.Errorf("source %s: host-to-path must name at least one host", cfg.Name)
	}
	def := &SourceDef{
		hostToPath: make(map[string]string, len(cfg.HostToPath)),
		unwanted:   make(map[string]map[string]bool, len(cfg.UnwantedBranches)),
	}
	for host, path := range cfg.HostToPath {
		if host == "" {
			return nil, fmt.Errorf("source %s: empty host", cfg.Name)
		}
		if protocol.ContainsMarker(host) {
			return nil, fmt.Errorf("source %s: host %q contains the attribution marker", cfg.Name, host)
		}
		if !filepath.IsAbs(path) {
			return nil, fmt.Errorf("source %s: path %q for host %s is not absolute", cfg.Name, path, host)
		}
		def.hostToPath[host] = path
	}

	sel := cfg.LiveEditBranches
	switch {
	case sel == nil:
		def.liveEditOnly = map[string]bool{"master": true}
	case len(sel.Only) > 0 && len(sel.Except) > 0:
		return nil, fmt.Errorf("source %s: live-edit-branches cannot set both only and except", cfg.Name)
	case len(sel.Only) > 0:
		def.liveEditOnly = make(map[string]bool, len(sel.Only))
		for _, name := range sel.Only {
			if err := checkBranchName(cfg.Name, name); err != nil {
				return nil, err
			}
			def.liveEditOnly[name] = true
		}
	default:
		def.liveEditExcept = make(map[string]bool, len(sel.Except))
		for _, name := range sel.Except {
			if err := checkBranchName(cfg.Name, name); err != nil {
				return nil, err
			}
			def.liveEditExcept[name] = true
		}
	}

	for name, hashes := range cfg.UnwantedBranches {
		if err := checkBranchName(cfg.Name, name); err != nil {
			return nil, err
		}
		if len(hashes) == 0 {
			return nil, fmt.Errorf("source %s: unwanted branch %s lists no hashes", cfg.Name, name)
		}
		set := make(map[string]bool, len(hashes))
		for _, h := range hashes {
			set[h] = true
		}
		def.unwanted[name] = set
	}
	return def, nil
}

func checkBranchName(source, name string) error {
	if name == "" {
		return fmt.Errorf("source %s: empty branch name", source)
	}
	if protocol.ContainsMarker(name) {
		return fmt.Errorf("source %s: branch %q contains the attribution marker", source, name)
	}
	return nil
}

// IsLiveEditBranch reports whether peer copies of the named branch may be
// promoted into the local branch automatically.
func (d *SourceDef) IsLiveEditBranch(name string) bool {
	if d.liveEditOnly != nil {
		return d.liveEditOnly[name]
	}
	return !d.liveEditExcept[name]
}

// IsUnwantedBranch reports whether the given branch state should be deleted
// wherever it appears.
func (d *SourceDef) IsUnwantedBranch(name, hash string) bool {
	return d.unwanted[name][hash]
}

// PathForHost returns the source's repository path on the given host.
func (d *SourceDef) PathForHost(host string) (string, bool) {
	path, ok := d.hostToPath[host]
	return path, ok
}

// Hosts returns every host this source is defined on.
func (d *SourceDef) Hosts() []string {
	hosts := make([]string, 0, len(d.hostToPath))
	for host := range d.hostToPath {
		hosts = append(hosts, host)
	}
	return hosts
}
