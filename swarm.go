package hesokuri

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/runt18/hesokuri/gitrepo"
)

// Swarm wires every source hosted on this machine to the peers named in the
// configuration and drives their lifecycles together. There is no
// coordinator anywhere: each machine runs its own swarm over the same
// configuration and the branch protocol does the rest.
type Swarm struct {
	identity string
	log      *logrus.Entry
	sources  map[string]*Source
	peers    map[string]*Peer
}

// NewSwarm validates cfg, resolves the local identity, opens every source
// hosted on it (initializing repositories that do not exist yet) and creates
// one dispatch queue per peer host. A nil pusher selects the git pusher.
func NewSwarm(cfg *Config, pusher Pusher, logger *logrus.Entry) (*Swarm, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	identity, err := cfg.ResolveIdentity()
	if err != nil {
		return nil, err
	}
	if pusher == nil {
		pusher = NewGitPusher(logger)
	}

	s := &Swarm{
		identity: identity,
		log:      logger.WithField("component", "swarm"),
		sources:  make(map[string]*Source),
		peers:    make(map[string]*Peer),
	}

	localPaths := make(map[string]string)
	for _, srcCfg := range cfg.Sources {
		def, err := NewSourceDef(srcCfg)
		if err != nil {
			_ = s.Stop()
			return nil, err
		}
		path, hosted := def.PathForHost(identity)
		if !hosted {
			s.log.Debugf("Source %s is not hosted on %s, skipping", srcCfg.Name, identity)
			continue
		}
		name := srcCfg.Name
		if name == "" {
			name = filepath.Base(path)
		}
		if _, dup := s.sources[name]; dup {
			_ = s.Stop()
			return nil, fmt.Errorf("duplicate source name %q", name)
		}
		if prev, dup := localPaths[path]; dup {
			_ = s.Stop()
			return nil, fmt.Errorf("sources %s and %s share the path %s", prev, name, path)
		}
		localPaths[path] = name

		repo, err := openOrInit(path, s.log)
		if err != nil {
			_ = s.Stop()
			return nil, err
		}
		for _, host := range def.Hosts() {
			if host == identity {
				continue
			}
			if _, ok := s.peers[host]; !ok {
				s.peers[host] = NewPeer(host, pusher, logger)
			}
		}
		s.sources[name] = NewSource(name, repo, def, s.peers, identity, logger)
	}

	if len(s.sources) == 0 {
		s.log.Warnf("No sources are hosted on %s", identity)
	}
	return s, nil
}

// openOrInit opens the repository at path, initializing a fresh one when the
// path is missing or an empty directory. A new machine bootstraps this way:
// the empty repository fills up as peers push to it.
func openOrInit(path string, log *logrus.Entry) (*gitrepo.Repo, error) {
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) || (err == nil && len(entries) == 0) {
		log.Infof("Initializing repository at %s", path)
		return gitrepo.Init(path, log)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", path, err)
	}
	return gitrepo.Open(path, log)
}

// Identity returns the local host identity.
func (s *Swarm) Identity() string {
	return s.identity
}

// Sources returns the hosted sources, sorted by name.
func (s *Swarm) Sources() []*Source {
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	sources := make([]*Source, 0, len(names))
	for _, name := range names {
		sources = append(sources, s.sources[name])
	}
	return sources
}

// Source returns the named source.
func (s *Swarm) Source(name string) (*Source, bool) {
	src, ok := s.sources[name]
	return src, ok
}

// PeerHosts returns the peer identities the swarm dispatches to, sorted.
func (s *Swarm) PeerHosts() []string {
	hosts := make([]string, 0, len(s.peers))
	for host := range s.peers {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}

// Start runs an initial sync cycle on every source and begins watching their
// repositories.
func (s *Swarm) Start() error {
	var errs error
	for _, src := range s.Sources() {
		if err := src.Sync(); err != nil {
			errs = multierr.Append(errs, err)
		}
		if err := src.StartWatching(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// RunOnce runs a single sync cycle on every source without watching.
func (s *Swarm) RunOnce() error {
	var errs error
	for _, src := range s.Sources() {
		if err := src.Sync(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Stop shuts the sources down, then the peer queues. Queued pushes drain
// before Stop returns. Safe to call more than once.
func (s *Swarm) Stop() error {
	for _, src := range s.Sources() {
		src.Close()
		s.log.Infof("Stopped source %s", src.Name())
	}
	var errs error
	for _, host := range s.PeerHosts() {
		if err := s.peers[host].Close(); err != nil {
			errs = multierr.Append(errs, err)
		}
		s.log.Infof("Stopped peer %s", host)
	}
	return errs
}
