package hesokuri

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/runt18/hesokuri/protocol"
)

// ErrSourceClosed is returned by operations submitted after Close.
var ErrSourceClosed = errors.New("source is closed")

// Repo is the repository substrate a source operates on. gitrepo.Repo is the
// production implementation.
type Repo interface {
	Path() string
	Branches() (map[string]string, error)
	WorkingAreaClean() (bool, error)
	CheckedOutBranch() (name string, ok bool, err error)
	IsFastForward(ancestor, descendant string, allowEqual bool) (bool, error)
	RenameBranch(oldName, newName string, allowOverwrite bool) error
	DeleteBranch(name string, force bool) error
	HardReset(hash string) error
	Push(ctx context.Context, remoteURL string, refspecs []string) error
	WatchRefsHeads(onChange func()) (stop func(), err error)
}

// AdvanceFunc replaces the built-in promotion and pruning pass of one
// source. It runs on the source's execution context and may use every method
// marked as context-bound.
type AdvanceFunc func(*Source) error

// Source binds one repository to its sync policy and peers. All state below
// the queue is owned by the source's serialized execution context: the
// branch snapshot, clean flag and checked-out branch are recomputed by
// refresh and are stale after any repository mutation until the next
// refresh.
type Source struct {
	name     string
	repo     Repo
	def      *SourceDef
	peers    map[string]*Peer
	identity string
	log      *logrus.Entry

	queue *serialQueue

	branches   map[protocol.Branch]string
	clean      bool
	checkedOut *protocol.Branch

	advanceOverride AdvanceFunc
	stopWatch       func()
}

// NewSource builds a source. peers maps host identities to their dispatch
// queues; it is shared across sources and never mutated here.
func NewSource(name string, repo Repo, def *SourceDef, peers map[string]*Peer, identity string, log *logrus.Entry) *Source {
	slog := log.WithField("source", name)
	return &Source{
		name:     name,
		repo:     repo,
		def:      def,
		peers:    peers,
		identity: identity,
		log:      slog,
		queue:    newSerialQueue(slog),
	}
}

// SetAdvanceOverride installs a replacement for the built-in advance logic.
// Must be called before the source starts processing.
func (s *Source) SetAdvanceOverride(fn AdvanceFunc) {
	s.advanceOverride = fn
}

// Name returns the source's log label.
func (s *Source) Name() string {
	return s.name
}

// Repo returns the underlying repository handle. Context-bound.
func (s *Source) Repo() Repo {
	return s.repo
}

// Def returns the source's policy. Context-bound.
func (s *Source) Def() *SourceDef {
	return s.def
}

// Branches returns a copy of the branch snapshot from the last refresh.
// Context-bound.
func (s *Source) Branches() map[protocol.Branch]string {
	out := make(map[protocol.Branch]string, len(s.branches))
	for b, h := range s.branches {
		out[b] = h
	}
	return out
}

// WorkingAreaClean reports the snapshot's clean flag. Context-bound.
func (s *Source) WorkingAreaClean() bool {
	return s.clean
}

// CheckedOutBranch returns the snapshot's checked-out branch. ok is false
// when HEAD is detached or absent. Context-bound.
func (s *Source) CheckedOutBranch() (protocol.Branch, bool) {
	if s.checkedOut == nil {
		return protocol.Branch{}, false
	}
	return *s.checkedOut, true
}

// Refresh recomputes the snapshot from the repository.
func (s *Source) Refresh() error {
	return s.doSync(s.refresh)
}

// Advance runs one promotion and pruning cycle.
func (s *Source) Advance() error {
	return s.doSync(s.advance)
}

// PushForPeer replans and dispatches pushes of this source to one peer.
func (s *Source) PushForPeer(host string) error {
	return s.doSync(func() error { return s.pushForPeer(host) })
}

// PushForAllPeers replans and dispatches pushes to every configured peer.
func (s *Source) PushForAllPeers() error {
	return s.doSync(s.pushForAllPeers)
}

// Sync runs a full cycle: advance, then push to all peers.
func (s *Source) Sync() error {
	return s.doSync(s.sync)
}

// StartWatching begins re-running Sync whenever the repository's branch refs
// change.
func (s *Source) StartWatching() error {
	return s.doSync(s.startWatching)
}

// StopWatching cancels the ref watch. Idempotent. A cycle already enqueued
// may still run; no new one will be triggered after this returns.
func (s *Source) StopWatching() error {
	return s.doSync(func() error {
		s.stopWatching()
		return nil
	})
}

// Close stops watching and shuts down the execution context, draining tasks
// already submitted. Peers are shared and stay up.
func (s *Source) Close() {
	_ = s.doSync(func() error {
		s.stopWatching()
		return nil
	})
	s.queue.Close()
}

func (s *Source) doSync(task func() error) error {
	var err error
	if !s.queue.DoSync(func() { err = task() }) {
		return ErrSourceClosed
	}
	return err
}

// refresh recomputes the branch snapshot, clean flag and checked-out branch.
// Context-bound.
func (s *Source) refresh() error {
	raw, err := s.repo.Branches()
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", s.name, err)
	}
	clean, err := s.repo.WorkingAreaClean()
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", s.name, err)
	}
	name, ok, err := s.repo.CheckedOutBranch()
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", s.name, err)
	}

	branches := make(map[protocol.Branch]string, len(raw))
	for ref, hash := range raw {
		branches[protocol.ParseBranch(ref)] = hash
	}
	s.branches = branches
	s.clean = clean
	if ok {
		b := protocol.ParseBranch(name)
		s.checkedOut = &b
	} else {
		s.checkedOut = nil
	}
	return nil
}

// sync is the watch-triggered cycle. Context-bound.
func (s *Source) sync() error {
	if err := s.advance(); err != nil {
		return err
	}
	return s.pushForAllPeers()
}

// startWatching replaces any previous watch with a fresh one. Context-bound.
func (s *Source) startWatching() error {
	s.stopWatching()
	if err := s.refresh(); err != nil {
		return err
	}
	stop, err := s.repo.WatchRefsHeads(func() {
		s.queue.Do(func() {
			if err := s.sync(); err != nil {
				s.log.Errorf("Sync cycle failed: %v", err)
			}
		})
	})
	if err != nil {
		return fmt.Errorf("failed to start watching %s: %w", s.name, err)
	}
	s.stopWatch = stop
	s.log.Infof("Watching %s", s.repo.Path())
	return nil
}

// stopWatching is the context-bound half of StopWatching.
func (s *Source) stopWatching() {
	if s.stopWatch == nil {
		return
	}
	s.stopWatch()
	s.stopWatch = nil
	s.log.Infof("Stopped watching %s", s.repo.Path())
}
