package hesokuri

import "github.com/runt18/hesokuri/protocol"

// advanceRestartMargin pads the promotion restart budget beyond the initial
// branch count. Every successful promotion removes a peer-qualified branch
// or advances a local one, so the budget is only exhausted when something
// outside this process mutates refs faster than we converge.
const advanceRestartMargin = 16

// advance refreshes the snapshot and runs one full promotion and pruning
// cycle, or the source's override if one is installed. Mutation failures are
// absorbed per branch; only refresh failures propagate. Context-bound.
func (s *Source) advance() error {
	if err := s.refresh(); err != nil {
		return err
	}
	if s.advanceOverride != nil {
		return s.advanceOverride(s)
	}
	if err := s.promoteLiveEdits(); err != nil {
		return err
	}
	s.prune()
	return nil
}

// promoteLiveEdits promotes peer-qualified copies of live-edit branches into
// their local branches until nothing is eligible. After every successful
// repository mutation the snapshot is recomputed and the scan restarts, so
// each pass decides against current state. Context-bound.
func (s *Source) promoteLiveEdits() error {
	budget := len(s.branches) + advanceRestartMargin
	for restarts := 0; ; restarts++ {
		if restarts > budget {
			s.log.Warnf("Promotion did not settle after %d passes, leaving the rest to the next cycle", restarts)
			return nil
		}
		mutated := s.promotionPass()
		if !mutated {
			return nil
		}
		if err := s.refresh(); err != nil {
			return err
		}
	}
}

// promotionPass scans the snapshot and performs at most one promotion,
// reporting whether the repository changed.
func (s *Source) promotionPass() bool {
	for branch, hash := range s.branches {
		if !branch.IsQualified() || !s.def.IsLiveEditBranch(branch.Name) {
			continue
		}
		local := branch.Local()
		isCheckedOut := s.checkedOut != nil && *s.checkedOut == local
		if isCheckedOut && !s.clean {
			continue
		}
		if localHash, ok := s.branches[local]; ok {
			ff, err := s.repo.IsFastForward(localHash, hash, true)
			if err != nil {
				s.log.Warnf("Skipping %s: %v", branch, err)
				continue
			}
			if !ff {
				continue
			}
		}

		if isCheckedOut {
			// The local branch is what the working tree stands on, so a
			// rename would yank it out from underneath. Move the branch and
			// tree together, then retire the peer copy.
			if err := s.repo.HardReset(hash); err != nil {
				s.log.Warnf("Failed to promote %s into checked-out %s: %v", branch, local, err)
				continue
			}
			if err := s.repo.DeleteBranch(branch.String(), true); err != nil {
				s.log.Warnf("Failed to remove %s after promotion: %v", branch, err)
			}
			s.log.Infof("Promoted %s into checked-out %s (%s)", branch, local, hash)
			return true
		}
		if err := s.repo.RenameBranch(branch.String(), local.String(), true); err != nil {
			s.log.Warnf("Failed to promote %s: %v", branch, err)
			continue
		}
		s.log.Infof("Promoted %s to %s (%s)", branch, local, hash)
		return true
	}
	return false
}

// prune deletes branches the snapshot shows to be unwanted, and
// peer-qualified copies that a local branch already covers. All decisions
// come from the one snapshot; deletions of distinct branches cannot
// invalidate each other. Context-bound.
func (s *Source) prune() {
	var unwanted, superseded []protocol.BranchRef
	for branch, hash := range s.branches {
		if s.def.IsUnwantedBranch(branch.Name, hash) {
			unwanted = append(unwanted, protocol.BranchRef{Branch: branch, Hash: hash})
			continue
		}
		if !branch.IsQualified() {
			continue
		}
		localHash, ok := s.branches[branch.Local()]
		if !ok {
			continue
		}
		covered, err := s.repo.IsFastForward(hash, localHash, true)
		if err != nil {
			s.log.Warnf("Skipping %s: %v", branch, err)
			continue
		}
		if covered {
			superseded = append(superseded, protocol.BranchRef{Branch: branch, Hash: hash})
		}
	}
	s.deleteAll(unwanted, "unwanted")
	s.deleteAll(superseded, "superseded by local branch")
}

// deleteAll force-deletes the given branches, absorbing per-branch failures.
// The last hash is logged so a mistaken prune can be restored by hand.
func (s *Source) deleteAll(victims []protocol.BranchRef, reason string) {
	for _, v := range victims {
		if err := s.repo.DeleteBranch(v.Branch.String(), true); err != nil {
			s.log.Warnf("Failed to delete %s: %v", v.Branch, err)
			continue
		}
		s.log.Infof("Deleted %s (was %s): %s", v.Branch, v.Hash, reason)
	}
}
