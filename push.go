package hesokuri

import "go.uber.org/multierr"

// PushDest names the repository a push lands in.
type PushDest struct {
	Host string
	Path string
}

// PushAction is one planned ref transmission. Dest plus Branch addresses the
// ref on the receiving side; Hash is the state being sent; Force decides
// between a forced update and a plain one the receiver may reject.
type PushAction struct {
	Repo   Repo
	Source string
	Dest   PushDest
	Branch string
	Hash   string
	Force  bool
}

// planPushes classifies every branch in the snapshot for transmission to
// peerHost. A peer the source is not defined on yields an empty plan.
// Context-bound.
//
// Local branches are forced out under this host's attribution: the qualified
// name is ours to overwrite everywhere. Copies attributed to a third host
// are forwarded as-is without force, so the receiver keeps its own newer
// state if it has one. Copies attributed to this host or to the destination
// itself carry nothing the destination needs.
func (s *Source) planPushes(peerHost string) []PushAction {
	destPath, ok := s.def.PathForHost(peerHost)
	if !ok {
		return nil
	}
	dest := PushDest{Host: peerHost, Path: destPath}

	var actions []PushAction
	for branch, hash := range s.branches {
		switch {
		case !branch.IsQualified():
			actions = append(actions, PushAction{
				Repo:   s.repo,
				Source: s.name,
				Dest:   dest,
				Branch: branch.Qualify(s.identity).String(),
				Hash:   hash,
				Force:  true,
			})
		case branch.Peer == s.identity || branch.Peer == peerHost:
			// Nothing to send: our own attribution is covered by the forced
			// push of the local branch, and the destination already owns
			// branches attributed to it.
		default:
			actions = append(actions, PushAction{
				Repo:   s.repo,
				Source: s.name,
				Dest:   dest,
				Branch: branch.String(),
				Hash:   hash,
				Force:  false,
			})
		}
	}
	return actions
}

// pushForPeer refreshes, plans and hands the resulting actions to the peer's
// dispatch queue. Submission never blocks; transmission outcome stays with
// the peer. Context-bound.
func (s *Source) pushForPeer(host string) error {
	if err := s.refresh(); err != nil {
		return err
	}
	peer, ok := s.peers[host]
	if !ok {
		s.log.Debugf("No dispatch queue for %s", host)
		return nil
	}
	for _, action := range s.planPushes(host) {
		peer.Submit(action)
	}
	return nil
}

// pushForAllPeers runs pushForPeer for every configured peer. A failure for
// one peer does not stop the others. Context-bound.
func (s *Source) pushForAllPeers() error {
	var errs error
	for host := range s.peers {
		if err := s.pushForPeer(host); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
