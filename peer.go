package hesokuri

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Pusher transmits one planned push. Implementations own transport choice,
// timeouts and retries; the dispatch layer only sequences.
type Pusher interface {
	Push(ctx context.Context, action PushAction) error
}

// peerQueueSize bounds each peer's outbound queue. Submissions beyond it are
// dropped; the next sync cycle replans whatever was lost.
const peerQueueSize = 256

type pushKey struct {
	path   string
	branch string
}

// Peer owns outbound dispatch for one host: a FIFO queue drained by a single
// worker goroutine, plus a cache of the last hash delivered per destination
// ref so an unchanged branch is not resent every cycle. One Peer is shared
// by every source that syncs with the host.
type Peer struct {
	host   string
	pusher Pusher
	log    *logrus.Entry

	jobs chan PushAction
	done chan struct{}

	mu     sync.Mutex
	pushed map[pushKey]string
	closed bool
}

// NewPeer creates the dispatch queue for host and starts its worker.
func NewPeer(host string, pusher Pusher, log *logrus.Entry) *Peer {
	p := &Peer{
		host:   host,
		pusher: pusher,
		log:    log.WithField("peer", host),
		jobs:   make(chan PushAction, peerQueueSize),
		done:   make(chan struct{}),
		pushed: make(map[pushKey]string),
	}
	go p.run()
	return p
}

// Host returns the peer's identity.
func (p *Peer) Host() string {
	return p.host
}

// Submit enqueues an action for transmission. It never blocks: an action
// whose state was already delivered is skipped, and on a full queue the
// action is dropped with a warning.
func (p *Peer) Submit(action PushAction) {
	key := pushKey{path: action.Dest.Path, branch: action.Branch}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.log.Debugf("Dropping push of %s submitted after close", action.Branch)
		return
	}
	if p.pushed[key] == action.Hash {
		return
	}
	select {
	case p.jobs <- action:
	default:
		p.log.Warnf("Outbound queue full, dropping push of %s", action.Branch)
	}
}

func (p *Peer) run() {
	defer close(p.done)
	for action := range p.jobs {
		err := p.pusher.Push(context.Background(), action)
		if err != nil {
			if action.Force {
				p.log.Warnf("Failed to push %s of %s: %v", action.Branch, action.Source, err)
			} else {
				// Plain pushes are advisory; rejection means the receiver
				// already has a better state.
				p.log.Debugf("Peer declined %s of %s: %v", action.Branch, action.Source, err)
			}
			continue
		}
		p.mu.Lock()
		p.pushed[pushKey{path: action.Dest.Path, branch: action.Branch}] = action.Hash
		p.mu.Unlock()
		p.log.Debugf("Pushed %s of %s (%s)", action.Branch, action.Source, action.Hash)
	}
}

// Close stops the worker after the queued actions drain. Later submissions
// are dropped. Safe to call more than once.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	<-p.done
	return nil
}
