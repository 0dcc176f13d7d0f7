package hesokuri

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// GitPusher transmits planned pushes over git, from each action's source
// repository to the destination host's copy.
type GitPusher struct {
	log    *logrus.Entry
	urlFor func(PushDest) string
}

// NewGitPusher builds the production pusher. Destinations are addressed as
// ssh://host/path; a path that is already a URL is used as-is, which also
// covers same-filesystem destinations in tests and single-host layouts.
func NewGitPusher(log *logrus.Entry) *GitPusher {
	return &GitPusher{
		log:    log.WithField("component", "pusher"),
		urlFor: destURL,
	}
}

func destURL(dest PushDest) string {
	if strings.Contains(dest.Path, "://") {
		return dest.Path
	}
	return "ssh://" + dest.Host + dest.Path
}

// Push sends one branch state. The refspec pins the exact hash from the
// plan, not whatever the source ref points at by the time the worker gets
// here.
func (g *GitPusher) Push(ctx context.Context, action PushAction) error {
	refspec := fmt.Sprintf("%s:refs/heads/%s", action.Hash, action.Branch)
	if action.Force {
		refspec = "+" + refspec
	}
	url := g.urlFor(action.Dest)
	if err := action.Repo.Push(ctx, url, []string{refspec}); err != nil {
		return fmt.Errorf("failed to push %s to %s: %w", action.Branch, url, err)
	}
	return nil
}
