// Package gitrepo wraps a local git repository with the operations the sync
// engine needs: branch snapshots, worktree status, ancestry checks, branch
// mutation and pushing. All operations go through go-git.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/sirupsen/logrus"
)

// ErrBranchExists is returned by RenameBranch when the destination name is
// taken and overwriting was not requested.
var ErrBranchExists = errors.New("branch already exists")

// ErrBranchNotMerged is returned by DeleteBranch without force when the
// branch is not an ancestor of the current HEAD.
var ErrBranchNotMerged = errors.New("branch is not fully merged")

// ErrBranchCheckedOut is returned by DeleteBranch when the branch is the one
// HEAD points at. Deleting it would orphan the working tree.
var ErrBranchCheckedOut = errors.New("branch is checked out")

// remoteName is used for the throwaway remotes created per push.
const remoteName = "hesokuri"

// Repo is a handle on a local repository.
type Repo struct {
	path   string
	gitDir string
	repo   *git.Repository
	log    *logrus.Entry
}

// Open opens an existing repository at path. The path must be the repository
// root (the directory holding .git, or the git dir itself for a bare repo).
func Open(path string, log *logrus.Entry) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", path, err)
	}
	return newRepo(path, repo, log), nil
}

// Init creates a new non-bare repository at path, creating the directory if
// needed.
func Init(path string, log *logrus.Entry) (*Repo, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to init repository %s: %w", path, err)
	}
	return newRepo(path, repo, log), nil
}

func newRepo(path string, repo *git.Repository, log *logrus.Entry) *Repo {
	gitDir := path
	if fi, err := os.Stat(filepath.Join(path, git.GitDirName)); err == nil && fi.IsDir() {
		gitDir = filepath.Join(path, git.GitDirName)
	}
	return &Repo{
		path:   path,
		gitDir: gitDir,
		repo:   repo,
		log:    log.WithField("repo", path),
	}
}

// Path returns the repository root path.
func (r *Repo) Path() string {
	return r.path
}

// Branches returns a snapshot of all local branch heads, keyed by short ref
// name (e.g. "master", "feature/x").
func (r *Repo) Branches() (map[string]string, error) {
	iter, err := r.repo.References()
	if err != nil {
		return nil, fmt.Errorf("failed to list references: %w", err)
	}
	defer iter.Close()

	branches := make(map[string]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if !ref.Name().IsBranch() || ref.Type() != plumbing.HashReference {
			return nil
		}
		branches[ref.Name().Short()] = ref.Hash().String()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk references: %w", err)
	}
	return branches, nil
}

// WorkingAreaClean reports whether the worktree and index carry no
// uncommitted changes. A bare repository is always clean.
func (r *Repo) WorkingAreaClean() (bool, error) {
	wt, err := r.repo.Worktree()
	if errors.Is(err, git.ErrIsBareRepository) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to get worktree status: %w", err)
	}
	return status.IsClean(), nil
}

// CheckedOutBranch returns the short name of the branch HEAD points at. The
// branch need not exist yet (unborn HEAD on a fresh repository still counts
// as checked out). ok is false when HEAD is detached or absent.
func (r *Repo) CheckedOutBranch() (name string, ok bool, err error) {
	head, err := r.repo.Storer.Reference(plumbing.HEAD)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head.Type() != plumbing.SymbolicReference || !head.Target().IsBranch() {
		return "", false, nil
	}
	return head.Target().Short(), true, nil
}

// IsFastForward reports whether descendant can be reached from ancestor by
// commit parentage alone. Equal hashes are answered by allowEqual without
// touching the object store.
func (r *Repo) IsFastForward(ancestor, descendant string, allowEqual bool) (bool, error) {
	if ancestor == descendant {
		return allowEqual, nil
	}
	ancCommit, err := r.repo.CommitObject(plumbing.NewHash(ancestor))
	if err != nil {
		return false, fmt.Errorf("failed to resolve commit %s: %w", ancestor, err)
	}
	descCommit, err := r.repo.CommitObject(plumbing.NewHash(descendant))
	if err != nil {
		return false, fmt.Errorf("failed to resolve commit %s: %w", descendant, err)
	}
	return ancCommit.IsAncestor(descCommit)
}

// SetBranch points the named branch at hash, creating it if needed.
func (r *Repo) SetBranch(name, hash string) error {
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), plumbing.NewHash(hash))
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("failed to set branch %s: %w", name, err)
	}
	return nil
}

// RenameBranch renames oldName to newName. With allowOverwrite the
// destination is replaced if it exists, otherwise ErrBranchExists is
// returned. A HEAD that points at oldName follows the rename.
func (r *Repo) RenameBranch(oldName, newName string, allowOverwrite bool) error {
	oldRef := plumbing.NewBranchReferenceName(oldName)
	newRef := plumbing.NewBranchReferenceName(newName)

	ref, err := r.repo.Reference(oldRef, false)
	if err != nil {
		return fmt.Errorf("failed to resolve branch %s: %w", oldName, err)
	}
	if !allowOverwrite {
		if _, err := r.repo.Reference(newRef, false); err == nil {
			return fmt.Errorf("failed to rename %s to %s: %w", oldName, newName, ErrBranchExists)
		}
	}
	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(newRef, ref.Hash())); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", newName, err)
	}
	if head, err := r.repo.Storer.Reference(plumbing.HEAD); err == nil {
		if head.Type() == plumbing.SymbolicReference && head.Target() == oldRef {
			if err := r.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, newRef)); err != nil {
				return fmt.Errorf("failed to retarget HEAD to %s: %w", newName, err)
			}
		}
	}
	if err := r.repo.Storer.RemoveReference(oldRef); err != nil {
		return fmt.Errorf("failed to remove branch %s: %w", oldName, err)
	}
	return nil
}

// DeleteBranch removes the named branch. The branch HEAD points at cannot be
// deleted, and without force the branch must be an ancestor of the current
// HEAD commit, mirroring git's merged check.
func (r *Repo) DeleteBranch(name string, force bool) error {
	refName := plumbing.NewBranchReferenceName(name)
	ref, err := r.repo.Reference(refName, false)
	if err != nil {
		return fmt.Errorf("failed to resolve branch %s: %w", name, err)
	}
	if head, err := r.repo.Storer.Reference(plumbing.HEAD); err == nil &&
		head.Type() == plumbing.SymbolicReference && head.Target() == refName {
		return fmt.Errorf("failed to delete %s: %w", name, ErrBranchCheckedOut)
	}
	if !force {
		head, err := r.repo.Head()
		if err != nil {
			return fmt.Errorf("failed to resolve HEAD for merged check: %w", err)
		}
		merged, err := r.IsFastForward(ref.Hash().String(), head.Hash().String(), true)
		if err != nil {
			return err
		}
		if !merged {
			return fmt.Errorf("failed to delete %s: %w", name, ErrBranchNotMerged)
		}
	}
	if err := r.repo.Storer.RemoveReference(refName); err != nil {
		return fmt.Errorf("failed to delete branch %s: %w", name, err)
	}
	return nil
}

// HardReset moves the checked-out branch to hash and resets the worktree and
// index to match. On an unborn branch the branch ref is created first so the
// reset has something to stand on.
func (r *Repo) HardReset(hash string) error {
	commit := plumbing.NewHash(hash)
	if _, err := r.repo.CommitObject(commit); err != nil {
		return fmt.Errorf("failed to resolve commit %s: %w", hash, err)
	}
	head, err := r.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return fmt.Errorf("failed to read HEAD: %w", err)
	}
	if head.Type() == plumbing.SymbolicReference && head.Target().IsBranch() {
		if _, err := r.repo.Reference(head.Target(), false); errors.Is(err, plumbing.ErrReferenceNotFound) {
			if err := r.repo.Storer.SetReference(plumbing.NewHashReference(head.Target(), commit)); err != nil {
				return fmt.Errorf("failed to seed unborn branch %s: %w", head.Target().Short(), err)
			}
		}
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: commit}); err != nil {
		return fmt.Errorf("failed to hard reset to %s: %w", hash, err)
	}
	return nil
}

// Push sends the given refspecs to remoteURL using a throwaway remote. A
// push with nothing to update is not an error.
func (r *Repo) Push(ctx context.Context, remoteURL string, refspecs []string) error {
	specs := make([]config.RefSpec, 0, len(refspecs))
	for _, s := range refspecs {
		spec := config.RefSpec(s)
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("invalid refspec %q: %w", s, err)
		}
		specs = append(specs, spec)
	}
	remote := git.NewRemote(r.repo.Storer, &config.RemoteConfig{
		Name: remoteName,
		URLs: []string{remoteURL},
	})
	err := remote.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   specs,
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to push to %s: %w", remoteURL, err)
	}
	return nil
}
