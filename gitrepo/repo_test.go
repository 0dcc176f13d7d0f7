package gitrepo

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func initTestRepo(t *testing.T) *Repo {
	t.Helper()
	repo, err := Init(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return repo
}

func commitFile(t *testing.T, r *Repo, name, content, msg string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(r.Path(), name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree failed: %v", err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	return hash.String()
}

func checkoutNew(t *testing.T, r *Repo, branch, hash string) {
	t.Helper()
	wt, err := r.repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree failed: %v", err)
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Hash:   plumbing.NewHash(hash),
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	})
	if err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
}

func TestInitAndOpen(t *testing.T) {
	r := initTestRepo(t)
	h := commitFile(t, r, "a.txt", "one", "first")

	reopened, err := Open(r.Path(), testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	branches, err := reopened.Branches()
	if err != nil {
		t.Fatalf("Branches failed: %v", err)
	}
	if branches["master"] != h {
		t.Errorf("Expected master at %s, got %s", h, branches["master"])
	}
}

func TestBranchesSnapshot(t *testing.T) {
	r := initTestRepo(t)
	h := commitFile(t, r, "a.txt", "one", "first")

	if err := r.SetBranch("feature/x", h); err != nil {
		t.Fatalf("SetBranch failed: %v", err)
	}
	branches, err := r.Branches()
	if err != nil {
		t.Fatalf("Branches failed: %v", err)
	}
	if len(branches) != 2 {
		t.Fatalf("Expected 2 branches, got %d (%v)", len(branches), branches)
	}
	if branches["feature/x"] != h {
		t.Errorf("Expected feature/x at %s, got %s", h, branches["feature/x"])
	}
}

func TestWorkingAreaClean(t *testing.T) {
	r := initTestRepo(t)
	commitFile(t, r, "a.txt", "one", "first")

	clean, err := r.WorkingAreaClean()
	if err != nil {
		t.Fatalf("WorkingAreaClean failed: %v", err)
	}
	if !clean {
		t.Error("Expected clean worktree after commit")
	}

	if err := os.WriteFile(filepath.Join(r.Path(), "b.txt"), []byte("two"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	clean, err = r.WorkingAreaClean()
	if err != nil {
		t.Fatalf("WorkingAreaClean failed: %v", err)
	}
	if clean {
		t.Error("Expected dirty worktree with untracked file")
	}
}

func TestCheckedOutBranch(t *testing.T) {
	r := initTestRepo(t)

	// Unborn HEAD still names the branch.
	name, ok, err := r.CheckedOutBranch()
	if err != nil {
		t.Fatalf("CheckedOutBranch failed: %v", err)
	}
	if !ok || name != "master" {
		t.Errorf("Expected master checked out on fresh repo, got %q ok=%v", name, ok)
	}

	h := commitFile(t, r, "a.txt", "one", "first")
	name, ok, err = r.CheckedOutBranch()
	if err != nil {
		t.Fatalf("CheckedOutBranch failed: %v", err)
	}
	if !ok || name != "master" {
		t.Errorf("Expected master checked out, got %q ok=%v", name, ok)
	}

	// Detached HEAD has no checked-out branch.
	err = r.repo.Storer.SetReference(plumbing.NewHashReference(plumbing.HEAD, plumbing.NewHash(h)))
	if err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	_, ok, err = r.CheckedOutBranch()
	if err != nil {
		t.Fatalf("CheckedOutBranch failed: %v", err)
	}
	if ok {
		t.Error("Expected no checked-out branch on detached HEAD")
	}
}

func TestIsFastForward(t *testing.T) {
	r := initTestRepo(t)
	h1 := commitFile(t, r, "a.txt", "one", "first")
	h2 := commitFile(t, r, "a.txt", "two", "second")

	// Diverged line from h1.
	checkoutNew(t, r, "side", h1)
	h3 := commitFile(t, r, "b.txt", "three", "third")

	cases := []struct {
		ancestor, descendant string
		allowEqual           bool
		want                 bool
	}{
		{h1, h2, false, true},
		{h2, h1, false, false},
		{h1, h1, false, false},
		{h1, h1, true, true},
		{h2, h3, true, false},
		{h3, h2, true, false},
	}
	for _, c := range cases {
		got, err := r.IsFastForward(c.ancestor, c.descendant, c.allowEqual)
		if err != nil {
			t.Fatalf("IsFastForward(%s, %s) failed: %v", c.ancestor, c.descendant, err)
		}
		if got != c.want {
			t.Errorf("IsFastForward(%s, %s, %v) = %v, want %v", c.ancestor, c.descendant, c.allowEqual, got, c.want)
		}
	}
}

func TestIsFastForwardUnknownCommit(t *testing.T) {
	r := initTestRepo(t)
	h1 := commitFile(t, r, "a.txt", "one", "first")

	_, err := r.IsFastForward(h1, "0123456789012345678901234567890123456789", false)
	if err == nil {
		t.Error("Expected error for unknown commit")
	}
}

func TestRenameBranch(t *testing.T) {
	r := initTestRepo(t)
	h1 := commitFile(t, r, "a.txt", "one", "first")
	h2 := commitFile(t, r, "a.txt", "two", "second")

	if err := r.SetBranch("src", h1); err != nil {
		t.Fatalf("SetBranch failed: %v", err)
	}
	if err := r.RenameBranch("src", "dst", false); err != nil {
		t.Fatalf("RenameBranch failed: %v", err)
	}
	branches, _ := r.Branches()
	if _, ok := branches["src"]; ok {
		t.Error("Expected src to be gone after rename")
	}
	if branches["dst"] != h1 {
		t.Errorf("Expected dst at %s, got %s", h1, branches["dst"])
	}

	// Without overwrite the rename must refuse to clobber.
	if err := r.SetBranch("src2", h2); err != nil {
		t.Fatalf("SetBranch failed: %v", err)
	}
	err := r.RenameBranch("src2", "dst", false)
	if !errors.Is(err, ErrBranchExists) {
		t.Errorf("Expected ErrBranchExists, got %v", err)
	}

	// With overwrite it replaces the destination.
	if err := r.RenameBranch("src2", "dst", true); err != nil {
		t.Fatalf("RenameBranch with overwrite failed: %v", err)
	}
	branches, _ = r.Branches()
	if branches["dst"] != h2 {
		t.Errorf("Expected dst at %s after overwrite, got %s", h2, branches["dst"])
	}
}

func TestRenameBranchMovesHEAD(t *testing.T) {
	r := initTestRepo(t)
	commitFile(t, r, "a.txt", "one", "first")

	if err := r.RenameBranch("master", "main", false); err != nil {
		t.Fatalf("RenameBranch failed: %v", err)
	}
	name, ok, err := r.CheckedOutBranch()
	if err != nil {
		t.Fatalf("CheckedOutBranch failed: %v", err)
	}
	if !ok || name != "main" {
		t.Errorf("Expected HEAD to follow rename to main, got %q ok=%v", name, ok)
	}
}

func TestDeleteBranch(t *testing.T) {
	r := initTestRepo(t)
	h1 := commitFile(t, r, "a.txt", "one", "first")
	commitFile(t, r, "a.txt", "two", "second")

	// Merged branch deletes without force.
	if err := r.SetBranch("old", h1); err != nil {
		t.Fatalf("SetBranch failed: %v", err)
	}
	if err := r.DeleteBranch("old", false); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}

	// A diverged branch needs force.
	checkoutNew(t, r, "side", h1)
	commitFile(t, r, "b.txt", "three", "third")
	wt, _ := r.repo.Worktree()
	if err := wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName("master")}); err != nil {
		t.Fatalf("Checkout failed: %v", err)
	}
	err := r.DeleteBranch("side", false)
	if !errors.Is(err, ErrBranchNotMerged) {
		t.Errorf("Expected ErrBranchNotMerged, got %v", err)
	}
	if err := r.DeleteBranch("side", true); err != nil {
		t.Fatalf("Forced DeleteBranch failed: %v", err)
	}
	branches, _ := r.Branches()
	if _, ok := branches["side"]; ok {
		t.Error("Expected side to be gone after forced delete")
	}

	// The checked-out branch is protected even from a forced delete.
	if err := r.DeleteBranch("master", true); !errors.Is(err, ErrBranchCheckedOut) {
		t.Errorf("Expected ErrBranchCheckedOut, got %v", err)
	}
}

func TestDeleteMissingBranch(t *testing.T) {
	r := initTestRepo(t)
	commitFile(t, r, "a.txt", "one", "first")

	if err := r.DeleteBranch("ghost", true); err == nil {
		t.Error("Expected error deleting a missing branch")
	}
}

func TestHardReset(t *testing.T) {
	r := initTestRepo(t)
	h1 := commitFile(t, r, "a.txt", "one", "first")
	commitFile(t, r, "a.txt", "two", "second")

	// Local edits are discarded by the reset.
	if err := os.WriteFile(filepath.Join(r.Path(), "a.txt"), []byte("dirty"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := r.HardReset(h1); err != nil {
		t.Fatalf("HardReset failed: %v", err)
	}
	branches, _ := r.Branches()
	if branches["master"] != h1 {
		t.Errorf("Expected master at %s, got %s", h1, branches["master"])
	}
	content, err := os.ReadFile(filepath.Join(r.Path(), "a.txt"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != "one" {
		t.Errorf("Expected worktree content restored to %q, got %q", "one", string(content))
	}
	clean, err := r.WorkingAreaClean()
	if err != nil {
		t.Fatalf("WorkingAreaClean failed: %v", err)
	}
	if !clean {
		t.Error("Expected clean worktree after hard reset")
	}
}

func TestHardResetUnbornBranch(t *testing.T) {
	r := initTestRepo(t)
	h1 := commitFile(t, r, "a.txt", "one", "first")

	// HEAD points at a branch that does not exist yet; the reset must give
	// birth to it.
	err := r.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("fresh")))
	if err != nil {
		t.Fatalf("SetReference failed: %v", err)
	}
	if err := r.HardReset(h1); err != nil {
		t.Fatalf("HardReset on unborn branch failed: %v", err)
	}
	branches, _ := r.Branches()
	if branches["fresh"] != h1 {
		t.Errorf("Expected fresh at %s, got %s", h1, branches["fresh"])
	}
}

func TestPushToBareRepo(t *testing.T) {
	if _, err := exec.LookPath("git-receive-pack"); err != nil {
		t.Skip("git-receive-pack not available")
	}

	src := initTestRepo(t)
	h1 := commitFile(t, src, "a.txt", "one", "first")
	h2 := commitFile(t, src, "a.txt", "two", "second")

	destDir := t.TempDir()
	if _, err := git.PlainInit(destDir, true); err != nil {
		t.Fatalf("PlainInit failed: %v", err)
	}

	ctx := context.Background()
	err := src.Push(ctx, destDir, []string{"+" + h2 + ":refs/heads/master_hesokr_alice"})
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	dest, err := git.PlainOpen(destDir)
	if err != nil {
		t.Fatalf("PlainOpen failed: %v", err)
	}
	ref, err := dest.Reference(plumbing.NewBranchReferenceName("master_hesokr_alice"), false)
	if err != nil {
		t.Fatalf("Reference failed: %v", err)
	}
	if ref.Hash().String() != h2 {
		t.Errorf("Expected pushed ref at %s, got %s", h2, ref.Hash().String())
	}

	// Pushing the same state again is not an error.
	if err := src.Push(ctx, destDir, []string{"+" + h2 + ":refs/heads/master_hesokr_alice"}); err != nil {
		t.Fatalf("Repeated push failed: %v", err)
	}

	// A plain push that would rewind must be rejected by the receiver.
	if err := src.Push(ctx, destDir, []string{h1 + ":refs/heads/master_hesokr_alice"}); err == nil {
		t.Error("Expected non-fast-forward plain push to fail")
	}

	// A force push may rewind.
	if err := src.Push(ctx, destDir, []string{"+" + h1 + ":refs/heads/master_hesokr_alice"}); err != nil {
		t.Fatalf("Force push failed: %v", err)
	}
	ref, err = dest.Reference(plumbing.NewBranchReferenceName("master_hesokr_alice"), false)
	if err != nil {
		t.Fatalf("Reference failed: %v", err)
	}
	if ref.Hash().String() != h1 {
		t.Errorf("Expected rewound ref at %s, got %s", h1, ref.Hash().String())
	}
}

func TestOpenMissingRepo(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nowhere"), testLogger())
	if err == nil {
		t.Error("Expected error opening a missing repository")
	}
}
