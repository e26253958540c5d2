package benchwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
)

// A RepoRef identifies the watched repository by its owner and name.
type RepoRef struct {
	Owner string // The user or organization owning the repository
	Name  string // The name of the repository
}

// ParseRepo parses a repository given either as "owner/name" or as a full
// github URL into a [RepoRef].
func ParseRepo(s string) (RepoRef, error) {
	trimmed := strings.TrimSuffix(s, ".git")
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	trimmed = strings.TrimPrefix(trimmed, "github.com/")
	trimmed = strings.Trim(trimmed, "/")

	owner, name, found := strings.Cut(trimmed, "/")
	if !found || owner == "" || name == "" || strings.Contains(name, "/") {
		return RepoRef{}, fmt.Errorf("%q is not a valid repository, expected owner/name", s)
	}
	return RepoRef{Owner: owner, Name: name}, nil
}

// CloneURL returns the https URL under which the repository is cloned and polled.
func (r RepoRef) CloneURL() string {
	return fmt.Sprintf("https://github.com/%s/%s.git", r.Owner, r.Name)
}

func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// A Fetcher keeps a clone of the watched repository and materializes the
// source trees of single commits for use as container build contexts.
type Fetcher struct {
	repo RepoRef

	clonePath string // The path to the initial clone which checkouts copy from

	log *logrus.Entry
}

// NewFetcher clones the repository into a temporary directory.
func NewFetcher(repo RepoRef, log *logrus.Entry) (*Fetcher, error) {
	clonePath, err := os.MkdirTemp("", "")
	if err != nil {
		return nil, err
	}

	log.Infof("Cloning repository %s...", repo)
	if out, err := exec.Command("git", "clone", repo.CloneURL(), clonePath).CombinedOutput(); err != nil {
		os.RemoveAll(clonePath)
		return nil, errors.Join(fmt.Errorf("git clone of repository %s at %s failed, output: %s", repo, clonePath, out), err)
	}

	return &Fetcher{
		repo:      repo,
		clonePath: clonePath,
		log:       log,
	}, nil
}

// Head returns the hash of the commit the repository's default branch
// currently points to.
func (f *Fetcher) Head(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "git", "ls-remote", f.repo.CloneURL(), "HEAD").Output()
	if err != nil {
		return "", errors.Join(fmt.Errorf("git ls-remote of %s failed", f.repo), err)
	}

	hash := parseLsRemoteHead(string(out))
	if hash == "" {
		return "", fmt.Errorf("unexpected git ls-remote output for %s: %q", f.repo, out)
	}
	return hash, nil
}

// parseLsRemoteHead extracts the commit hash from ls-remote output of the form
// "<hash>\tHEAD\n". It returns an empty string if the output has another shape.
func parseLsRemoteHead(out string) string {
	line, _, _ := strings.Cut(out, "\n")
	hash, _, found := strings.Cut(line, "\t")
	if !found {
		return ""
	}
	return strings.TrimSpace(hash)
}

// Checkout produces a working copy of the repository pinned to the passed
// commit and returns its path. The returned cleanup function removes the copy
// again.
func (f *Fetcher) Checkout(ctx context.Context, commit string) (string, func(), error) {
	// Make sure the commit is present in the clone
	cmd := exec.CommandContext(ctx, "git", "fetch", "--all", "--tags")
	cmd.Dir = f.clonePath
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", nil, errors.Join(fmt.Errorf("git fetch at %s failed, output: %s", f.clonePath, out), err)
	}

	dir, err := os.MkdirTemp("", "")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }

	if err := copy.Copy(f.clonePath, dir, copy.Options{Specials: true}); err != nil {
		cleanup()
		return "", nil, errors.Join(fmt.Errorf("copying clone of %s to %s failed", f.repo, dir), err)
	}

	// Checkout the commit
	cmd = exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("git add . && git reset --hard %s", commit))
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", nil, errors.Join(fmt.Errorf("git checkout of hash %s at %s failed, output: %s", commit, dir, out), err)
	}

	// Update all submodules
	cmd = exec.CommandContext(ctx, "git", "submodule", "update", "--init", "--recursive")
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		cleanup()
		return "", nil, errors.Join(fmt.Errorf("git submodule update at %s failed, output: %s", dir, out), err)
	}

	f.log.Debugf("Checked out commit %s at %s", commit, dir)

	return dir, cleanup, nil
}

// Close removes the fetcher's clone.
func (f *Fetcher) Close() error {
	return os.RemoveAll(f.clonePath)
}
