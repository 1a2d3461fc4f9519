/*
Copyright 2020 The Flux authors
Copyright 2026 The helm-image-downloader Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package git

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	extgogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-logr/logr"

	"github.com/fluxcd/pkg/version"
)

// Commit is the checked out revision.
type Commit struct {
	// Hash is the SHA1 hash of the commit.
	Hash string
	// Reference is the branch or tag the commit was selected by, empty
	// for commit checkouts.
	Reference string
	// When is the committer timestamp.
	When time.Time
}

// String returns the revision in the format '<reference>/<hash>', or
// 'HEAD/<hash>' without a reference.
func (c *Commit) String() string {
	if c.Reference == "" {
		return "HEAD/" + c.Hash
	}
	return fmt.Sprintf("%s/%s", c.Reference, c.Hash)
}

// CheckoutStrategy clones a repository into path and checks out a
// revision.
type CheckoutStrategy interface {
	Checkout(ctx context.Context, path, url string, auth *AuthOptions) (*Commit, error)
}

// CheckoutStrategyForRef returns the CheckoutStrategy for the Reference.
func CheckoutStrategyForRef(ref Reference) CheckoutStrategy {
	switch {
	case ref.Commit != "":
		return &CheckoutCommit{branch: ref.Branch, commit: ref.Commit}
	case ref.SemVer != "":
		return &CheckoutSemVer{semVer: ref.SemVer}
	case ref.Tag != "":
		return &CheckoutTag{tag: ref.Tag}
	default:
		return &CheckoutBranch{branch: ref.Branch}
	}
}

// Checkout clones url into path at the given Reference.
func Checkout(ctx context.Context, path, url string, ref Reference, auth *AuthOptions) (*Commit, error) {
	logr.FromContextOrDiscard(ctx).V(1).Info("cloning git repository", "url", url, "ref", ref.String())
	return CheckoutStrategyForRef(ref).Checkout(ctx, path, url, auth)
}

type CheckoutBranch struct {
	branch string
}

func (c *CheckoutBranch) Checkout(ctx context.Context, path, url string, opts *AuthOptions) (*Commit, error) {
	authMethod, err := transportAuth(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to construct auth method with options: %w", err)
	}
	cloneOpts := &extgogit.CloneOptions{
		URL:          url,
		Auth:         authMethod,
		RemoteName:   DefaultOrigin,
		SingleBranch: true,
		Depth:        1,
		Tags:         extgogit.NoTags,
		CABundle:     caBundle(opts),
	}
	if c.branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(c.branch)
	}
	repo, err := extgogit.PlainCloneContext(ctx, path, false, cloneOpts)
	if err != nil {
		return nil, fmt.Errorf("unable to clone '%s': %w", url, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("git resolve HEAD error: %w", err)
	}
	return headCommit(repo, head.Hash(), head.Name().Short())
}

type CheckoutTag struct {
	tag string
}

func (c *CheckoutTag) Checkout(ctx context.Context, path, url string, opts *AuthOptions) (*Commit, error) {
	authMethod, err := transportAuth(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to construct auth method with options: %w", err)
	}
	repo, err := extgogit.PlainCloneContext(ctx, path, false, &extgogit.CloneOptions{
		URL:           url,
		Auth:          authMethod,
		RemoteName:    DefaultOrigin,
		ReferenceName: plumbing.NewTagReferenceName(c.tag),
		SingleBranch:  true,
		Depth:         1,
		Tags:          extgogit.NoTags,
		CABundle:      caBundle(opts),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to clone '%s': %w", url, err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("git resolve HEAD error: %w", err)
	}
	hash, err := peel(repo, head.Hash())
	if err != nil {
		return nil, fmt.Errorf("git resolve tag '%s' error: %w", c.tag, err)
	}
	return headCommit(repo, hash, c.tag)
}

type CheckoutCommit struct {
	branch string
	commit string
}

func (c *CheckoutCommit) Checkout(ctx context.Context, path, url string, opts *AuthOptions) (*Commit, error) {
	authMethod, err := transportAuth(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to construct auth method with options: %w", err)
	}
	cloneOpts := &extgogit.CloneOptions{
		URL:        url,
		Auth:       authMethod,
		RemoteName: DefaultOrigin,
		Tags:       extgogit.NoTags,
		CABundle:   caBundle(opts),
	}
	if c.branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(c.branch)
		cloneOpts.SingleBranch = true
	}
	repo, err := extgogit.PlainCloneContext(ctx, path, false, cloneOpts)
	if err != nil {
		return nil, fmt.Errorf("unable to clone '%s': %w", url, err)
	}
	w, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("git worktree error: %w", err)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(c.commit))
	if err != nil {
		return nil, fmt.Errorf("git commit '%s' not found: %w", c.commit, err)
	}
	if err = w.Checkout(&extgogit.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return nil, fmt.Errorf("git checkout error: %w", err)
	}
	return headCommit(repo, *hash, c.branch)
}

type CheckoutSemVer struct {
	semVer string
}

func (c *CheckoutSemVer) Checkout(ctx context.Context, path, url string, opts *AuthOptions) (*Commit, error) {
	verConstraint, err := semver.NewConstraint(c.semVer)
	if err != nil {
		return nil, fmt.Errorf("semver parse range error: %w", err)
	}

	authMethod, err := transportAuth(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to construct auth method with options: %w", err)
	}
	repo, err := extgogit.PlainCloneContext(ctx, path, false, &extgogit.CloneOptions{
		URL:        url,
		Auth:       authMethod,
		RemoteName: DefaultOrigin,
		NoCheckout: true,
		Tags:       extgogit.AllTags,
		CABundle:   caBundle(opts),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to clone '%s': %w", url, err)
	}

	repoTags, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("git list tags error: %w", err)
	}

	tags := make(map[string]plumbing.Hash)
	tagTimestamps := make(map[string]time.Time)
	if err = repoTags.ForEach(func(t *plumbing.Reference) error {
		hash, err := repo.ResolveRevision(plumbing.Revision(t.Name().String()))
		if err != nil {
			return fmt.Errorf("unable to resolve tag revision: %w", err)
		}
		commit, err := repo.CommitObject(*hash)
		if err != nil {
			return fmt.Errorf("unable to resolve commit of a tag revision: %w", err)
		}
		tags[t.Name().Short()] = *hash
		tagTimestamps[t.Name().Short()] = commit.Committer.When
		return nil
	}); err != nil {
		return nil, err
	}

	var matchedVersions semver.Collection
	for tag := range tags {
		v, err := version.ParseVersion(tag)
		if err != nil {
			continue
		}
		if !verConstraint.Check(v) {
			continue
		}
		matchedVersions = append(matchedVersions, v)
	}
	if len(matchedVersions) == 0 {
		return nil, fmt.Errorf("no match found for semver: %s", c.semVer)
	}

	sort.SliceStable(matchedVersions, func(i, j int) bool {
		left := matchedVersions[i]
		right := matchedVersions[j]

		if !left.Equal(right) {
			return left.LessThan(right)
		}

		// Versions that differ only by build metadata are ordered by the
		// commit time of the tag target.
		return tagTimestamps[left.Original()].Before(tagTimestamps[right.Original()])
	})
	t := matchedVersions[len(matchedVersions)-1].Original()

	w, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("git worktree error: %w", err)
	}
	if err = w.Checkout(&extgogit.CheckoutOptions{Hash: tags[t], Force: true}); err != nil {
		return nil, fmt.Errorf("git checkout error: %w", err)
	}
	return headCommit(repo, tags[t], t)
}

// peel returns the commit an annotated tag object points to, or hash
// itself when it is not a tag object.
func peel(repo *extgogit.Repository, hash plumbing.Hash) (plumbing.Hash, error) {
	tag, err := repo.TagObject(hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return hash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, err
	}
	commit, err := tag.Commit()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return commit.Hash, nil
}

func headCommit(repo *extgogit.Repository, hash plumbing.Hash, ref string) (*Commit, error) {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("git commit '%s' not found: %w", hash, err)
	}
	return &Commit{
		Hash:      commit.Hash.String(),
		Reference: ref,
		When:      commit.Committer.When,
	}, nil
}
