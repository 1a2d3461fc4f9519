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

package chart

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	helmchart "helm.sh/helm/v3/pkg/chart"
	kerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/imgmirror/helm-image-downloader/internal/helm/chart/secureloader"
	"github.com/imgmirror/helm-image-downloader/internal/helm/repository"
)

// MaxDependencyDepth is the number of nested dependency levels resolved
// before a build fails, which stops dependency cycles.
const MaxDependencyDepth = 10

// GetChartDownloaderCallback must return a Downloader for the
// URL or an error describing why it could not be returned.
type GetChartDownloaderCallback func(url string) (repository.Downloader, error)

// DependencyManager manages dependencies for a Helm chart.
type DependencyManager struct {
	// downloaders contains a map of Downloader objects
	// indexed by their repository.NormalizeURL.
	// It is consulted as a lookup table for missing dependencies, based on
	// the (repository) URL the dependency refers to.
	downloaders map[string]repository.Downloader

	// getChartDownloaderCallback can be set to an on-demand GetChartDownloaderCallback
	// whose returned result is cached to downloaders.
	getChartDownloaderCallback GetChartDownloaderCallback

	// concurrent is the number of concurrent chart-add operations during
	// Build. Defaults to 1 (non-concurrent).
	concurrent int64

	// mu contains the lock for downloader lookups.
	mu sync.Mutex
}

// DependencyManagerOption configures an option on a DependencyManager.
type DependencyManagerOption interface {
	applyToDependencyManager(dm *DependencyManager)
}

type WithRepositories map[string]repository.Downloader

func (o WithRepositories) applyToDependencyManager(dm *DependencyManager) {
	dm.downloaders = o
}

type WithDownloaderCallback GetChartDownloaderCallback

func (o WithDownloaderCallback) applyToDependencyManager(dm *DependencyManager) {
	dm.getChartDownloaderCallback = GetChartDownloaderCallback(o)
}

type WithConcurrent int64

func (o WithConcurrent) applyToDependencyManager(dm *DependencyManager) {
	dm.concurrent = int64(o)
}

// NewDependencyManager returns a new DependencyManager configured with the given
// DependencyManagerOption list.
func NewDependencyManager(opts ...DependencyManagerOption) *DependencyManager {
	dm := &DependencyManager{}
	for _, v := range opts {
		v.applyToDependencyManager(dm)
	}
	return dm
}

// Clear iterates over the downloaders, calling Clear on all
// items. It returns an aggregate error of all Clear errors.
func (dm *DependencyManager) Clear() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var errs []error
	for _, v := range dm.downloaders {
		if v != nil {
			errs = append(errs, v.Clear())
		}
	}
	return kerrors.NewAggregate(errs)
}

// Build compiles the set of missing dependencies of the chart, and attempts
// to resolve and add them using the information from Reference. Every added
// dependency is built in turn, so the returned chart tree is complete.
// It returns the number of resolved local and remote dependencies over the
// whole tree, or an error.
func (dm *DependencyManager) Build(ctx context.Context, ref Reference, chart *helmchart.Chart) (int, error) {
	return dm.buildChart(ctx, ref, chart, 0)
}

func (dm *DependencyManager) buildChart(ctx context.Context, ref Reference, chart *helmchart.Chart, depth int) (int, error) {
	missing := collectMissing(chart.Dependencies(), requestedDependencies(chart))
	if len(missing) == 0 {
		return 0, nil
	}
	if depth >= MaxDependencyDepth {
		return 0, fmt.Errorf("chart '%s' exceeds the maximum dependency depth of %d", chart.Name(), MaxDependencyDepth)
	}

	logr.FromContextOrDiscard(ctx).V(1).Info("resolving missing dependencies",
		"chart", chart.Name(), "count", len(missing), "depth", depth)

	return dm.build(ctx, ref, chart, missing, depth)
}

// chartWithLock guards concurrent additions of dependencies to a chart.
type chartWithLock struct {
	*helmchart.Chart
	mu sync.Mutex
}

// addDependency adds ch unless a dependency with the same name is already
// present, as happens for a chart declared under several aliases.
func (c *chartWithLock) addDependency(ch *helmchart.Chart) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.Dependencies() {
		if existing.Name() == ch.Name() {
			return false
		}
	}
	c.AddDependency(ch)
	return true
}

// build adds deps to c with at most dm.concurrent dependencies in flight.
// The first failure cancels the remaining additions.
func (dm *DependencyManager) build(ctx context.Context, ref Reference, c *helmchart.Chart, deps map[string]*helmchart.Dependency, depth int) (int, error) {
	limit := dm.concurrent
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)
	parent := &chartWithLock{Chart: c}

	var resolved atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	for name, dep := range deps {
		if err := sem.Acquire(groupCtx, 1); err != nil {
			break
		}
		group.Go(func() error {
			defer sem.Release(1)
			n, err := dm.addDependency(groupCtx, ref, parent, dep, depth)
			if err != nil {
				kind := "remote"
				if isLocalDep(dep) {
					kind = "local"
				}
				return fmt.Errorf("failed to add %s dependency '%s': %w", kind, name, err)
			}
			resolved.Add(int64(n))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int(resolved.Load()), nil
}

// addDependency fetches dep, completes its own dependencies and adds it to
// parent. It returns the number of charts added to the tree.
func (dm *DependencyManager) addDependency(ctx context.Context, ref Reference, parent *chartWithLock, dep *helmchart.Dependency, depth int) (int, error) {
	var (
		ch     *helmchart.Chart
		depRef Reference
		err    error
	)
	if isLocalDep(dep) {
		localRef, ok := ref.(LocalReference)
		if !ok {
			return 0, errors.New("no local chart reference")
		}
		ch, depRef, err = dm.loadLocalDependency(localRef, dep)
	} else {
		ch, depRef, err = dm.downloadDependency(dep)
	}
	if err != nil {
		return 0, err
	}

	n, err := dm.buildChart(ctx, depRef, ch, depth+1)
	if err != nil {
		return 0, err
	}
	if parent.addDependency(ch) {
		n++
	}
	return n, nil
}

// loadLocalDependency loads a dependency from the file system. Its path is
// relative to the chart and may not leave ref.WorkDir, and its version has
// to satisfy the declared constraint.
func (dm *DependencyManager) loadLocalDependency(ref LocalReference, dep *helmchart.Dependency) (*helmchart.Chart, Reference, error) {
	p, err := dm.secureLocalChartPath(ref, dep)
	if err != nil {
		return nil, nil, err
	}
	display := strings.TrimPrefix(p, ref.WorkDir)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("no chart found at '%s' (reference '%s')", display, dep.Repository)
		}
		return nil, nil, err
	}

	constraint, err := semver.NewConstraint(dep.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid version/constraint format '%s': %w", dep.Version, err)
	}
	ch, err := secureloader.Load(ref.WorkDir, p)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load chart from '%s' (reference '%s'): %w", display, dep.Repository, err)
	}
	v, err := semver.NewVersion(ch.Metadata.Version)
	if err != nil {
		return nil, nil, err
	}
	if !constraint.Check(v) {
		return nil, nil, fmt.Errorf("can't get a valid version for constraint '%s'", dep.Version)
	}

	rel, err := filepath.Rel(ref.WorkDir, p)
	if err != nil {
		return nil, nil, err
	}
	return ch, LocalReference{WorkDir: ref.WorkDir, Path: rel}, nil
}

// downloadDependency resolves the version of dep in its repository and
// downloads it.
func (dm *DependencyManager) downloadDependency(dep *helmchart.Dependency) (*helmchart.Chart, Reference, error) {
	repo, err := dm.resolveRepository(dep.Repository)
	if err != nil {
		return nil, nil, err
	}
	cv, err := repo.GetChartVersion(dep.Name, dep.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get chart '%s' version '%s' from '%s': %w", dep.Name, dep.Version, dep.Repository, err)
	}
	res, err := repo.DownloadChart(cv)
	if err != nil {
		return nil, nil, fmt.Errorf("chart download of version '%s' failed: %w", cv.Version, err)
	}
	ch, err := secureloader.LoadArchive(res)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load downloaded archive of version '%s': %w", cv.Version, err)
	}
	return ch, RemoteReference{Name: dep.Name, Version: cv.Version}, nil
}

// resolveRepository returns the downloader for the repository url, creating
// it with the downloader callback on first use.
func (dm *DependencyManager) resolveRepository(url string) (repository.Downloader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	u := repository.NormalizeURL(url)
	if err := repository.ValidateDepURL(u); err != nil {
		return nil, err
	}
	if d, ok := dm.downloaders[u]; ok {
		return d, nil
	}
	if dm.getChartDownloaderCallback == nil {
		return nil, fmt.Errorf("no chart repository for URL '%s'", u)
	}
	d, err := dm.getChartDownloaderCallback(u)
	if err != nil {
		return nil, fmt.Errorf("failed to get chart repository for URL '%s': %w", u, err)
	}
	if dm.downloaders == nil {
		dm.downloaders = make(map[string]repository.Downloader)
	}
	dm.downloaders[u] = d
	return d, nil
}

// secureLocalChartPath returns the secure absolute path of a local dependency.
// It does not allow the dependency's path to be outside the scope of
// LocalReference.WorkDir.
func (dm *DependencyManager) secureLocalChartPath(ref LocalReference, dep *helmchart.Dependency) (string, error) {
	localUrl, err := url.Parse(dep.Repository)
	if err != nil {
		return "", fmt.Errorf("failed to parse alleged local chart reference: %w", err)
	}
	if localUrl.Scheme != "" && localUrl.Scheme != "file" {
		return "", fmt.Errorf("'%s' is not a local chart reference", dep.Repository)
	}
	return securejoin.SecureJoin(ref.WorkDir, filepath.Join(ref.Path, localUrl.Host, localUrl.Path))
}

// collectMissing returns a map with dependencies from reqs that are missing
// from current, indexed by their alias or name. All dependencies of a chart
// are present if len of returned map == 0.
func collectMissing(current []*helmchart.Chart, reqs []*helmchart.Dependency) map[string]*helmchart.Dependency {
	var missing map[string]*helmchart.Dependency
	for _, dep := range reqs {
		name := dep.Name
		if dep.Alias != "" {
			name = dep.Alias
		}
		// A vendored chart satisfies the dependency under its name and
		// under any alias.
		found := false
		for _, existing := range current {
			if existing.Name() == dep.Name || existing.Name() == name {
				found = true
				break
			}
		}
		if found {
			continue
		}
		if missing == nil {
			missing = map[string]*helmchart.Dependency{}
		}
		missing[name] = dep
	}
	return missing
}

// isLocalDep returns true if the given chart.Dependency contains a local (file) path reference.
func isLocalDep(dep *helmchart.Dependency) bool {
	return dep.Repository == "" || strings.HasPrefix(dep.Repository, "file://")
}

// FlatChart is a chart of a dependency tree with its position in the tree.
type FlatChart struct {
	// Path is the position of the chart in the tree, e.g.
	// "parent/charts/child".
	Path  string
	Chart *helmchart.Chart
}

// Flatten returns every chart of the dependency tree rooted at chart,
// depth first, with the root chart first.
func Flatten(chart *helmchart.Chart) []FlatChart {
	var out []FlatChart
	var walk func(c *helmchart.Chart, p string)
	walk = func(c *helmchart.Chart, p string) {
		out = append(out, FlatChart{Path: p, Chart: c})
		for _, dep := range c.Dependencies() {
			walk(dep, path.Join(p, "charts", dep.Name()))
		}
	}
	if chart != nil {
		walk(chart, chart.Name())
	}
	return out
}
