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

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/imgmirror/helm-image-downloader/internal/git"
	"github.com/imgmirror/helm-image-downloader/internal/helm/chart"
)

// Fetch builds the chart of src into the chart directory of the output,
// completed with all its missing dependencies.
func Fetch(ctx context.Context, src Source, opts Options) (*chart.Build, error) {
	if err := os.MkdirAll(opts.chartDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chart directory: %w", err)
	}

	dm := chart.NewDependencyManager(
		chart.WithDownloaderCallback(dependencyDownloaderCallback(src.URL, opts.Credentials, opts.RepositoryConfig)),
		chart.WithConcurrent(opts.concurrent()),
	)
	defer func() {
		if err := dm.Clear(); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "dependency manager cleanup error")
		}
	}()

	switch src.Kind {
	case SourceDirectory, SourcePackage:
		workDir, chartPath := localWorkDir(src.Path)
		return buildLocal(ctx, dm, workDir, chartPath, opts)
	case SourceGit:
		return fetchGit(ctx, dm, src, opts)
	case SourceRepository, SourceOCI:
		return fetchRemote(ctx, dm, src, opts)
	default:
		return nil, fmt.Errorf("cannot fetch a chart from %s", src)
	}
}

func fetchRemote(ctx context.Context, dm *chart.DependencyManager, src Source, opts Options) (*chart.Build, error) {
	d, err := newDownloader(src.URL, opts.Credentials)
	if err != nil {
		return nil, &chart.BuildError{Reason: chart.ErrChartPull, Err: err}
	}
	defer func() {
		if err := d.Clear(); err != nil {
			logr.FromContextOrDiscard(ctx).Error(err, "failed to clear chart repository")
		}
	}()

	p, buildOpts := buildTarget(path.Base(src.Name), opts)
	ref := chart.RemoteReference{Name: src.Name, Version: opts.Version}
	return chart.NewRemoteBuilder(d, dm).Build(ctx, ref, p, buildOpts)
}

func fetchGit(ctx context.Context, dm *chart.DependencyManager, src Source, opts Options) (*chart.Build, error) {
	log := logr.FromContextOrDiscard(ctx)

	auth, err := git.NewAuthOptions(src.URL, opts.Git.Username, opts.Git.Password, opts.Git.IdentityFile, opts.Git.CAFile)
	if err != nil {
		return nil, &chart.BuildError{Reason: chart.ErrChartPull, Err: err}
	}

	tmpDir, err := os.MkdirTemp("", "git-chart-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary working directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	gitRef := opts.Git.Reference
	if gitRef == (git.Reference{}) && opts.Version != "" {
		gitRef.SemVer = opts.Version
	}
	commit, err := git.Checkout(ctx, tmpDir, src.URL, gitRef, auth)
	if err != nil {
		return nil, &chart.BuildError{Reason: chart.ErrChartPull, Err: err}
	}
	log.Info("checked out repository", "url", src.URL, "revision", commit.String())

	chartPath := opts.Git.ChartPath
	if chartPath == "" {
		chartPath = "."
	}
	return buildLocal(ctx, dm, tmpDir, filepath.Clean(chartPath), opts)
}

func buildLocal(ctx context.Context, dm *chart.DependencyManager, workDir, chartPath string, opts Options) (*chart.Build, error) {
	ref := chart.LocalReference{WorkDir: workDir, Path: chartPath}
	if err := ref.Validate(); err != nil {
		return nil, &chart.BuildError{Reason: chart.ErrChartReference, Err: err}
	}
	meta, err := chart.LoadChartMetadata(filepath.Join(workDir, chartPath))
	if err != nil {
		return nil, &chart.BuildError{Reason: chart.ErrChartReference, Err: err}
	}

	p, buildOpts := buildTarget(meta.Name, opts)
	return chart.NewLocalBuilder(dm).Build(ctx, ref, p, buildOpts)
}

// buildTarget returns the path the chart named name is built to and the
// build options.
func buildTarget(name string, opts Options) (string, chart.BuildOptions) {
	p := filepath.Join(opts.chartDir(), name+".tgz")
	return p, chart.BuildOptions{
		ValuesFiles:              opts.ChartValues,
		IgnoreMissingValuesFiles: opts.IgnoreMissingChartValues,
	}
}

// localWorkDir splits the absolute chart path into the work directory
// local dependencies are confined to and the chart path relative to it.
// Charts below the current directory are confined to it, others to their
// parent directory.
func localWorkDir(p string) (string, string) {
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, p); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			return cwd, rel
		}
	}
	return filepath.Dir(p), filepath.Base(p)
}
