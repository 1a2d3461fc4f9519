/*
Copyright 2021 The Flux authors
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

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/otiai10/copy"
	helmchart "helm.sh/helm/v3/pkg/chart"

	"github.com/imgmirror/helm-image-downloader/internal/helm/chart/secureloader"
)

type localChartBuilder struct {
	dm *DependencyManager
}

// NewLocalBuilder returns a Builder for LocalReference charts. Missing
// dependencies are added with dm; without dm a chart directory must not
// miss any.
func NewLocalBuilder(dm *DependencyManager) Builder {
	return &localChartBuilder{dm: dm}
}

// Build writes the chart at the LocalReference to p. A package that needs neither
// values merged nor dependencies added is copied byte for byte; anything
// else is loaded and packaged.
func (b *localChartBuilder) Build(ctx context.Context, ref Reference, p string, opts BuildOptions) (*Build, error) {
	localRef, ok := ref.(LocalReference)
	if !ok {
		return nil, &BuildError{Reason: ErrChartReference, Err: errors.New("expected local chart reference")}
	}
	if err := ref.Validate(); err != nil {
		return nil, &BuildError{Reason: ErrChartReference, Err: err}
	}

	chartPath, err := securejoin.SecureJoin(localRef.WorkDir, localRef.Path)
	if err != nil {
		return nil, &BuildError{Reason: ErrChartReference, Err: err}
	}
	meta, err := LoadChartMetadata(chartPath)
	if err == nil {
		err = meta.Validate()
	}
	if err != nil {
		return nil, &BuildError{Reason: ErrChartReference, Err: err}
	}

	result := &Build{Name: meta.Name, Version: meta.Version}

	isDir := pathIsDir(chartPath)
	if !isDir && len(opts.GetValuesFiles()) == 0 && b.dm == nil {
		return b.copyPackage(chartPath, p, result)
	}

	c, err := secureloader.Load(localRef.WorkDir, localRef.Path)
	if err != nil {
		return result, &BuildError{Reason: ErrChartPackage, Err: err}
	}

	merge := func(paths []string, ignoreMissing bool) (map[string]interface{}, []string, error) {
		if isDir {
			return mergeFileValues(chartPath, paths, ignoreMissing)
		}
		return mergeChartValues(c, paths, ignoreMissing)
	}
	// Local dependencies of a package resolve inside the package.
	var depRef Reference
	if isDir {
		depRef = localRef
	}
	changed, err := mergeAndResolve(ctx, b.dm, depRef, c, merge, opts, result)
	if err != nil {
		return result, err
	}
	if b.dm == nil && isDir && len(collectMissing(c.Dependencies(), requestedDependencies(c))) > 0 {
		err = errors.New("local chart builder requires dependency manager for unpackaged charts")
		return result, &BuildError{Reason: ErrDependencyBuild, Err: err}
	}

	if !isDir && !changed {
		return b.copyPackage(chartPath, p, result)
	}
	if err = packageToPath(c, p); err != nil {
		return result, &BuildError{Reason: ErrChartPackage, Err: err}
	}
	result.Path = p
	result.Packaged = true
	return result, nil
}

func (b *localChartBuilder) copyPackage(src, dst string, result *Build) (*Build, error) {
	if err := copy.Copy(src, dst); err != nil {
		return result, &BuildError{Reason: ErrChartPull, Err: err}
	}
	result.Path = dst
	return result, nil
}

// requestedDependencies returns the dependencies the chart declares, with
// the lock file taking precedence over the metadata.
func requestedDependencies(c *helmchart.Chart) []*helmchart.Dependency {
	if c.Lock != nil {
		return c.Lock.Dependencies
	}
	return c.Metadata.Dependencies
}
