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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	helmchart "helm.sh/helm/v3/pkg/chart"

	"github.com/imgmirror/helm-image-downloader/internal/helm/chart/secureloader"
	"github.com/imgmirror/helm-image-downloader/internal/helm/repository"
)

type remoteChartBuilder struct {
	remote repository.Downloader
	dm     *DependencyManager
}

// NewRemoteBuilder returns a Builder for RemoteReference charts in remote.
// Dependencies the downloaded chart does not vendor are added with dm,
// when set.
func NewRemoteBuilder(remote repository.Downloader, dm *DependencyManager) Builder {
	return &remoteChartBuilder{remote: remote, dm: dm}
}

// Build resolves the RemoteReference version in the repository and writes
// the chart to p. The downloaded package is written unmodified,
// after validation, unless values files are merged or dependencies added.
func (b *remoteChartBuilder) Build(ctx context.Context, ref Reference, p string, opts BuildOptions) (*Build, error) {
	remoteRef, ok := ref.(RemoteReference)
	if !ok {
		return nil, &BuildError{Reason: ErrChartReference, Err: errors.New("expected remote chart reference")}
	}
	if err := ref.Validate(); err != nil {
		return nil, &BuildError{Reason: ErrChartReference, Err: err}
	}

	cv, err := b.remote.GetChartVersion(remoteRef.Name, remoteRef.Version)
	if err != nil {
		err = fmt.Errorf("failed to get chart version for remote reference: %w", err)
		return nil, &BuildError{Reason: reasonForRepositoryError(err), Err: err}
	}
	res, err := b.remote.DownloadChart(cv)
	if err != nil {
		err = fmt.Errorf("failed to download chart for remote reference: %w", err)
		return nil, &BuildError{Reason: ErrChartPull, Err: err}
	}
	result := &Build{Name: cv.Name, Version: cv.Version}

	var c *helmchart.Chart
	if len(opts.GetValuesFiles()) > 0 || b.dm != nil {
		if c, err = secureloader.LoadArchive(bytes.NewReader(res.Bytes())); err != nil {
			err = fmt.Errorf("failed to load downloaded chart: %w", err)
			return result, &BuildError{Reason: ErrChartPackage, Err: err}
		}
	}

	merge := func(paths []string, ignoreMissing bool) (map[string]interface{}, []string, error) {
		values, used, err := mergeChartValues(c, paths, ignoreMissing)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to merge chart values: %w", err)
		}
		return values, used, nil
	}
	changed, err := mergeAndResolve(ctx, b.dm, ref, c, merge, opts, result)
	if err != nil {
		return result, err
	}

	if !changed {
		if err = validatePackageAndWriteToPath(res, p); err != nil {
			return result, &BuildError{Reason: ErrChartPull, Err: err}
		}
		result.Path = p
		return result, nil
	}
	if err = packageToPath(c, p); err != nil {
		return result, &BuildError{Reason: ErrChartPackage, Err: err}
	}
	result.Path = p
	result.Packaged = true
	return result, nil
}

// reasonForRepositoryError maps repository.ErrReference and
// repository.ErrExternal to a BuildErrorReason.
func reasonForRepositoryError(err error) BuildErrorReason {
	var (
		refErr *repository.ErrReference
		extErr *repository.ErrExternal
	)
	switch {
	case errors.As(err, &refErr):
		return ErrChartReference
	case errors.As(err, &extErr):
		return ErrChartPull
	default:
		return ErrUnknown
	}
}

// validatePackageAndWriteToPath writes the package in reader to out once its
// metadata loads and validates.
func validatePackageAndWriteToPath(reader io.Reader, out string) error {
	tmp, err := os.CreateTemp("", filepath.Base(out))
	if err != nil {
		return fmt.Errorf("failed to create temporary file for chart: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.ReadFrom(reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write chart to file: %w", err)
	}

	meta, err := LoadChartMetadataFromArchive(tmp.Name())
	if err != nil {
		return fmt.Errorf("failed to load chart metadata from written chart: %w", err)
	}
	if err = meta.Validate(); err != nil {
		return fmt.Errorf("failed to validate metadata of written chart: %w", err)
	}
	if err = renameWithFallback(tmp.Name(), out); err != nil {
		return fmt.Errorf("failed to write chart to file: %w", err)
	}
	return nil
}
