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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"
	helmchart "helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chartutil"
)

// Builder writes the packaged chart for a Reference to a path, with all
// missing dependencies added.
type Builder interface {
	// Build returns an error for Reference types the Builder does not
	// handle. A partial Build may be returned along with an error.
	Build(ctx context.Context, ref Reference, p string, opts BuildOptions) (*Build, error)
}

// BuildOptions configures a Builder.Build.
type BuildOptions struct {
	// ValuesFiles are chart relative values files merged, in order, into
	// the default values of the chart.
	ValuesFiles []string
	// IgnoreMissingValuesFiles skips ValuesFiles that do not exist.
	IgnoreMissingValuesFiles bool
}

// GetValuesFiles returns ValuesFiles, or nil when they only name the
// default values file.
func (o BuildOptions) GetValuesFiles() []string {
	if len(o.ValuesFiles) == 1 && filepath.Clean(o.ValuesFiles[0]) == chartutil.ValuesfileName {
		return nil
	}
	return o.ValuesFiles
}

// Build describes the outcome of Builder.Build.
type Build struct {
	Name    string
	Version string
	// Path of the packaged chart. Empty when the build failed.
	Path string
	// ValuesFiles merged into the default values.
	ValuesFiles []string
	// ResolvedDependencies counts the dependencies added to the chart.
	ResolvedDependencies int
	// Packaged is set when the chart was repackaged rather than written
	// as downloaded.
	Packaged bool
}

// Summary describes the build in one line for logging.
func (b *Build) Summary() string {
	if !b.hasMetadata() {
		return "no chart build"
	}

	var action string
	switch {
	case b.Path == "":
		action = "new"
	case b.Packaged:
		action = "packaged"
	default:
		action = "pulled"
	}

	var s strings.Builder
	fmt.Fprintf(&s, "%s '%s' chart with version '%s'", action, b.Name, b.Version)
	if b.ResolvedDependencies > 0 {
		fmt.Fprintf(&s, ", resolved %d dependencies", b.ResolvedDependencies)
	}
	if len(b.ValuesFiles) > 0 {
		fmt.Fprintf(&s, " and merged values files %v", b.ValuesFiles)
	}
	return s.String()
}

// Complete reports whether the build produced a chart package.
func (b *Build) Complete() bool {
	return b.hasMetadata() && b.Path != ""
}

func (b *Build) String() string {
	if b == nil {
		return ""
	}
	return b.Path
}

func (b *Build) hasMetadata() bool {
	return b != nil && b.Name != "" && b.Version != ""
}

// mergeAndResolve merges the values files of opts into the default values
// of c and adds its missing dependencies with dm, when set. It reports
// whether c no longer matches the package it was loaded from.
func mergeAndResolve(ctx context.Context, dm *DependencyManager, ref Reference, c *helmchart.Chart, merge valuesMergeFunc, opts BuildOptions, result *Build) (bool, error) {
	changed := false
	if files := opts.GetValuesFiles(); len(files) > 0 {
		values, used, err := merge(files, opts.IgnoreMissingValuesFiles)
		if err != nil {
			return false, &BuildError{Reason: ErrValuesFilesMerge, Err: err}
		}
		if changed, err = OverwriteChartDefaultValues(c, values); err != nil {
			return false, &BuildError{Reason: ErrValuesFilesMerge, Err: err}
		}
		result.ValuesFiles = used
	}
	if dm != nil {
		n, err := dm.Build(ctx, ref, c)
		result.ResolvedDependencies = n
		if err != nil {
			return changed, &BuildError{Reason: ErrDependencyBuild, Err: err}
		}
	}
	return changed || result.ResolvedDependencies > 0, nil
}

// packageToPath packages chart and moves the archive to out.
func packageToPath(chart *helmchart.Chart, out string) error {
	tmp, err := os.MkdirTemp("", "chart-build-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary directory for chart: %w", err)
	}
	defer os.RemoveAll(tmp)

	p, err := chartutil.Save(chart, tmp)
	if err != nil {
		return fmt.Errorf("failed to package chart: %w", err)
	}
	if err = renameWithFallback(p, out); err != nil {
		return fmt.Errorf("failed to write chart to file: %w", err)
	}
	return nil
}

// renameWithFallback copies and removes src when it cannot be renamed,
// for example across devices.
func renameWithFallback(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copy.Copy(src, dst); err != nil {
		return fmt.Errorf("cannot copy '%s' to '%s': %w", src, dst, err)
	}
	return os.RemoveAll(src)
}

func pathIsDir(p string) bool {
	if p == "" {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
