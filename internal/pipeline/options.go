/*
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
	"fmt"
	"path/filepath"

	"github.com/imgmirror/helm-image-downloader/internal/git"
	"github.com/imgmirror/helm-image-downloader/internal/helm/getter"
	"github.com/imgmirror/helm-image-downloader/internal/mirror"
	"github.com/imgmirror/helm-image-downloader/internal/render"
)

const (
	// DefaultOutputDir is the directory everything is written to.
	DefaultOutputDir = "download_images"

	chartDir    = "chart"
	renderedDir = "rendered"
	imagesDir   = "images"
)

// GitOptions selects the revision and chart of a Git repository source.
type GitOptions struct {
	Reference git.Reference
	// ChartPath is the path of the chart inside the repository.
	ChartPath string

	Username     string
	Password     string
	IdentityFile string
	CAFile       string
}

// Options configures a run of the pipeline.
type Options struct {
	// Chart is the chart reference as given on the command line.
	Chart string
	// Version is the chart version or SemVer constraint.
	Version string
	// Repo is the URL of the repository Chart is looked up in.
	Repo string
	// RepositoryConfig is the Helm repositories file aliases are
	// resolved from.
	RepositoryConfig string
	// Credentials configure the access to chart repositories and OCI
	// registries.
	Credentials getter.Credentials
	Git         GitOptions

	// ChartValues are chart relative values files merged into the
	// default values of the chart.
	ChartValues              []string
	IgnoreMissingChartValues bool

	Render     render.Options
	ScanValues bool

	OutputDir string
	DryRun    bool

	Concurrent int64

	Engine           string
	Platform         string
	RepositoryPrefix string
	Flatten          bool
}

// Validate returns an error for options that cannot be run.
func (o Options) Validate() error {
	if o.Chart == "" {
		return fmt.Errorf("no chart reference given")
	}
	switch o.Engine {
	case "", mirror.EngineRegistry, mirror.EngineDocker:
	default:
		return fmt.Errorf("unsupported engine '%s': must be '%s' or '%s'", o.Engine, mirror.EngineRegistry, mirror.EngineDocker)
	}
	if o.Concurrent < 0 {
		return fmt.Errorf("concurrency must be positive, got %d", o.Concurrent)
	}
	return nil
}

func (o Options) outputDir() string {
	if o.OutputDir == "" {
		return DefaultOutputDir
	}
	return o.OutputDir
}

func (o Options) chartDir() string {
	return filepath.Join(o.outputDir(), chartDir)
}

func (o Options) renderedDir() string {
	return filepath.Join(o.outputDir(), renderedDir)
}

func (o Options) imagesDir() string {
	return filepath.Join(o.outputDir(), imagesDir)
}

func (o Options) concurrent() int64 {
	if o.Concurrent < 1 {
		return 1
	}
	return o.Concurrent
}
