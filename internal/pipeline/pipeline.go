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

// Package pipeline runs the chart fetch, dependency resolution, render,
// image extraction and image pull stages in sequence.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"helm.sh/helm/v3/pkg/chart/loader"

	"github.com/imgmirror/helm-image-downloader/internal/helm/chart"
	"github.com/imgmirror/helm-image-downloader/internal/helm/getter"
	"github.com/imgmirror/helm-image-downloader/internal/helm/registry"
	"github.com/imgmirror/helm-image-downloader/internal/image"
	"github.com/imgmirror/helm-image-downloader/internal/mirror"
	"github.com/imgmirror/helm-image-downloader/internal/render"
)

// PullerFactory returns the mirror.Puller of the configured engine.
type PullerFactory func(opts Options) (mirror.Puller, error)

// Result is the outcome of a run.
type Result struct {
	Source Source
	// Build is nil for manifest sources.
	Build *chart.Build
	// Images are the unique images found, sorted by their reference.
	Images []*image.Image
	// Invalid are the image values that are not valid references.
	Invalid []string
	// Mirrored is nil for dry runs.
	Mirrored []*mirror.Result
}

// Pipeline downloads the images of a chart.
type Pipeline struct {
	opts      Options
	out       io.Writer
	newPuller PullerFactory
}

// New returns a Pipeline writing the final image list to out.
func New(opts Options, out io.Writer) *Pipeline {
	return &Pipeline{
		opts:      opts,
		out:       out,
		newPuller: NewPuller,
	}
}

// NewPuller returns the mirror.Puller of the engine in opts. Registry
// credentials are taken from the registry configuration of the chart
// credentials.
func NewPuller(opts Options) (mirror.Puller, error) {
	keychain := registry.Keychain(opts.Credentials.RegistryConfig)
	switch opts.Engine {
	case mirror.EngineDocker:
		return mirror.NewDockerPuller(opts.Platform, keychain)
	case mirror.EngineRegistry, "":
		return mirror.NewRegistryPuller(opts.Platform, mirror.WithKeychain(keychain))
	default:
		return nil, fmt.Errorf("unsupported engine '%s'", opts.Engine)
	}
}

// Run executes the pipeline. It stops at the first failing stage, except
// for the image pulls: every image is attempted and the pull failures are
// returned as one aggregate error, after the report is written.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	log := logr.FromContextOrDiscard(ctx)
	opts := p.opts

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := prepareOutput(opts); err != nil {
		return nil, err
	}

	src, err := DetectSource(opts)
	if err != nil {
		return nil, err
	}
	log.V(1).Info("detected chart source", "source", src.String())

	result := &Result{Source: src}
	extractor := image.NewExtractor(log)

	if src.Kind == SourceManifest {
		if err = extractor.AddManifestFile(src.Path); err != nil {
			return nil, err
		}
	} else {
		build, err := Fetch(ctx, src, opts)
		if err != nil {
			log.V(1).Info("chart build failed", "reason", chart.ReasonOf(err).Reason)
			return nil, err
		}
		log.Info(build.Summary(), "path", build.Path)
		result.Build = build

		if err = p.extract(ctx, extractor, build); err != nil {
			return nil, err
		}
	}

	result.Images = extractor.Images()
	result.Invalid = extractor.Invalid()
	log.Info("extracted images", "count", len(result.Images), "invalid", len(result.Invalid))

	if err = mirror.WriteList(opts.outputDir(), result.Images); err != nil {
		return nil, err
	}
	if opts.DryRun {
		return result, mirror.PrintList(p.out, result.Images)
	}

	puller, err := p.newPuller(opts)
	if err != nil {
		return nil, err
	}
	defer puller.Close()

	m := mirror.New(puller, mirror.Options{
		Dir:        opts.imagesDir(),
		Prefix:     opts.RepositoryPrefix,
		Flatten:    opts.Flatten,
		Concurrent: opts.concurrent(),
	})
	mirrored, pullErr := m.Run(ctx, result.Images)
	if mirrored == nil {
		return nil, pullErr
	}
	result.Mirrored = mirrored

	report := &mirror.Report{Images: mirrored}
	if result.Build != nil {
		report.Chart, report.Version = result.Build.Name, result.Build.Version
	}
	if err = mirror.WriteReport(opts.outputDir(), report); err != nil {
		return result, err
	}
	if err = mirror.PrintList(p.out, result.Images); err != nil {
		return result, err
	}
	return result, pullErr
}

// extract renders the built chart and adds the images of the rendered
// manifests, values and annotations.
func (p *Pipeline) extract(ctx context.Context, extractor *image.Extractor, build *chart.Build) error {
	c, err := loader.Load(build.Path)
	if err != nil {
		return fmt.Errorf("failed to load chart '%s': %w", build.Path, err)
	}

	renderOpts := p.opts.Render
	renderOpts.OutputDir = p.opts.renderedDir()
	renderer, err := render.New(renderOpts, getter.Providers)
	if err != nil {
		return err
	}
	// Rendering drops disabled subcharts from c.
	annotated := chart.Flatten(c)
	results, err := renderer.Render(ctx, c)
	if err != nil {
		return err
	}
	if !renderOpts.AllSubcharts {
		annotated = chart.Flatten(c)
	}

	for _, res := range results {
		if err = extractor.AddManifests(res.Chart, []byte(res.String())); err != nil {
			return err
		}
		if p.opts.ScanValues {
			extractor.AddValues(res.Chart, res.Values)
		}
	}
	for _, fc := range annotated {
		if err = extractor.AddAnnotations(fc.Path, fc.Chart); err != nil {
			return err
		}
	}
	return nil
}

// prepareOutput creates the output directory and removes the chart and
// rendered manifests of a previous run. The images are kept on dry runs.
func prepareOutput(opts Options) error {
	dirs := []string{opts.chartDir(), opts.renderedDir()}
	if !opts.DryRun {
		dirs = append(dirs, opts.imagesDir())
	}
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			return fmt.Errorf("failed to clean '%s': %w", d, err)
		}
	}
	if err := os.MkdirAll(opts.outputDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	return nil
}
