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

// Package render renders the templates of a chart tree with Helm's engine.
package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	helmchart "helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chartutil"
	"helm.sh/helm/v3/pkg/cli/values"
	"helm.sh/helm/v3/pkg/engine"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/releaseutil"

	"github.com/imgmirror/helm-image-downloader/internal/helm/chart"
)

const (
	DefaultReleaseName = "release-name"
	DefaultNamespace   = "default"

	notesFileSuffix  = "NOTES.txt"
	renderedSuffix   = "_rendered.yaml"
	renderedFileMode = 0o644
)

// Options configures a Renderer.
type Options struct {
	// ReleaseName is the name of the release the chart is rendered for.
	ReleaseName string
	// Namespace is the namespace the chart is rendered for.
	Namespace string
	// KubeVersion is the Kubernetes version used for the capabilities.
	// Empty means the Helm default.
	KubeVersion string
	// Values holds the user supplied value overrides of the root chart.
	Values values.Options
	// AllSubcharts renders every chart of the dependency tree standalone
	// with its own default values, in addition to the root chart.
	AllSubcharts bool
	// OutputDir is the directory rendered manifests are written to.
	// Nothing is written when empty.
	OutputDir string
}

// Manifest is a single rendered template.
type Manifest struct {
	// Source is the template path, e.g. "app/charts/redis/templates/sts.yaml".
	Source  string
	Content string
}

// Result holds the rendered manifests of one chart of the tree.
type Result struct {
	// Chart is the position of the chart in the dependency tree.
	Chart string
	// Manifests are the rendered templates, hooks included.
	Manifests []Manifest
	// Values are the values the chart was rendered with.
	Values chartutil.Values
	// File is the path the manifests were written to, if any.
	File string
	// Standalone is true if the chart was rendered on its own.
	Standalone bool
}

// String returns the manifests as a multi-document YAML stream.
func (r *Result) String() string {
	var b strings.Builder
	for _, m := range r.Manifests {
		fmt.Fprintf(&b, "---\n# Source: %s\n%s\n", m.Source, m.Content)
	}
	return b.String()
}

// Renderer renders the templates of a chart tree.
type Renderer struct {
	opts       Options
	userValues map[string]interface{}
	caps       *chartutil.Capabilities
}

// New returns a Renderer for the given Options. Values files are fetched
// with the providers when they are URLs.
func New(opts Options, providers getter.Providers) (*Renderer, error) {
	if opts.ReleaseName == "" {
		opts.ReleaseName = DefaultReleaseName
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}

	userValues, err := opts.Values.MergeValues(providers)
	if err != nil {
		return nil, fmt.Errorf("failed to merge values: %w", err)
	}

	caps := *chartutil.DefaultCapabilities
	if opts.KubeVersion != "" {
		kv, err := chartutil.ParseKubeVersion(opts.KubeVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid kube version '%s': %w", opts.KubeVersion, err)
		}
		caps.KubeVersion = *kv
	}

	return &Renderer{
		opts:       opts,
		userValues: userValues,
		caps:       &caps,
	}, nil
}

// Render renders the chart with the user values. With AllSubcharts set,
// every other chart of the tree is rendered standalone with its defaults;
// failures of those renders are logged and skipped.
// The root chart Result is always first.
func (r *Renderer) Render(ctx context.Context, c *helmchart.Chart) ([]*Result, error) {
	log := logr.FromContextOrDiscard(ctx)

	// Rendering drops disabled dependencies from the tree, so the charts
	// are collected first.
	flat := chart.Flatten(c)

	root, err := r.renderChart(c, flat[0].Path, r.userValues)
	if err != nil {
		return nil, fmt.Errorf("failed to render chart '%s': %w", c.Name(), err)
	}
	if err = r.write(root); err != nil {
		return nil, err
	}
	log.V(1).Info("rendered chart", "chart", root.Chart, "manifests", len(root.Manifests))

	results := []*Result{root}
	if !r.opts.AllSubcharts {
		return results, nil
	}

	for _, fc := range flat[1:] {
		if err = ctx.Err(); err != nil {
			return nil, err
		}
		res, err := r.renderChart(fc.Chart, fc.Path, nil)
		if err != nil {
			log.Error(err, "skipping standalone render of subchart", "chart", fc.Path)
			continue
		}
		res.Standalone = true
		if err = r.write(res); err != nil {
			return nil, err
		}
		log.V(1).Info("rendered subchart standalone", "chart", res.Chart, "manifests", len(res.Manifests))
		results = append(results, res)
	}
	return results, nil
}

func (r *Renderer) renderChart(c *helmchart.Chart, treePath string, vals map[string]interface{}) (*Result, error) {
	if c.Metadata.KubeVersion != "" && !chartutil.IsCompatibleRange(c.Metadata.KubeVersion, r.caps.KubeVersion.String()) {
		return nil, fmt.Errorf("chart requires kubeVersion: %s which is incompatible with Kubernetes %s",
			c.Metadata.KubeVersion, r.caps.KubeVersion.String())
	}

	if vals == nil {
		vals = map[string]interface{}{}
	}
	if err := chartutil.ProcessDependencies(c, vals); err != nil {
		return nil, err
	}

	options := chartutil.ReleaseOptions{
		Name:      r.opts.ReleaseName,
		Namespace: r.opts.Namespace,
		Revision:  1,
		IsInstall: true,
	}
	renderValues, err := chartutil.ToRenderValues(c, vals, options, r.caps)
	if err != nil {
		return nil, err
	}

	files, err := engine.Render(c, renderValues)
	if err != nil {
		return nil, err
	}
	for k := range files {
		if strings.HasSuffix(k, notesFileSuffix) {
			delete(files, k)
		}
	}

	hooks, manifests, err := releaseutil.SortManifests(files, r.caps.APIVersions, releaseutil.InstallOrder)
	if err != nil {
		return nil, err
	}

	res := &Result{Chart: treePath}
	for _, m := range manifests {
		res.Manifests = append(res.Manifests, Manifest{Source: m.Name, Content: m.Content})
	}
	for _, h := range hooks {
		res.Manifests = append(res.Manifests, Manifest{Source: h.Path, Content: h.Manifest})
	}
	if v, ok := renderValues["Values"].(chartutil.Values); ok {
		res.Values = v
	}
	return res, nil
}

// write stores the Result as "<OutputDir>/<chart>_rendered.yaml", with
// the nested charts of the tree path joined by underscores.
func (r *Renderer) write(res *Result) error {
	if r.opts.OutputDir == "" {
		return nil
	}
	if err := os.MkdirAll(r.opts.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create render output directory: %w", err)
	}
	name := strings.ReplaceAll(res.Chart, "/charts/", "_") + renderedSuffix
	p := filepath.Join(r.opts.OutputDir, filepath.Base(name))

	if err := os.WriteFile(p, []byte(res.String()), renderedFileMode); err != nil {
		return fmt.Errorf("failed to write rendered manifests of '%s': %w", res.Chart, err)
	}
	res.File = p
	return nil
}
