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

package chart

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	helmchart "helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chartutil"
	"helm.sh/helm/v3/pkg/repo"

	"github.com/imgmirror/helm-image-downloader/internal/helm/repository"
)

const podTemplate = `apiVersion: v1
kind: Pod
metadata:
  name: {{ .Release.Name }}-{{ .Chart.Name }}
spec:
  containers:
    - name: app
      image: "{{ .Values.image.repository }}:{{ .Values.image.tag }}"
`

// newTestChart returns a minimal chart with a values file and a template
// referencing an image.
func newTestChart(name, version string, deps ...*helmchart.Dependency) *helmchart.Chart {
	values := fmt.Sprintf("image:\n  repository: %s\n  tag: %q\n", name, version)
	v, err := chartutil.ReadValues([]byte(values))
	if err != nil {
		panic(err)
	}
	return &helmchart.Chart{
		Metadata: &helmchart.Metadata{
			APIVersion:   helmchart.APIVersionV2,
			Name:         name,
			Version:      version,
			Dependencies: deps,
		},
		Values:    v.AsMap(),
		Raw:       []*helmchart.File{{Name: chartutil.ValuesfileName, Data: []byte(values)}},
		Templates: []*helmchart.File{{Name: "templates/pod.yaml", Data: []byte(podTemplate)}},
	}
}

// saveChartDir writes the chart as a directory under dir and returns its
// path.
func saveChartDir(t *testing.T, c *helmchart.Chart, dir string) string {
	t.Helper()
	if err := chartutil.SaveDir(c, dir); err != nil {
		t.Fatal(err)
	}
	return filepath.Join(dir, c.Name())
}

// packageChart writes the chart as an archive under dir and returns its
// path.
func packageChart(t *testing.T, c *helmchart.Chart, dir string) string {
	t.Helper()
	p, err := chartutil.Save(c, dir)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// mockDownloader serves packaged charts by name.
type mockDownloader struct {
	t       *testing.T
	charts  map[string]*helmchart.Chart
	err     error
	cleared bool

	mu        sync.Mutex
	requested []string
}

func newMockDownloader(t *testing.T, charts ...*helmchart.Chart) *mockDownloader {
	d := &mockDownloader{t: t, charts: map[string]*helmchart.Chart{}}
	for _, c := range charts {
		d.charts[c.Name()] = c
	}
	return d
}

func (d *mockDownloader) GetChartVersion(name, version string) (*repo.ChartVersion, error) {
	if d.err != nil {
		return nil, d.err
	}
	c, ok := d.charts[name]
	if !ok {
		return nil, &repository.ErrReference{Err: repo.ErrNoChartName}
	}
	return &repo.ChartVersion{
		Metadata: c.Metadata,
		URLs:     []string{fmt.Sprintf("%s-%s.tgz", c.Name(), c.Metadata.Version)},
	}, nil
}

func (d *mockDownloader) DownloadChart(cv *repo.ChartVersion) (*bytes.Buffer, error) {
	d.mu.Lock()
	d.requested = append(d.requested, cv.Name)
	d.mu.Unlock()

	// Every download yields a fresh copy, like a real repository.
	c := *d.charts[cv.Name]
	p := packageChart(d.t, &c, d.t.TempDir())
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return bytes.NewBuffer(b), nil
}

func (d *mockDownloader) Clear() error {
	d.cleared = true
	return nil
}
