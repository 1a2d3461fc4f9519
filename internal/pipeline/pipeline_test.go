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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-containerregistry/pkg/name"
	. "github.com/onsi/gomega"
	helmchart "helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chartutil"
	"sigs.k8s.io/yaml"

	"github.com/imgmirror/helm-image-downloader/internal/mirror"
	"github.com/imgmirror/helm-image-downloader/internal/testserver"
)

const deploymentTemplate = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: {{ .Release.Name }}-{{ .Chart.Name }}
spec:
  template:
    spec:
      containers:
        - name: {{ .Chart.Name }}
          image: "{{ .Values.image.repository }}:{{ .Values.image.tag }}"
`

// newChart returns a chart deploying repository:tag.
func newChart(name, version, repository, tag string, deps ...*helmchart.Dependency) *helmchart.Chart {
	values := fmt.Sprintf("image:\n  repository: %s\n  tag: %q\n", repository, tag)
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
		Templates: []*helmchart.File{{Name: "templates/deployment.yaml", Data: []byte(deploymentTemplate)}},
	}
}

// startHelmServer serves the charts from an HTTP chart repository.
func startHelmServer(t *testing.T, charts ...*helmchart.Chart) *testserver.Helm {
	t.Helper()
	g := NewWithT(t)

	server, err := testserver.NewTempHelmServer()
	g.Expect(err).ToNot(HaveOccurred())
	server.Start()
	t.Cleanup(func() {
		server.Stop()
		os.RemoveAll(server.Root())
	})
	for _, c := range charts {
		g.Expect(server.SaveChart(c)).To(Succeed())
	}
	g.Expect(server.GenerateIndex()).To(Succeed())
	return server
}

type fakePuller struct {
	mu     sync.Mutex
	fail   map[string]error
	pulled []string
	closed bool
}

func (p *fakePuller) Pull(_ context.Context, src, dst name.Reference, archive string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pulled = append(p.pulled, src.String())
	if err := p.fail[src.String()]; err != nil {
		return "", err
	}
	return "sha256:feed", os.WriteFile(archive, []byte(dst.String()), 0o644)
}

func (p *fakePuller) Close() error {
	p.closed = true
	return nil
}

func newTestPipeline(opts Options, puller *fakePuller) (*Pipeline, *bytes.Buffer) {
	var out bytes.Buffer
	p := New(opts, &out)
	p.newPuller = func(Options) (mirror.Puller, error) {
		return puller, nil
	}
	return p, &out
}

func readReport(t *testing.T, dir string) *mirror.Report {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, mirror.ReportFile))
	if err != nil {
		t.Fatal(err)
	}
	r := &mirror.Report{}
	if err = yaml.Unmarshal(b, r); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestPipeline_RunLocalChart(t *testing.T) {
	g := NewWithT(t)

	redis := newChart("redis", "7.2.0", "docker.io/bitnami/redis", "7.2.0")
	server := startHelmServer(t, redis)

	app := newChart("app", "1.0.0", "ghcr.io/org/app", "1.0.0", &helmchart.Dependency{
		Name:       "redis",
		Version:    "7.x",
		Repository: server.URL(),
	})
	app.Metadata.Annotations = map[string]string{
		"artifacthub.io/images": "- name: init\n  image: busybox:1.36\n",
	}
	chartsDir := t.TempDir()
	g.Expect(chartutil.SaveDir(app, chartsDir)).To(Succeed())

	out := t.TempDir()
	puller := &fakePuller{}
	p, stdout := newTestPipeline(Options{
		Chart:            filepath.Join(chartsDir, "app"),
		OutputDir:        out,
		Concurrent:       2,
		RepositoryPrefix: "registry.local/mirror",
		Flatten:          true,
	}, puller)

	result, err := p.Run(context.TODO())
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(result.Source.Kind).To(Equal(SourceDirectory))
	g.Expect(result.Build.Name).To(Equal("app"))
	g.Expect(result.Build.ResolvedDependencies).To(Equal(1))
	g.Expect(result.Build.Path).To(Equal(filepath.Join(out, "chart", "app.tgz")))
	g.Expect(result.Build.Path).To(BeAnExistingFile())

	var originals []string
	for _, img := range result.Images {
		originals = append(originals, img.Original)
	}
	g.Expect(originals).To(Equal([]string{"busybox:1.36", "docker.io/bitnami/redis:7.2.0", "ghcr.io/org/app:1.0.0"}))
	g.Expect(puller.pulled).To(ConsistOf(originals))
	g.Expect(puller.closed).To(BeTrue())

	g.Expect(filepath.Join(out, "rendered", "app_rendered.yaml")).To(BeAnExistingFile())
	g.Expect(filepath.Join(out, "images", "registry.local_mirror_redis_7.2.0.tar")).To(BeAnExistingFile())
	g.Expect(stdout.String()).To(Equal("busybox:1.36\ndocker.io/bitnami/redis:7.2.0\nghcr.io/org/app:1.0.0\n"))

	list, err := os.ReadFile(filepath.Join(out, mirror.ListFile))
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(string(list)).To(Equal(stdout.String()))

	report := readReport(t, out)
	g.Expect(report.Chart).To(Equal("app"))
	g.Expect(report.Version).To(Equal("1.0.0"))
	g.Expect(report.Images).To(HaveLen(3))
	g.Expect(report.Images[2].Mirror).To(Equal("registry.local/mirror/app:1.0.0"))
	g.Expect(report.Images[2].Digest).To(Equal("sha256:feed"))
}

func TestPipeline_RunRepositoryChart(t *testing.T) {
	g := NewWithT(t)

	server := startHelmServer(t,
		newChart("app", "1.0.0", "ghcr.io/org/app", "1.0.0"),
		newChart("app", "1.1.0", "ghcr.io/org/app", "1.1.0"),
		newChart("app", "2.0.0", "ghcr.io/org/app", "2.0.0"),
	)

	out := t.TempDir()
	opts := Options{
		Chart:     "app",
		Version:   "1.x",
		Repo:      server.URL(),
		OutputDir: out,
	}

	p, stdout := newTestPipeline(opts, &fakePuller{})
	result, err := p.Run(context.TODO())
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(result.Source.Kind).To(Equal(SourceRepository))
	g.Expect(result.Build.Version).To(Equal("1.1.0"))
	g.Expect(stdout.String()).To(Equal("ghcr.io/org/app:1.1.0\n"))
	g.Expect(filepath.Join(out, "images", "ghcr.io_org_app_1.1.0.tar")).To(BeAnExistingFile())

	opts.Version = "1.0.0"
	p, stdout = newTestPipeline(opts, &fakePuller{})
	result, err = p.Run(context.TODO())
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(result.Build.Version).To(Equal("1.0.0"))
	g.Expect(stdout.String()).To(Equal("ghcr.io/org/app:1.0.0\n"))
	g.Expect(filepath.Join(out, "images", "ghcr.io_org_app_1.1.0.tar")).ToNot(BeAnExistingFile())

	opts.Version = "3.x"
	p, _ = newTestPipeline(opts, &fakePuller{})
	_, err = p.Run(context.TODO())
	g.Expect(err).To(HaveOccurred())
}

func TestPipeline_RunRebuildsEditedChart(t *testing.T) {
	g := NewWithT(t)

	chartsDir := t.TempDir()
	g.Expect(chartutil.SaveDir(newChart("app", "1.0.0", "ghcr.io/org/app", "1.0.0"), chartsDir)).To(Succeed())

	opts := Options{
		Chart:     filepath.Join(chartsDir, "app"),
		OutputDir: t.TempDir(),
		DryRun:    true,
	}
	p, stdout := newTestPipeline(opts, &fakePuller{})
	_, err := p.Run(context.TODO())
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(stdout.String()).To(Equal("ghcr.io/org/app:1.0.0\n"))

	// Same chart name and version, different defaults.
	values := "image:\n  repository: ghcr.io/org/app\n  tag: \"2.0.0\"\n"
	g.Expect(os.WriteFile(filepath.Join(chartsDir, "app", chartutil.ValuesfileName), []byte(values), 0o644)).To(Succeed())

	p, stdout = newTestPipeline(opts, &fakePuller{})
	result, err := p.Run(context.TODO())
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(result.Build.Version).To(Equal("1.0.0"))
	g.Expect(stdout.String()).To(Equal("ghcr.io/org/app:2.0.0\n"))
}

func TestPipeline_RunDisabledSubchartAnnotations(t *testing.T) {
	db := newChart("db", "1.0.0", "docker.io/library/postgres", "16")
	db.Metadata.Annotations = map[string]string{
		"artifacthub.io/images": "- name: init\n  image: busybox:1.36\n",
	}
	app := newChart("app", "1.0.0", "ghcr.io/org/app", "1.0.0", &helmchart.Dependency{
		Name:      "db",
		Version:   "1.0.0",
		Condition: "db.enabled",
	})
	app.Raw[0].Data = append(app.Raw[0].Data, "db:\n  enabled: false\n"...)
	app.AddDependency(db)

	chartsDir := t.TempDir()
	if err := chartutil.SaveDir(app, chartsDir); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		allSubcharts bool
		wantInit     bool
	}{
		{allSubcharts: true, wantInit: true},
		{allSubcharts: false, wantInit: false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("all subcharts %t", tt.allSubcharts), func(t *testing.T) {
			g := NewWithT(t)

			opts := Options{
				Chart:     filepath.Join(chartsDir, "app"),
				OutputDir: t.TempDir(),
				DryRun:    true,
			}
			opts.Render.AllSubcharts = tt.allSubcharts
			p, _ := newTestPipeline(opts, &fakePuller{})
			result, err := p.Run(context.TODO())
			g.Expect(err).ToNot(HaveOccurred())

			var originals []string
			for _, img := range result.Images {
				originals = append(originals, img.Original)
			}
			g.Expect(originals).To(ContainElement("ghcr.io/org/app:1.0.0"))
			if tt.wantInit {
				g.Expect(originals).To(ContainElement("busybox:1.36"))
			} else {
				g.Expect(originals).ToNot(ContainElement("busybox:1.36"))
			}
		})
	}
}

func TestPipeline_RunPullFailures(t *testing.T) {
	g := NewWithT(t)

	chartsDir := t.TempDir()
	app := newChart("app", "1.0.0", "ghcr.io/org/app", "1.0.0")
	// Only referenced through values, never rendered.
	app.Raw[0].Data = append(app.Raw[0].Data, "sidecar:\n  image: busybox:1.36\n"...)
	g.Expect(chartutil.SaveDir(app, chartsDir)).To(Succeed())

	out := t.TempDir()
	puller := &fakePuller{fail: map[string]error{"ghcr.io/org/app:1.0.0": errors.New("denied")}}
	p, _ := newTestPipeline(Options{
		Chart:      filepath.Join(chartsDir, "app"),
		OutputDir:  out,
		ScanValues: true,
	}, puller)

	result, err := p.Run(context.TODO())
	g.Expect(err).To(MatchError(ContainSubstring("denied")))
	g.Expect(result).ToNot(BeNil())
	g.Expect(result.Images).To(HaveLen(2))
	g.Expect(result.Mirrored).To(HaveLen(2))

	report := readReport(t, out)
	g.Expect(report.Images[0].Source).To(Equal("busybox:1.36"))
	g.Expect(report.Images[0].Error).To(BeEmpty())
	g.Expect(report.Images[1].Error).To(Equal("denied"))
}

func TestPipeline_RunManifestDryRun(t *testing.T) {
	g := NewWithT(t)

	dir := t.TempDir()
	manifest := filepath.Join(dir, "manifest.yaml")
	g.Expect(os.WriteFile(manifest, []byte(`apiVersion: v1
kind: Pod
spec:
  containers:
    - image: redis:7.2
    - image: nginx:1.25
---
apiVersion: v1
kind: Pod
spec:
  containers:
    - image: nginx:1.25
`), 0o644)).To(Succeed())

	out := t.TempDir()
	images := filepath.Join(out, "images")
	g.Expect(os.Mkdir(images, 0o755)).To(Succeed())

	puller := &fakePuller{}
	p, stdout := newTestPipeline(Options{Chart: manifest, OutputDir: out, DryRun: true}, puller)
	result, err := p.Run(context.TODO())
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(result.Build).To(BeNil())
	g.Expect(result.Mirrored).To(BeNil())
	g.Expect(puller.pulled).To(BeEmpty())
	g.Expect(stdout.String()).To(Equal("nginx:1.25\nredis:7.2\n"))
	g.Expect(filepath.Join(out, mirror.ListFile)).To(BeAnExistingFile())
	g.Expect(filepath.Join(out, mirror.ReportFile)).ToNot(BeAnExistingFile())
	g.Expect(images).To(BeADirectory())
}

func TestPipeline_RunInvalidOptions(t *testing.T) {
	g := NewWithT(t)

	p, _ := newTestPipeline(Options{Chart: "app", Engine: "rkt"}, &fakePuller{})
	_, err := p.Run(context.TODO())
	g.Expect(err).To(MatchError(ContainSubstring("unsupported engine 'rkt'")))
}

func TestNewPuller(t *testing.T) {
	g := NewWithT(t)

	p, err := NewPuller(Options{Platform: "linux/arm64"})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(p).To(BeAssignableToTypeOf(&mirror.RegistryPuller{}))

	_, err = NewPuller(Options{Engine: "rkt"})
	g.Expect(err).To(HaveOccurred())
}
