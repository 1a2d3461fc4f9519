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
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"
	helmchart "helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/repo"

	"github.com/imgmirror/helm-image-downloader/internal/helm/repository"
)

// failingDownloader fails the download of every chart version.
type failingDownloader struct {
	*mockDownloader
	downloadErr error
}

func (d *failingDownloader) DownloadChart(*repo.ChartVersion) (*bytes.Buffer, error) {
	return nil, d.downloadErr
}

func TestRemoteBuilder_Build(t *testing.T) {
	const repoURL = "https://charts.example.com/"

	tests := []struct {
		name         string
		ref          Reference
		opts         BuildOptions
		downloader   func(t *testing.T) repository.Downloader
		dm           func(t *testing.T) *DependencyManager
		wantReason   error
		wantErr      string
		wantPackaged bool
		wantDeps     int
		wantValues   []string
		wantTag      string
	}{
		{
			name:       "invalid reference type",
			ref:        LocalReference{WorkDir: "/workdir", Path: "app"},
			wantReason: ErrChartReference,
			wantErr:    "expected remote chart reference",
		},
		{
			name:       "invalid chart name",
			ref:        RemoteReference{Name: "App"},
			wantReason: ErrChartReference,
			wantErr:    "invalid chart name 'App'",
		},
		{
			name:       "chart not in repository",
			ref:        RemoteReference{Name: "missing"},
			wantReason: ErrChartReference,
			wantErr:    "failed to get chart version for remote reference",
		},
		{
			name: "repository unavailable",
			ref:  RemoteReference{Name: "app"},
			downloader: func(t *testing.T) repository.Downloader {
				d := newMockDownloader(t)
				d.err = &repository.ErrExternal{Err: errors.New("connection refused")}
				return d
			},
			wantReason: ErrChartPull,
			wantErr:    "connection refused",
		},
		{
			name: "unknown repository error",
			ref:  RemoteReference{Name: "app"},
			downloader: func(t *testing.T) repository.Downloader {
				d := newMockDownloader(t)
				d.err = errors.New("boom")
				return d
			},
			wantReason: ErrUnknown,
		},
		{
			name: "download failure",
			ref:  RemoteReference{Name: "app"},
			downloader: func(t *testing.T) repository.Downloader {
				return &failingDownloader{
					mockDownloader: newMockDownloader(t, newTestChart("app", "1.0.0")),
					downloadErr:    errors.New("unexpected EOF"),
				}
			},
			wantReason: ErrChartPull,
			wantErr:    "failed to download chart for remote reference",
		},
		{
			name:    "pulled chart",
			ref:     RemoteReference{Name: "app", Version: "1.x"},
			wantTag: "1.0.0",
		},
		{
			name:         "pulled chart with values files",
			ref:          RemoteReference{Name: "app"},
			opts:         BuildOptions{ValuesFiles: []string{"values.yaml", "values-prod.yaml"}},
			wantPackaged: true,
			wantValues:   []string{"values.yaml", "values-prod.yaml"},
			wantTag:      "prod",
		},
		{
			name:       "pulled chart with missing values file",
			ref:        RemoteReference{Name: "app"},
			opts:       BuildOptions{ValuesFiles: []string{"values-staging.yaml"}},
			wantReason: ErrValuesFilesMerge,
			wantErr:    "no values file found at path 'values-staging.yaml'",
		},
		{
			name: "pulled chart without missing dependencies",
			ref:  RemoteReference{Name: "app"},
			dm: func(t *testing.T) *DependencyManager {
				return NewDependencyManager()
			},
			wantTag: "1.0.0",
		},
		{
			name: "pulled chart with missing dependency",
			ref:  RemoteReference{Name: "web"},
			dm: func(t *testing.T) *DependencyManager {
				return NewDependencyManager(WithRepositories(map[string]repository.Downloader{
					repoURL: newMockDownloader(t, newTestChart("redis", "1.2.0")),
				}))
			},
			wantPackaged: true,
			wantDeps:     1,
			wantTag:      "2.0.0",
		},
		{
			name: "pulled chart with unresolvable dependency",
			ref:  RemoteReference{Name: "web"},
			dm: func(t *testing.T) *DependencyManager {
				return NewDependencyManager()
			},
			wantReason: ErrDependencyBuild,
			wantErr:    "failed to add remote dependency 'redis'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)

			var d repository.Downloader = newMockDownloader(t,
				withProdValues(newTestChart("app", "1.0.0")),
				newTestChart("web", "2.0.0", &helmchart.Dependency{Name: "redis", Version: "1.x", Repository: repoURL}),
			)
			if tt.downloader != nil {
				d = tt.downloader(t)
			}
			var dm *DependencyManager
			if tt.dm != nil {
				dm = tt.dm(t)
			}

			out := filepath.Join(t.TempDir(), "out.tgz")
			got, err := NewRemoteBuilder(d, dm).Build(context.TODO(), tt.ref, out, tt.opts)
			if tt.wantReason != nil {
				g.Expect(err).To(HaveOccurred())
				g.Expect(errors.Is(err, tt.wantReason)).To(BeTrue(), err.Error())
				if tt.wantErr != "" {
					g.Expect(err.Error()).To(ContainSubstring(tt.wantErr))
				}
				return
			}

			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(got.Complete()).To(BeTrue())
			g.Expect(got.Path).To(Equal(out))
			g.Expect(got.Packaged).To(Equal(tt.wantPackaged))
			g.Expect(got.ResolvedDependencies).To(Equal(tt.wantDeps))
			g.Expect(got.ValuesFiles).To(Equal(tt.wantValues))

			c, err := loader.Load(out)
			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(c.Name()).To(Equal(got.Name))
			g.Expect(c.Metadata.Version).To(Equal(got.Version))
			g.Expect(c.Dependencies()).To(HaveLen(tt.wantDeps))
			g.Expect(c.Values).To(HaveKeyWithValue("image", HaveKeyWithValue("tag", tt.wantTag)))
		})
	}
}

func Test_reasonForRepositoryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want BuildErrorReason
	}{
		{name: "reference", err: fmt.Errorf("lookup: %w", &repository.ErrReference{Err: repo.ErrNoChartName}), want: ErrChartReference},
		{name: "external", err: fmt.Errorf("index: %w", &repository.ErrExternal{Err: errors.New("timeout")}), want: ErrChartPull},
		{name: "other", err: errors.New("other"), want: ErrUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)
			g.Expect(reasonForRepositoryError(tt.err)).To(Equal(tt.want))
		})
	}
}

func Test_mergeChartValues(t *testing.T) {
	c := withProdValues(newTestChart("app", "1.0.0"))
	c.Files = append(c.Files, &helmchart.File{Name: "values-broken.yaml", Data: []byte("image: [\n")})

	tests := []struct {
		name          string
		paths         []string
		ignoreMissing bool
		want          map[string]interface{}
		wantFiles     []string
		wantErr       string
	}{
		{
			name:      "default values",
			paths:     []string{"values.yaml"},
			want:      map[string]interface{}{"image": map[string]interface{}{"repository": "app", "tag": "1.0.0"}},
			wantFiles: []string{"values.yaml"},
		},
		{
			name:      "merged values",
			paths:     []string{"./values.yaml", "values-prod.yaml"},
			want:      map[string]interface{}{"image": map[string]interface{}{"repository": "app", "tag": "prod"}},
			wantFiles: []string{"./values.yaml", "values-prod.yaml"},
		},
		{
			name:    "missing file",
			paths:   []string{"values-staging.yaml"},
			wantErr: "no values file found at path 'values-staging.yaml'",
		},
		{
			name:          "ignore missing file",
			paths:         []string{"values-staging.yaml", "values-prod.yaml"},
			ignoreMissing: true,
			want:          map[string]interface{}{"image": map[string]interface{}{"tag": "prod"}},
			wantFiles:     []string{"values-prod.yaml"},
		},
		{
			name:    "invalid values",
			paths:   []string{"values-broken.yaml"},
			wantErr: "unmarshaling values from 'values-broken.yaml' failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewWithT(t)

			got, files, err := mergeChartValues(c, tt.paths, tt.ignoreMissing)
			if tt.wantErr != "" {
				g.Expect(err).To(HaveOccurred())
				g.Expect(err.Error()).To(ContainSubstring(tt.wantErr))
				return
			}
			g.Expect(err).ToNot(HaveOccurred())
			g.Expect(got).To(Equal(tt.want))
			g.Expect(files).To(Equal(tt.wantFiles))
		})
	}
}

func Test_validatePackageAndWriteToPath(t *testing.T) {
	g := NewWithT(t)

	dir := t.TempDir()
	p := packageChart(t, newTestChart("app", "1.0.0"), dir)
	b, err := os.ReadFile(p)
	g.Expect(err).ToNot(HaveOccurred())

	out := filepath.Join(dir, "out.tgz")
	g.Expect(validatePackageAndWriteToPath(bytes.NewReader(b), out)).To(Succeed())
	g.Expect(out).To(BeARegularFile())

	invalid := filepath.Join(dir, "invalid.tgz")
	err = validatePackageAndWriteToPath(bytes.NewReader([]byte("not a chart")), invalid)
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(ContainSubstring("failed to load chart metadata from written chart"))
	g.Expect(invalid).ToNot(BeAnExistingFile())
}
