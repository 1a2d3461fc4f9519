/*
Copyright 2020 The Flux CD contributors.
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

package testserver

import (
	"os"
	"path/filepath"

	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chartutil"
	"helm.sh/helm/v3/pkg/repo"
	"sigs.k8s.io/yaml"
)

// NewTempHelmServer returns a Helm chart repository server with a new
// temporary docroot.
func NewTempHelmServer() (*Helm, error) {
	server, err := NewTempHTTPServer()
	if err != nil {
		return nil, err
	}
	return &Helm{server}, nil
}

// Helm serves packaged charts and an index.yaml from its docroot.
type Helm struct {
	*HTTP
}

// GenerateIndex writes an index.yaml for every packaged chart in the
// docroot, with chart URLs relative to the server URL.
func (s *Helm) GenerateIndex() error {
	index, err := repo.IndexDirectory(s.HTTP.docroot, s.HTTP.URL())
	if err != nil {
		return err
	}
	d, err := yaml.Marshal(index)
	if err != nil {
		return err
	}
	f := filepath.Join(s.HTTP.docroot, "index.yaml")
	return os.WriteFile(f, d, 0o644)
}

// SaveChart packages the in-memory chart into the docroot.
func (s *Helm) SaveChart(c *chart.Chart) error {
	_, err := chartutil.Save(c, s.HTTP.docroot)
	return err
}
