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

package mirror

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/imgmirror/helm-image-downloader/internal/image"
)

const (
	// ReportFile is the name of the report with one entry per image.
	ReportFile = "images.yaml"
	// ListFile is the name of the plain list of image references.
	ListFile = "images.txt"
)

// Report is the content of ReportFile.
type Report struct {
	Chart   string    `json:"chart,omitempty"`
	Version string    `json:"version,omitempty"`
	Images  []*Result `json:"images"`
}

// WriteReport writes the report to dir/ReportFile.
func WriteReport(dir string, r *Report) error {
	b, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err = os.WriteFile(filepath.Join(dir, ReportFile), b, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// WriteList writes the original reference of every image to dir/ListFile.
func WriteList(dir string, images []*image.Image) error {
	f, err := os.Create(filepath.Join(dir, ListFile))
	if err != nil {
		return fmt.Errorf("failed to write image list: %w", err)
	}
	if err = PrintList(f, images); err != nil {
		f.Close()
		return fmt.Errorf("failed to write image list: %w", err)
	}
	return f.Close()
}

// PrintList writes one original reference per line to w.
func PrintList(w io.Writer, images []*image.Image) error {
	var sb strings.Builder
	for _, img := range images {
		sb.WriteString(img.Original)
		sb.WriteByte('\n')
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
