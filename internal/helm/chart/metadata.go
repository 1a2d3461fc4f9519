/*
Copyright 2020 The Flux authors
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
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	helmchart "helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chartutil"
	"sigs.k8s.io/yaml"

	"github.com/imgmirror/helm-image-downloader/internal/helm"
)

// requirementsFileName holds the dependencies of apiVersion v1 charts.
const requirementsFileName = "requirements.yaml"

var drivePathPattern = regexp.MustCompile(`^[a-zA-Z]:/`)

// OverwriteChartDefaultValues replaces the default values of chart with vals
// and reports whether they changed. A chart without a values file gets one.
func OverwriteChartDefaultValues(chart *helmchart.Chart, vals chartutil.Values) (bool, error) {
	if vals == nil {
		return false, nil
	}

	var data bytes.Buffer
	if len(vals) > 0 {
		if err := vals.Encode(&data); err != nil {
			return false, err
		}
	}

	var file *helmchart.File
	for _, f := range chart.Raw {
		if f.Name == chartutil.ValuesfileName {
			file = f
			break
		}
	}
	switch {
	case file == nil:
		chart.Raw = append(chart.Raw, &helmchart.File{Name: chartutil.ValuesfileName, Data: data.Bytes()})
	case bytes.Equal(file.Data, data.Bytes()):
		return false, nil
	default:
		file.Data = data.Bytes()
	}
	chart.Values = vals.AsMap()
	return true, nil
}

// LoadChartMetadata loads the metadata of the chart directory or packaged
// chart at chartPath, including apiVersion v1 requirements.
func LoadChartMetadata(chartPath string) (*helmchart.Metadata, error) {
	fi, err := os.Stat(chartPath)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return LoadChartMetadataFromDir(chartPath)
	}
	return LoadChartMetadataFromArchive(chartPath)
}

// LoadChartMetadataFromDir loads the metadata of the chart directory dir.
func LoadChartMetadataFromDir(dir string) (*helmchart.Metadata, error) {
	m := &helmchart.Metadata{}

	b, err := readMetadataFile(filepath.Join(dir, chartutil.ChartfileName))
	if err != nil {
		return nil, err
	}
	if err = decodeMetadata(m, chartutil.ChartfileName, b); err != nil {
		return nil, err
	}

	b, err = readMetadataFile(filepath.Join(dir, requirementsFileName))
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	if err = decodeMetadata(m, requirementsFileName, b); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadChartMetadataFromArchive loads the metadata of the packaged chart at
// archive without extracting it. Entries are validated the way Helm
// validates them when loading the package.
func LoadChartMetadataFromArchive(archive string) (*helmchart.Metadata, error) {
	fi, err := os.Stat(archive)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("'%s' is a directory", fi.Name())
	}
	if fi.Size() > helm.MaxChartSize {
		return nil, fmt.Errorf("size of chart '%s' exceeds '%d' bytes limit", fi.Name(), helm.MaxChartSize)
	}

	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var m *helmchart.Metadata
	tr := tar.NewReader(zr)
	for {
		hd, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hd.FileInfo().IsDir() || hd.Typeflag == tar.TypeXGlobalHeader || hd.Typeflag == tar.TypeXHeader {
			continue
		}

		name, err := archiveEntryName(hd.Name)
		if err != nil {
			return nil, err
		}
		if name != chartutil.ChartfileName && name != requirementsFileName {
			continue
		}
		if hd.Size > helm.MaxChartFileSize {
			return nil, fmt.Errorf("size of '%s' exceeds '%d' bytes limit", hd.Name, helm.MaxChartFileSize)
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		if m == nil {
			m = &helmchart.Metadata{}
		}
		if err = decodeMetadata(m, name, b); err != nil {
			return nil, err
		}
	}
	if m == nil {
		return nil, fmt.Errorf("no '%s' found", chartutil.ChartfileName)
	}
	return m, nil
}

// archiveEntryName returns the name of a chart archive entry relative to
// the chart root directory, with "/" separators.
func archiveEntryName(entry string) (string, error) {
	sep := "/"
	if strings.ContainsRune(entry, '\\') {
		sep = "\\"
	}
	_, rel, _ := strings.Cut(entry, sep)
	rel = strings.ReplaceAll(rel, sep, "/")

	if path.IsAbs(rel) {
		return "", errors.New("chart illegally contains absolute paths")
	}
	rel = path.Clean(rel)
	switch {
	case rel == ".":
		return "", fmt.Errorf("chart illegally contains content outside the base directory: %s", entry)
	case strings.HasPrefix(rel, ".."):
		return "", errors.New("chart illegally references parent directory")
	case drivePathPattern.MatchString(rel):
		return "", errors.New("chart contains illegally named files")
	}
	return rel, nil
}

func readMetadataFile(p string) ([]byte, error) {
	fi, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("'%s' is a directory", fi.Name())
	}
	if fi.Size() > helm.MaxChartFileSize {
		return nil, fmt.Errorf("size of '%s' exceeds '%d' bytes limit", fi.Name(), helm.MaxChartFileSize)
	}
	return os.ReadFile(p)
}

func decodeMetadata(m *helmchart.Metadata, name string, b []byte) error {
	if err := yaml.Unmarshal(b, m); err != nil {
		return fmt.Errorf("cannot load '%s': %w", name, err)
	}
	if m.APIVersion == "" {
		m.APIVersion = helmchart.APIVersionV1
	}
	return nil
}
