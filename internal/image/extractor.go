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

// Package image collects container image references from rendered
// manifests, chart values and chart annotations.
package image

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/name"
	helmchart "helm.sh/helm/v3/pkg/chart"
	"sigs.k8s.io/yaml"
)

// ImagesAnnotation is the chart annotation listing the images of a chart.
const ImagesAnnotation = "artifacthub.io/images"

// Image is a unique container image reference.
type Image struct {
	// Original is the reference as it was found.
	Original string
	// Reference is the parsed reference.
	Reference name.Reference
	// Sources lists where the reference was found.
	Sources []string
}

// Name returns the fully qualified reference, e.g.
// "index.docker.io/library/nginx:1.25".
func (i *Image) Name() string {
	return i.Reference.Name()
}

// IsDigest returns true if the Image is referenced by digest.
func (i *Image) IsDigest() bool {
	_, ok := i.Reference.(name.Digest)
	return ok
}

// Extractor collects unique image references. It is safe for concurrent
// use.
type Extractor struct {
	log  logr.Logger
	opts []name.Option

	mu      sync.Mutex
	images  map[string]*Image
	invalid map[string]error
}

// NewExtractor returns an Extractor logging invalid references to log.
// The name options control how references are parsed.
func NewExtractor(log logr.Logger, opts ...name.Option) *Extractor {
	return &Extractor{
		log:     log,
		opts:    opts,
		images:  map[string]*Image{},
		invalid: map[string]error{},
	}
}

// Add parses ref and adds it unless an Image with the same fully qualified
// name is present. Invalid references are logged and skipped.
func (e *Extractor) Add(source, ref string) {
	ref, ok := candidate(ref)
	if !ok {
		return
	}
	parsed, err := name.ParseReference(ref, e.opts...)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err != nil {
		if _, seen := e.invalid[ref]; !seen {
			e.invalid[ref] = err
			e.log.Info("skipping invalid image reference", "image", ref, "source", source, "error", err.Error())
		}
		return
	}

	key := parsed.Name()
	if img, ok := e.images[key]; ok {
		// The lowest original spelling wins, which keeps the output stable.
		if ref < img.Original {
			img.Original = ref
			img.Reference = parsed
		}
		img.Sources = appendUnique(img.Sources, source)
		return
	}
	e.images[key] = &Image{Original: ref, Reference: parsed, Sources: []string{source}}
}

// AddManifests scans every document of a YAML stream.
func (e *Extractor) AddManifests(source string, data []byte) error {
	docs, err := SplitDocuments(data)
	if err != nil {
		return fmt.Errorf("failed to read manifests of '%s': %w", source, err)
	}
	for _, d := range docs {
		for _, ref := range Scan(d.Object) {
			e.Add(source, ref)
		}
	}
	return nil
}

// AddManifestFile scans every document of the YAML file at path.
func (e *Extractor) AddManifestFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return e.AddManifests(path, b)
}

// AddValues scans chart values.
func (e *Extractor) AddValues(source string, values map[string]interface{}) {
	for _, ref := range Scan(values) {
		e.Add(source, ref)
	}
}

// AddAnnotations adds the images listed in the ImagesAnnotation of the
// chart.
func (e *Extractor) AddAnnotations(source string, c *helmchart.Chart) error {
	if c.Metadata == nil {
		return nil
	}
	refs, err := AnnotatedImages(c.Metadata.Annotations)
	if err != nil {
		return fmt.Errorf("invalid '%s' annotation of chart '%s': %w", ImagesAnnotation, c.Name(), err)
	}
	for _, ref := range refs {
		e.Add(source, ref)
	}
	return nil
}

// AnnotatedImages returns the images listed in the ImagesAnnotation.
func AnnotatedImages(annotations map[string]string) ([]string, error) {
	raw, ok := annotations[ImagesAnnotation]
	if !ok || raw == "" {
		return nil, nil
	}
	var list []struct {
		Name  string `json:"name"`
		Image string `json:"image"`
	}
	if err := yaml.Unmarshal([]byte(raw), &list); err != nil {
		return nil, err
	}
	refs := make([]string, 0, len(list))
	for _, i := range list {
		if i.Image != "" {
			refs = append(refs, i.Image)
		}
	}
	return refs, nil
}

// Images returns the collected Images sorted by their original reference.
func (e *Extractor) Images() []*Image {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*Image, 0, len(e.images))
	for _, img := range e.images {
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Original < out[j].Original
	})
	return out
}

// Invalid returns the references which could not be parsed, sorted.
func (e *Extractor) Invalid() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]string, 0, len(e.invalid))
	for ref := range e.invalid {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

func appendUnique(s []string, v string) []string {
	for _, existing := range s {
		if existing == v {
			return s
		}
	}
	return append(s, v)
}
