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

package image

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/google/go-containerregistry/pkg/name"
	. "github.com/onsi/gomega"
	helmchart "helm.sh/helm/v3/pkg/chart"
)

func originals(images []*Image) []string {
	out := make([]string, 0, len(images))
	for _, i := range images {
		out = append(out, i.Original)
	}
	return out
}

func TestExtractor_Add(t *testing.T) {
	g := NewWithT(t)

	e := NewExtractor(logr.Discard())
	e.Add("a", "nginx:1.25")
	e.Add("b", "docker.io/library/nginx:1.25")
	e.Add("c", "index.docker.io/library/nginx:1.25")
	e.Add("a", "quay.io/prometheus/prometheus:v2.51.0")
	e.Add("a", "busybox")
	e.Add("a", "busybox:latest")
	e.Add("a", "UPPER/case:1")
	e.Add("a", "{{ .Values.image }}")
	e.Add("a", "  ")

	images := e.Images()
	g.Expect(originals(images)).To(Equal([]string{
		"busybox",
		"docker.io/library/nginx:1.25",
		"quay.io/prometheus/prometheus:v2.51.0",
	}))
	g.Expect(images[0].Name()).To(Equal("index.docker.io/library/busybox:latest"))
	g.Expect(images[1].Name()).To(Equal("index.docker.io/library/nginx:1.25"))
	g.Expect(images[1].Sources).To(Equal([]string{"a", "b", "c"}))
	g.Expect(images[1].IsDigest()).To(BeFalse())
	g.Expect(e.Invalid()).To(Equal([]string{"UPPER/case:1"}))
}

func TestExtractor_Add_Digest(t *testing.T) {
	g := NewWithT(t)

	const digest = "sha256:0000000000000000000000000000000000000000000000000000000000000000"
	e := NewExtractor(logr.Discard())
	e.Add("a", "ghcr.io/org/app@"+digest)

	images := e.Images()
	g.Expect(images).To(HaveLen(1))
	g.Expect(images[0].IsDigest()).To(BeTrue())
	g.Expect(images[0].Name()).To(Equal("ghcr.io/org/app@" + digest))
}

func TestExtractor_Add_Options(t *testing.T) {
	g := NewWithT(t)

	e := NewExtractor(logr.Discard(), name.WithDefaultRegistry("mirror.example.com"))
	e.Add("a", "nginx:1.25")
	g.Expect(e.Images()[0].Name()).To(Equal("mirror.example.com/nginx:1.25"))
}

func TestExtractor_Add_Concurrent(t *testing.T) {
	g := NewWithT(t)

	e := NewExtractor(logr.Discard())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Add("a", "nginx:1.25")
			e.Add("b", "redis:7")
		}()
	}
	wg.Wait()
	g.Expect(originals(e.Images())).To(Equal([]string{"nginx:1.25", "redis:7"}))
}

func TestExtractor_AddManifests(t *testing.T) {
	g := NewWithT(t)

	e := NewExtractor(logr.Discard())
	g.Expect(e.AddManifests("app", []byte(`apiVersion: v1
kind: Pod
spec:
  initContainers:
    - image: busybox:1.36
  containers:
    - image: "nginx:1.25"
    - image: "{{ .Values.sidecar }}"
`))).To(Succeed())
	g.Expect(originals(e.Images())).To(Equal([]string{"busybox:1.36", "nginx:1.25"}))

	err := e.AddManifests("broken", []byte("kind: [Pod\n"))
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(ContainSubstring("failed to read manifests of 'broken'"))
}

func TestExtractor_AddManifestFile(t *testing.T) {
	g := NewWithT(t)

	p := filepath.Join(t.TempDir(), "deploy.yaml")
	g.Expect(os.WriteFile(p, []byte("spec:\n  containers:\n    - image: nginx:1.25\n"), 0o644)).To(Succeed())

	e := NewExtractor(logr.Discard())
	g.Expect(e.AddManifestFile(p)).To(Succeed())
	g.Expect(e.Images()).To(HaveLen(1))
	g.Expect(e.Images()[0].Sources).To(Equal([]string{p}))

	g.Expect(e.AddManifestFile(filepath.Join(t.TempDir(), "missing.yaml"))).ToNot(Succeed())
}

func TestExtractor_AddValues(t *testing.T) {
	g := NewWithT(t)

	e := NewExtractor(logr.Discard())
	e.AddValues("app", map[string]interface{}{
		"operator": map[string]interface{}{
			"image": map[string]interface{}{"registry": "quay.io", "repository": "org/operator", "tag": "v1.0.0"},
		},
		"managedImage": "ignored:1.0",
	})
	g.Expect(originals(e.Images())).To(Equal([]string{"quay.io/org/operator:v1.0.0"}))
}

func TestExtractor_AddAnnotations(t *testing.T) {
	g := NewWithT(t)

	e := NewExtractor(logr.Discard())
	c := &helmchart.Chart{Metadata: &helmchart.Metadata{
		Name: "app",
		Annotations: map[string]string{
			ImagesAnnotation: `- name: app
  image: ghcr.io/org/app:1.0.0
- name: sidecar
  image: ghcr.io/org/sidecar:2.0.0
  whitelisted: true
`,
		},
	}}
	g.Expect(e.AddAnnotations("app", c)).To(Succeed())
	g.Expect(originals(e.Images())).To(Equal([]string{"ghcr.io/org/app:1.0.0", "ghcr.io/org/sidecar:2.0.0"}))

	c.Metadata.Annotations[ImagesAnnotation] = "not: a list"
	err := e.AddAnnotations("app", c)
	g.Expect(err).To(HaveOccurred())
	g.Expect(err.Error()).To(ContainSubstring("invalid 'artifacthub.io/images' annotation of chart 'app'"))

	g.Expect(e.AddAnnotations("app", &helmchart.Chart{})).To(Succeed())
}

func TestAnnotatedImages(t *testing.T) {
	g := NewWithT(t)

	refs, err := AnnotatedImages(nil)
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(refs).To(BeEmpty())

	refs, err = AnnotatedImages(map[string]string{ImagesAnnotation: "- name: a\n- name: b\n  image: b:1\n"})
	g.Expect(err).ToNot(HaveOccurred())
	g.Expect(refs).To(Equal([]string{"b:1"}))
}
