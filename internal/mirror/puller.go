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
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	// EngineRegistry pulls images directly from their registry.
	EngineRegistry = "registry"
	// EngineDocker pulls images through a Docker Engine API socket.
	EngineDocker = "docker"

	// DefaultPlatform is the platform images are pulled for.
	DefaultPlatform = "linux/amd64"
)

// DefaultBackoff is the retry backoff of both engines.
var DefaultBackoff = wait.Backoff{
	Duration: 1 * time.Second,
	Factor:   2.0,
	Jitter:   0.1,
	Steps:    4,
	Cap:      30 * time.Second,
}

// Puller fetches an image and writes it as a "docker save" compatible
// archive, tagged as dst.
type Puller interface {
	// Pull fetches src for the configured platform, writes it to archive
	// tagged as dst and returns the image digest.
	Pull(ctx context.Context, src, dst name.Reference, archive string) (string, error)
	// Close releases the resources held by the Puller.
	Close() error
}

// RegistryPullerOption configures a RegistryPuller.
type RegistryPullerOption func(*RegistryPuller)

// WithKeychain sets the keychain used to authenticate against registries.
func WithKeychain(kc authn.Keychain) RegistryPullerOption {
	return func(p *RegistryPuller) {
		p.keychain = kc
	}
}

// WithTransport sets the HTTP transport of the puller.
func WithTransport(t http.RoundTripper) RegistryPullerOption {
	return func(p *RegistryPuller) {
		p.transport = t
	}
}

// WithBackoff sets the retry backoff of the puller.
func WithBackoff(b wait.Backoff) RegistryPullerOption {
	return func(p *RegistryPuller) {
		p.backoff = b
	}
}

// RegistryPuller pulls images from their registry without a daemon.
type RegistryPuller struct {
	platform  v1.Platform
	keychain  authn.Keychain
	transport http.RoundTripper
	backoff   wait.Backoff
}

// NewRegistryPuller returns a RegistryPuller for the given platform
// ("os/arch[/variant]"). It uses the Docker config keychain unless
// configured otherwise.
func NewRegistryPuller(platform string, opts ...RegistryPullerOption) (*RegistryPuller, error) {
	if platform == "" {
		platform = DefaultPlatform
	}
	p, err := v1.ParsePlatform(platform)
	if err != nil {
		return nil, fmt.Errorf("invalid platform '%s': %w", platform, err)
	}
	rp := &RegistryPuller{
		platform:  *p,
		keychain:  authn.DefaultKeychain,
		transport: remote.DefaultTransport,
		backoff:   DefaultBackoff,
	}
	for _, opt := range opts {
		opt(rp)
	}
	return rp, nil
}

// Pull implements Puller.
func (p *RegistryPuller) Pull(ctx context.Context, src, dst name.Reference, archive string) (string, error) {
	img, err := remote.Image(src,
		remote.WithContext(ctx),
		remote.WithPlatform(p.platform),
		remote.WithAuthFromKeychain(p.keychain),
		remote.WithTransport(p.transport),
		remote.WithRetryBackoff(remote.Backoff{
			Duration: p.backoff.Duration,
			Factor:   p.backoff.Factor,
			Jitter:   p.backoff.Jitter,
			Steps:    p.backoff.Steps,
			Cap:      p.backoff.Cap,
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to pull image '%s': %w", src, err)
	}
	d, err := img.Digest()
	if err != nil {
		return "", fmt.Errorf("failed to get digest of image '%s': %w", src, err)
	}

	tmp, err := tempArchive(archive)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)
	if err = tarball.WriteToFile(tmp, dst, img); err != nil {
		return "", fmt.Errorf("failed to save image '%s': %w", src, err)
	}
	if err = os.Rename(tmp, archive); err != nil {
		return "", fmt.Errorf("failed to move archive to '%s': %w", archive, err)
	}
	return d.String(), nil
}

// Close implements Puller.
func (p *RegistryPuller) Close() error {
	return nil
}

// tempArchive returns the path of a new empty file next to archive.
func tempArchive(archive string) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(archive), filepath.Base(archive)+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary archive: %w", err)
	}
	name := f.Name()
	if err = f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}
