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
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
)

// DockerClient is the subset of the Docker Engine API used by DockerPuller.
type DockerClient interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageTag(ctx context.Context, source, target string) error
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageSave(ctx context.Context, imageIDs []string, opts ...client.ImageSaveOption) (io.ReadCloser, error)
	Close() error
}

// DockerPuller pulls images through a Docker Engine API compatible daemon,
// which includes the Podman socket.
type DockerPuller struct {
	client   DockerClient
	platform string
	keychain authn.Keychain
	backoff  wait.Backoff
}

// NewDockerPuller returns a DockerPuller connected to the daemon configured
// through the DOCKER_HOST environment. Registry credentials are resolved
// with keychain, or the default Docker keychain when nil.
func NewDockerPuller(platform string, keychain authn.Keychain) (*DockerPuller, error) {
	c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewDockerPullerWithClient(c, platform, keychain), nil
}

// NewDockerPullerWithClient returns a DockerPuller using the given client.
func NewDockerPullerWithClient(c DockerClient, platform string, keychain authn.Keychain) *DockerPuller {
	if platform == "" {
		platform = DefaultPlatform
	}
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}
	return &DockerPuller{
		client:   c,
		platform: platform,
		keychain: keychain,
		backoff:  DefaultBackoff,
	}
}

// Pull implements Puller.
func (p *DockerPuller) Pull(ctx context.Context, src, dst name.Reference, archive string) (string, error) {
	auth, err := p.registryAuth(src)
	if err != nil {
		return "", err
	}

	err = retry.OnError(p.backoff, isRetriable, func() error {
		return p.pull(ctx, src.String(), auth)
	})
	if err != nil {
		return "", fmt.Errorf("failed to pull image '%s': %w", src, err)
	}

	if dst.String() != src.String() {
		if err = p.client.ImageTag(ctx, src.String(), dst.String()); err != nil {
			return "", fmt.Errorf("failed to tag image '%s' as '%s': %w", src, dst, err)
		}
	}

	inspect, err := p.client.ImageInspect(ctx, src.String())
	if err != nil {
		return "", fmt.Errorf("failed to inspect image '%s': %w", src, err)
	}

	if err = p.save(ctx, dst.String(), archive); err != nil {
		return "", fmt.Errorf("failed to save image '%s': %w", dst, err)
	}
	return repoDigest(inspect.RepoDigests, inspect.ID), nil
}

// Close implements Puller.
func (p *DockerPuller) Close() error {
	return p.client.Close()
}

func (p *DockerPuller) pull(ctx context.Context, ref, auth string) error {
	rc, err := p.client.ImagePull(ctx, ref, image.PullOptions{
		Platform:     p.platform,
		RegistryAuth: auth,
	})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The daemon reports pull failures in the progress stream.
	return jsonmessage.DisplayJSONMessagesStream(rc, io.Discard, 0, false, nil)
}

func (p *DockerPuller) save(ctx context.Context, ref, archive string) error {
	rc, err := p.client.ImageSave(ctx, []string{ref})
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp, err := tempArchive(archive)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, archive)
}

// registryAuth returns the encoded credentials of the registry of ref, or
// an empty string for anonymous access.
func (p *DockerPuller) registryAuth(ref name.Reference) (string, error) {
	authenticator, err := p.keychain.Resolve(ref.Context())
	if err != nil {
		return "", fmt.Errorf("failed to resolve credentials for '%s': %w", ref.Context().RegistryStr(), err)
	}
	if authenticator == authn.Anonymous {
		return "", nil
	}
	cfg, err := authenticator.Authorization()
	if err != nil {
		return "", fmt.Errorf("failed to get credentials for '%s': %w", ref.Context().RegistryStr(), err)
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      cfg.Username,
		Password:      cfg.Password,
		Auth:          cfg.Auth,
		IdentityToken: cfg.IdentityToken,
		RegistryToken: cfg.RegistryToken,
		ServerAddress: ref.Context().RegistryStr(),
	})
}

func isRetriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errdefs.IsNotFound(err) && !errdefs.IsUnauthorized(err) &&
		!errdefs.IsForbidden(err) && !errdefs.IsInvalidParameter(err)
}

// repoDigest returns the digest part of the first repository digest, or
// the image ID when the image has none.
func repoDigest(repoDigests []string, id string) string {
	for _, rd := range repoDigests {
		if _, d, ok := strings.Cut(rd, "@"); ok {
			return d
		}
	}
	return id
}
