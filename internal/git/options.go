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

package git

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

const (
	DefaultOrigin            = "origin"
	DefaultPublicKeyAuthUser = "git"
)

// Reference selects the revision to check out. Commit takes precedence
// over SemVer, SemVer over Tag and Tag over Branch. An empty Reference
// checks out the default branch of the remote.
type Reference struct {
	Branch string
	Tag    string
	SemVer string
	Commit string
}

// String returns a short description of the Reference.
func (r Reference) String() string {
	switch {
	case r.Commit != "":
		return "commit " + r.Commit
	case r.SemVer != "":
		return "semver " + r.SemVer
	case r.Tag != "":
		return "tag " + r.Tag
	case r.Branch != "":
		return "branch " + r.Branch
	default:
		return "default branch"
	}
}

type TransportType string

const (
	SSH   TransportType = "ssh"
	HTTPS TransportType = "https"
	HTTP  TransportType = "http"
	File  TransportType = "file"
	Git   TransportType = "git"
)

// AuthOptions are the authentication options for the Transport of
// communication with a remote origin.
type AuthOptions struct {
	Transport TransportType
	Username  string
	Password  string
	// IdentityFile is the path of a private key used for SSH. Without it
	// the SSH agent is used.
	IdentityFile string
	// CABundle is a PEM encoded bundle of certificate authorities trusted
	// for HTTPS.
	CABundle []byte
}

// Validate the AuthOptions against the defined Transport.
func (o AuthOptions) Validate() error {
	switch o.Transport {
	case HTTPS, HTTP:
		if o.Username == "" && o.Password != "" {
			return fmt.Errorf("invalid '%s' auth option: 'password' requires 'username' to be set", o.Transport)
		}
	case SSH, File, Git:
	case "":
		return fmt.Errorf("no transport type set")
	default:
		return fmt.Errorf("unknown transport '%s'", o.Transport)
	}
	return nil
}

// NewAuthOptions returns validated AuthOptions for the repository URL.
// Credentials embedded in an HTTP(S) URL are used when username and
// password are empty.
func NewAuthOptions(repoURL, username, password, identityFile, caFile string) (*AuthOptions, error) {
	t, u, err := transportForURL(repoURL)
	if err != nil {
		return nil, err
	}

	opts := &AuthOptions{
		Transport:    t,
		Username:     username,
		Password:     password,
		IdentityFile: identityFile,
	}
	if (t == HTTP || t == HTTPS) && u.User != nil && opts.Username == "" && opts.Password == "" {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	if caFile != "" {
		if opts.CABundle, err = os.ReadFile(caFile); err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
	}

	if err = opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// IsRepositoryURL returns true if ref looks like a Git repository URL,
// including the SCP-like "git@host:org/repo.git" form.
func IsRepositoryURL(ref string) bool {
	switch {
	case strings.HasPrefix(ref, "git@"), strings.HasPrefix(ref, "git://"), strings.HasPrefix(ref, "ssh://"):
		return true
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return false
		}
		return strings.HasSuffix(strings.TrimSuffix(u.Path, "/"), ".git")
	}
	return false
}

func transportForURL(repoURL string) (TransportType, *url.URL, error) {
	if strings.HasPrefix(repoURL, "git@") {
		return SSH, nil, nil
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse URL to determine auth strategy: %w", err)
	}
	return TransportType(u.Scheme), u, nil
}

// transportAuth constructs the transport.AuthMethod for the Transport of
// the given AuthOptions. It returns the result, or an error.
func transportAuth(opts *AuthOptions) (transport.AuthMethod, error) {
	if opts == nil {
		return nil, nil
	}
	switch opts.Transport {
	case HTTPS, HTTP:
		// Some providers (i.e. GitLab) will reject empty credentials for
		// public repositories.
		if opts.Username != "" || opts.Password != "" {
			return &http.BasicAuth{
				Username: opts.Username,
				Password: opts.Password,
			}, nil
		}
		return nil, nil
	case SSH:
		if opts.IdentityFile != "" {
			user := opts.Username
			if user == "" {
				user = DefaultPublicKeyAuthUser
			}
			return ssh.NewPublicKeysFromFile(user, opts.IdentityFile, opts.Password)
		}
		return nil, nil
	case File, Git:
		return nil, nil
	case "":
		return nil, fmt.Errorf("no transport type set")
	default:
		return nil, fmt.Errorf("unknown transport '%s'", opts.Transport)
	}
}

// caBundle returns the CA bundle from the given AuthOptions.
func caBundle(opts *AuthOptions) []byte {
	if opts == nil {
		return nil
	}
	return opts.CABundle
}
