package oci

import (
	"context"
	"fmt"
	"net/http"

	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"
)

const defaultUserAgent = "pakt/1.0"

// RepositoryOption configures NewRepository.
type RepositoryOption func(*repositoryConfig)

type repositoryConfig struct {
	plainHTTP  bool
	userAgent  string
	credential auth.CredentialFunc
	client     *http.Client
	err        error
}

// WithPlainHTTP talks to the registry without TLS, for local registries.
func WithPlainHTTP(enabled bool) RepositoryOption {
	return func(c *repositoryConfig) {
		c.plainHTTP = enabled
	}
}

// WithUserAgent sets the User-Agent header for registry requests.
func WithUserAgent(ua string) RepositoryOption {
	return func(c *repositoryConfig) {
		c.userAgent = ua
	}
}

// WithCredentialStore reads credentials from store.
func WithCredentialStore(store credentials.Store) RepositoryOption {
	return func(c *repositoryConfig) {
		c.credential = credentials.Credential(store)
	}
}

// WithStaticCredentials uses a fixed username and password for host.
func WithStaticCredentials(host, username, password string) RepositoryOption {
	return func(c *repositoryConfig) {
		c.credential = auth.StaticCredential(host, auth.Credential{Username: username, Password: password})
	}
}

// WithStaticToken uses a fixed bearer token for host.
func WithStaticToken(host, token string) RepositoryOption {
	return func(c *repositoryConfig) {
		c.credential = auth.StaticCredential(host, auth.Credential{AccessToken: token})
	}
}

// WithDockerConfig reads credentials from the docker config file and its
// credential helpers. NewRepository fails if the config cannot be loaded; a
// missing config file is not an error.
func WithDockerConfig() RepositoryOption {
	return func(c *repositoryConfig) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			c.err = fmt.Errorf("load docker credentials: %w", err)
			return
		}
		c.credential = credentials.Credential(store)
	}
}

// WithHTTPClient sets the HTTP client beneath the auth layer. The default
// retries transient failures.
func WithHTTPClient(client *http.Client) RepositoryOption {
	return func(c *repositoryConfig) {
		c.client = client
	}
}

// NewRepository returns a remote repository for ref ("host/name", optionally
// with a tag or digest) that can be passed to Push, Pull, and PullFile.
func NewRepository(ref string, opts ...RepositoryOption) (*remote.Repository, error) {
	cfg := repositoryConfig{
		userAgent: defaultUserAgent,
		client:    retry.DefaultClient,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}

	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidReference, ref, err)
	}
	repo.PlainHTTP = cfg.plainHTTP

	credential := cfg.credential
	if credential == nil {
		credential = func(context.Context, string) (auth.Credential, error) {
			return auth.EmptyCredential, nil
		}
	}
	repo.Client = &auth.Client{
		Client:     cfg.client,
		Cache:      auth.NewCache(),
		Credential: credential,
		Header: http.Header{
			"User-Agent": []string{cfg.userAgent},
		},
	}
	return repo, nil
}

// BlobURL returns the registry URL of the blob dgst in the repository named
// by ref. Combined with http.NewSource it lets an archive layer be opened
// lazily with range requests. Registries that require token exchange need
// an Authorization header from the caller.
func BlobURL(ref, dgst string, plainHTTP bool) (string, error) {
	parsed, err := registry.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}
	scheme := "https"
	if plainHTTP {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", scheme, parsed.Host(), parsed.Repository, dgst), nil
}
