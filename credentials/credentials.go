// Package credentials resolves the gateway's secret configuration from a
// JSON template file. Secrets stay out of code and flags; the template pulls
// them from the environment, files, or registered secret providers.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/template"
)

const (
	// maxInputSize is the maximum size of a secrets template file (1MB).
	maxInputSize = 1 << 20
	// maxOutputSize is the maximum size of rendered template output (1MB).
	maxOutputSize = 1 << 20
)

// Secrets holds all resolved secret values the gateway needs.
type Secrets struct {
	// ServiceIdentity is the service account email used as the JWT issuer.
	ServiceIdentity string `json:"service_identity"`
	// SigningKeyPEM is the PEM-encoded PKCS#8 RSA key for signing assertions.
	SigningKeyPEM string `json:"signing_key_pem"`
	// ProjectID identifies the document store project.
	ProjectID string `json:"project_id"`
	// RepoHostToken authenticates against the repository hosting API.
	RepoHostToken string `json:"repo_host_token"`
	// RestrictedOrigins maps path prefixes to the single origin allowed to
	// call them. Paths not listed are served with a wildcard origin.
	RestrictedOrigins map[string]string `json:"restricted_origins,omitempty"`
}

// Validate checks that every required secret is present. It reports which
// fields are missing by name, never their values.
func (s *Secrets) Validate() error {
	var missing []string
	if s.ServiceIdentity == "" {
		missing = append(missing, "service_identity")
	}
	if s.SigningKeyPEM == "" {
		missing = append(missing, "signing_key_pem")
	}
	if s.ProjectID == "" {
		missing = append(missing, "project_id")
	}
	if s.RepoHostToken == "" {
		missing = append(missing, "repo_host_token")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required secrets: %s", strings.Join(missing, ", "))
	}
	return nil
}

// SecretProvider resolves a secret reference to its value.
type SecretProvider func(ctx context.Context, ref string) (string, error)

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// Resolver executes a template file and parses the result into Secrets.
type Resolver struct {
	providers map[string]SecretProvider
	logger    *slog.Logger
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithProvider registers a named secret provider as a template function.
func WithProvider(name string, p SecretProvider) ResolverOption {
	return func(r *Resolver) {
		r.providers[name] = p
	}
}

// NewResolver creates a new secrets resolver with the given options.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		providers: make(map[string]SecretProvider),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveFile reads and resolves a secrets template file.
func (r *Resolver) ResolveFile(ctx context.Context, path string) (*Secrets, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening secrets file: %w", err)
	}
	defer f.Close()

	return r.ResolveReader(ctx, f)
}

// ResolveReader resolves a secrets template from a reader.
func (r *Resolver) ResolveReader(ctx context.Context, reader io.Reader) (*Secrets, error) {
	limited := io.LimitReader(reader, maxInputSize+1)

	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading secrets template: %w", err)
	}

	if len(data) > maxInputSize {
		return nil, fmt.Errorf("secrets template exceeds maximum size of %d bytes", maxInputSize)
	}

	// Build template function map with memoization cache.
	cache := make(map[string]string)
	funcMap := r.buildFuncMap(ctx, cache)

	tmpl, err := template.New("secrets").
		Option("missingkey=error").
		Funcs(funcMap).
		Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing secrets template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return nil, fmt.Errorf("executing secrets template: %w", err)
	}

	if buf.Len() > maxOutputSize {
		return nil, fmt.Errorf("rendered secrets exceed maximum size of %d bytes", maxOutputSize)
	}

	var secrets Secrets
	if err := json.Unmarshal(buf.Bytes(), &secrets); err != nil {
		return nil, fmt.Errorf("invalid secrets JSON after template execution: %w", err)
	}

	return &secrets, nil
}

// buildFuncMap creates the template function map with built-in and provider functions.
func (r *Resolver) buildFuncMap(ctx context.Context, cache map[string]string) template.FuncMap {
	fm := template.FuncMap{
		"env": func(key string) (string, error) {
			val, ok := os.LookupEnv(key)
			if !ok {
				return "", fmt.Errorf("environment variable %q is not set", key)
			}
			return val, nil
		},
		"envDefault": func(key, fallback string) string {
			if val, ok := os.LookupEnv(key); ok {
				return val
			}
			return fallback
		},
		"file": func(path string) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading file %q: %w", path, err)
			}
			return strings.TrimSpace(string(data)), nil
		},
		"json": func(v string) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("JSON encoding value: %w", err)
			}
			return string(b), nil
		},
	}

	// Register provider functions.
	for name, provider := range r.providers {
		fm[name] = r.makeProviderFunc(ctx, name, provider, cache)
	}

	return fm
}

// makeProviderFunc creates a memoized template function for a secret provider.
func (r *Resolver) makeProviderFunc(ctx context.Context, name string, provider SecretProvider, cache map[string]string) func(string) (string, error) {
	return func(ref string) (string, error) {
		cacheKey := name + ":" + ref
		if val, ok := cache[cacheKey]; ok {
			return val, nil
		}

		val, err := provider(ctx, ref)
		if err != nil {
			return "", fmt.Errorf("provider %q failed for ref %q: %w", name, ref, err)
		}

		cache[cacheKey] = val
		return val, nil
	}
}
