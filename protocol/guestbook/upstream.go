package guestbook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	sitegateway "github.com/mpriddy/site-gateway"
	"github.com/mpriddy/site-gateway/token"
)

const (
	// DefaultBaseURL is the document store's REST API root.
	DefaultBaseURL = "https://firestore.googleapis.com/v1"

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// flatCollection is the top-level entries collection.
	flatCollection = "guestbook"

	// scopedParent is the parent collection for per-scope comment threads.
	// A scope's entries live under {scopedParent}/{scope}/entries.
	scopedParent = "comments"
)

// errNotFound marks a 404 from the document store.
var errNotFound = errors.New("collection not found")

// TokenSource supplies bearer tokens for upstream calls. All adapters share
// the process-wide minter so a refresh is observed everywhere at once.
type TokenSource interface {
	Token(ctx context.Context) (token.AccessToken, error)
}

// Upstream is the document store client. It speaks the store's typed-field
// document REST API and flattens results to plain records.
type Upstream struct {
	documentsURL string
	tokens       TokenSource
	client       *http.Client
	logger       *slog.Logger
	now          func() time.Time
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithBaseURL sets the document store API root (for tests).
func WithBaseURL(base string) UpstreamOption {
	return func(u *Upstream) {
		u.documentsURL = documentsURL(base, u.project())
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithUpstreamLogger sets the logger for the upstream client.
func WithUpstreamLogger(logger *slog.Logger) UpstreamOption {
	return func(u *Upstream) {
		u.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) UpstreamOption {
	return func(u *Upstream) {
		u.now = now
	}
}

// NewUpstream creates a document store client for the given project.
func NewUpstream(project string, tokens TokenSource, opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		documentsURL: documentsURL(DefaultBaseURL, project),
		tokens:       tokens,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func documentsURL(base, project string) string {
	return fmt.Sprintf("%s/projects/%s/databases/(default)/documents",
		strings.TrimSuffix(base, "/"), project)
}

// project recovers the project segment from the documents URL so WithBaseURL
// can rebuild it against a test server.
func (u *Upstream) project() string {
	parts := strings.Split(u.documentsURL, "/")
	for i, p := range parts {
		if p == "projects" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

// collectionPath returns the collection for a scope. An empty scope is the
// flat top-level collection; otherwise entries live under the scope's
// sub-resource.
func collectionPath(scope string) string {
	if scope == "" {
		return flatCollection
	}
	return fmt.Sprintf("%s/%s/entries", scopedParent, url.PathEscape(scope))
}

// List returns the records for a scope. A 404 from the store is reinterpreted
// as an empty collection: scopes are created lazily on first write, so a
// missing collection legitimately means zero entries. Results are ordered
// newest-first for the flat collection and oldest-first for scoped threads.
func (u *Upstream) List(ctx context.Context, scope string) ([]Record, error) {
	docs, err := u.listDocuments(ctx, collectionPath(scope))
	if errors.Is(err, errNotFound) {
		if scope == "" {
			// The flat collection is expected to exist; a 404 here may mean
			// a misconfigured base path rather than an empty guestbook.
			u.logger.Warn("flat collection returned 404, serving empty list")
		}
		return []Record{}, nil
	}
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, recordFromDocument(doc))
	}

	newestFirst := scope == ""
	sort.SliceStable(records, func(i, j int) bool {
		if newestFirst {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

// Create validates and writes a new record, then returns the refreshed
// contents of the scope. Validation happens before any upstream call.
func (u *Upstream) Create(ctx context.Context, scope, name, message string) ([]Record, error) {
	if strings.TrimSpace(name) == "" {
		return nil, sitegateway.Validationf("name is required")
	}
	if strings.TrimSpace(message) == "" {
		return nil, sitegateway.Validationf("message is required")
	}

	if err := u.createDocument(ctx, collectionPath(scope), fieldsForEntry(name, message, u.now().UTC())); err != nil {
		return nil, err
	}

	return u.List(ctx, scope)
}

// listDocuments fetches the raw documents of a collection.
func (u *Upstream) listDocuments(ctx context.Context, collection string) ([]document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.documentsURL+"/"+collection, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := u.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, sitegateway.NewUpstreamError(resp.StatusCode, body)
	}

	var list listResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding listing: %w", err)
	}
	return list.Documents, nil
}

// createDocument writes a typed-field document to a collection.
func (u *Upstream) createDocument(ctx context.Context, collection string, fields map[string]value) error {
	payload, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.documentsURL+"/"+collection, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return sitegateway.NewUpstreamError(resp.StatusCode, body)
	}
	return nil
}

// do attaches the service-identity bearer token and performs the request.
func (u *Upstream) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	tok, err := u.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	return resp, nil
}
