package guestbook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	sitegateway "github.com/mpriddy/site-gateway"
	"github.com/mpriddy/site-gateway/token"
)

// staticTokens is a TokenSource with a fixed value.
type staticTokens struct{ value string }

func (s staticTokens) Token(_ context.Context) (token.AccessToken, error) {
	return token.AccessToken{Value: s.value, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

// docStore is an in-memory typed-field document server. Collections map a
// path to stored documents; writes append with a generated name.
type docStore struct {
	t           *testing.T
	collections map[string][]document
	requests    atomic.Int64
	authSeen    string
}

func newDocStore(t *testing.T) *docStore {
	return &docStore{t: t, collections: map[string][]document{}}
}

func (d *docStore) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		d.requests.Add(1)
		d.authSeen = r.Header.Get("Authorization")

		collection := r.URL.Path
		docs, ok := d.collections[collection]

		switch r.Method {
		case http.MethodGet:
			if !ok {
				http.Error(w, `{"error": {"code": 404}}`, http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(listResponse{Documents: docs})
		case http.MethodPost:
			var body struct {
				Fields map[string]value `json:"fields"`
			}
			require.NoError(d.t, json.NewDecoder(r.Body).Decode(&body))
			d.collections[collection] = append(docs, document{
				Name:   "projects/p/databases/(default)/documents" + collection + "/generated",
				Fields: body.Fields,
			})
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		}
	})

	srv := httptest.NewServer(mux)
	d.t.Cleanup(srv.Close)
	return srv
}

func newTestUpstream(t *testing.T, store *docStore) *Upstream {
	t.Helper()
	srv := store.server()
	return NewUpstream("p", staticTokens{value: "test-token"},
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
	)
}

func doc(id, name, message string, created time.Time) document {
	return document{
		Name:   "projects/p/databases/(default)/documents/guestbook/" + id,
		Fields: fieldsForEntry(name, message, created),
	}
}

func TestListFlatNewestFirst(t *testing.T) {
	store := newDocStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.collections["/projects/p/databases/(default)/documents/guestbook"] = []document{
		doc("old", "Ada", "first", base),
		doc("new", "Grace", "second", base.Add(time.Hour)),
	}

	records, err := newTestUpstream(t, store).List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "new", records[0].ID)
	require.Equal(t, "old", records[1].ID)
	require.Equal(t, "Bearer test-token", store.authSeen)
}

func TestListScopedOldestFirst(t *testing.T) {
	store := newDocStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.collections["/projects/p/databases/(default)/documents/comments/post-1/entries"] = []document{
		doc("late", "Ada", "reply", base.Add(time.Hour)),
		doc("early", "Grace", "comment", base),
	}

	records, err := newTestUpstream(t, store).List(context.Background(), "post-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "early", records[0].ID)
	require.Equal(t, "late", records[1].ID)
}

func TestListMissingScopeIsEmpty(t *testing.T) {
	store := newDocStore(t)

	records, err := newTestUpstream(t, store).List(context.Background(), "never-written")
	require.NoError(t, err)
	require.NotNil(t, records)
	require.Empty(t, records)
}

func TestListMissingFlatCollectionIsEmpty(t *testing.T) {
	store := newDocStore(t)

	records, err := newTestUpstream(t, store).List(context.Background(), "")
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestListAnonymousDefault(t *testing.T) {
	store := newDocStore(t)
	store.collections["/projects/p/databases/(default)/documents/guestbook"] = []document{
		{
			Name: "projects/p/databases/(default)/documents/guestbook/nameless",
			Fields: map[string]value{
				"message": stringField("no author"),
			},
			CreateTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	records, err := newTestUpstream(t, store).List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "anonymous", records[0].Name)
	require.Equal(t, "no author", records[0].Message)
	require.False(t, records[0].CreatedAt.IsZero())
}

func TestCreateValidatesBeforeUpstream(t *testing.T) {
	store := newDocStore(t)
	upstream := newTestUpstream(t, store)

	for name, args := range map[string][2]string{
		"empty name":      {"", "a message"},
		"blank name":      {"   ", "a message"},
		"empty message":   {"Ada", ""},
		"whitespace only": {"Ada", "\t\n"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := upstream.Create(context.Background(), "", args[0], args[1])

			var validation *sitegateway.ValidationError
			require.ErrorAs(t, err, &validation)
		})
	}

	require.Zero(t, store.requests.Load(), "validation failures must not reach the store")
}

func TestCreateReturnsRefreshedScope(t *testing.T) {
	store := newDocStore(t)
	store.collections["/projects/p/databases/(default)/documents/guestbook"] = []document{}

	records, err := newTestUpstream(t, store).Create(context.Background(), "", "Ada", "hello")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "Ada", records[0].Name)
	require.Equal(t, "hello", records[0].Message)
	require.Equal(t, "generated", records[0].ID)
}

func TestCreateScopedWritesUnderScope(t *testing.T) {
	store := newDocStore(t)
	scoped := "/projects/p/databases/(default)/documents/comments/post-7/entries"
	store.collections[scoped] = []document{}

	records, err := newTestUpstream(t, store).Create(context.Background(), "post-7", "Grace", "a comment")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, store.collections[scoped], 1)
}

func TestListUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "store on fire", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	upstream := NewUpstream("p", staticTokens{value: "test-token"},
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
	)

	_, err := upstream.List(context.Background(), "")

	var upstreamErr *sitegateway.UpstreamError
	require.ErrorAs(t, err, &upstreamErr)
	require.Equal(t, http.StatusInternalServerError, upstreamErr.Status)
}
