package repohost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gregjones/httpcache"

	sitegateway "github.com/mpriddy/site-gateway"
	"github.com/mpriddy/site-gateway/telemetry"
)

const (
	// DefaultGraphQLURL is the repository host's GraphQL endpoint.
	DefaultGraphQLURL = "https://api.github.com/graphql"

	// DefaultRESTBaseURL is the repository host's REST API root.
	DefaultRESTBaseURL = "https://api.github.com"

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// pinnedLimit bounds how many pinned repositories a profile exposes.
	pinnedLimit = 6
)

const userStatsQuery = `query($login: String!) {
	user(login: $login) {
		repositories(privacy: PUBLIC) { totalCount }
		followers { totalCount }
		following { totalCount }
		contributionsCollection {
			contributionCalendar { totalContributions }
		}
		repositoriesContributedTo(contributionTypes: [COMMIT, ISSUE, PULL_REQUEST, REPOSITORY]) { totalCount }
	}
}`

const pinnedReposQuery = `query($login: String!) {
	user(login: $login) {
		pinnedItems(first: 6, types: REPOSITORY) {
			nodes {
				... on Repository {
					name
					description
					url
					stargazerCount
					forkCount
					owner { login }
					primaryLanguage { name color }
				}
			}
		}
	}
}`

// graphqlRequest is the JSON body sent to the GraphQL endpoint.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// graphqlEnvelope is the outer shape of every GraphQL response. Data is
// decoded per query; Errors is shared across them.
type graphqlEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"errors"`
}

type statsData struct {
	User *struct {
		Repositories struct {
			TotalCount int `json:"totalCount"`
		} `json:"repositories"`
		Followers struct {
			TotalCount int `json:"totalCount"`
		} `json:"followers"`
		Following struct {
			TotalCount int `json:"totalCount"`
		} `json:"following"`
		ContributionsCollection struct {
			ContributionCalendar struct {
				TotalContributions int `json:"totalContributions"`
			} `json:"contributionCalendar"`
		} `json:"contributionsCollection"`
		RepositoriesContributedTo struct {
			TotalCount int `json:"totalCount"`
		} `json:"repositoriesContributedTo"`
	} `json:"user"`
}

type pinnedData struct {
	User *struct {
		PinnedItems struct {
			Nodes []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				URL         string `json:"url"`
				Stars       int    `json:"stargazerCount"`
				Forks       int    `json:"forkCount"`
				Owner       struct {
					Login string `json:"login"`
				} `json:"owner"`
				PrimaryLanguage *struct {
					Name  string `json:"name"`
					Color string `json:"color"`
				} `json:"primaryLanguage"`
			} `json:"nodes"`
		} `json:"pinnedItems"`
	} `json:"user"`
}

// Upstream is the repository host client. Composite queries go over GraphQL;
// list and activity endpoints are passed through the REST API untouched.
type Upstream struct {
	graphqlURL string
	restURL    string
	token      string
	client     *http.Client
	logger     *slog.Logger
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithGraphQLURL sets the GraphQL endpoint (for tests).
func WithGraphQLURL(u string) UpstreamOption {
	return func(up *Upstream) {
		up.graphqlURL = u
	}
}

// WithRESTBaseURL sets the REST API root (for tests).
func WithRESTBaseURL(u string) UpstreamOption {
	return func(up *Upstream) {
		up.restURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(up *Upstream) {
		up.client = client
	}
}

// WithUpstreamLogger sets the logger for the upstream client.
func WithUpstreamLogger(logger *slog.Logger) UpstreamOption {
	return func(up *Upstream) {
		up.logger = logger
	}
}

// NewUpstream creates a repository host client. The transport stack is an
// ETag-aware response cache under the metrics transport, which keeps repeat
// queries cheap against the host's rate limits.
func NewUpstream(accessToken string, opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		graphqlURL: DefaultGraphQLURL,
		restURL:    DefaultRESTBaseURL,
		token:      accessToken,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(httpcache.NewMemoryCacheTransport(), "repohost"),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// UserStats aggregates a user's headline numbers with one composite query.
func (u *Upstream) UserStats(ctx context.Context, username string) (*UserStats, error) {
	var data statsData
	if err := u.graphql(ctx, userStatsQuery, username, &data); err != nil {
		return nil, err
	}
	if data.User == nil {
		return nil, &sitegateway.NotFoundError{Resource: "user " + username}
	}

	return &UserStats{
		PublicRepoCount:      data.User.Repositories.TotalCount,
		Followers:            data.User.Followers.TotalCount,
		Following:            data.User.Following.TotalCount,
		TotalContributions:   data.User.ContributionsCollection.ContributionCalendar.TotalContributions,
		ContributedRepoCount: data.User.RepositoriesContributedTo.TotalCount,
	}, nil
}

// PinnedRepos returns the user's pinned repositories, at most six, in the
// order the profile pins them.
func (u *Upstream) PinnedRepos(ctx context.Context, username string) ([]RepoSummary, error) {
	var data pinnedData
	if err := u.graphql(ctx, pinnedReposQuery, username, &data); err != nil {
		return nil, err
	}
	if data.User == nil {
		return nil, &sitegateway.NotFoundError{Resource: "user " + username}
	}

	nodes := data.User.PinnedItems.Nodes
	if len(nodes) > pinnedLimit {
		nodes = nodes[:pinnedLimit]
	}

	repos := make([]RepoSummary, 0, len(nodes))
	for _, node := range nodes {
		summary := RepoSummary{
			Owner:       node.Owner.Login,
			Name:        node.Name,
			Link:        node.URL,
			Description: node.Description,
			Stars:       node.Stars,
			Forks:       node.Forks,
		}
		if node.PrimaryLanguage != nil {
			summary.Language = node.PrimaryLanguage.Name
			summary.LanguageColor = node.PrimaryLanguage.Color
		}
		repos = append(repos, summary)
	}
	return repos, nil
}

// Passthrough relays a user-scoped REST listing verbatim. The gateway only
// injects the credential; the payload is not reshaped.
func (u *Upstream) Passthrough(ctx context.Context, username, sub string) ([]byte, error) {
	target := fmt.Sprintf("%s/users/%s/%s", u.restURL, url.PathEscape(username), url.PathEscape(sub))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	u.authorize(req)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, &sitegateway.NotFoundError{Resource: "user " + username}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, sitegateway.NewUpstreamError(resp.StatusCode, body)
	}
	return body, nil
}

// graphql posts a single-variable query and decodes the data payload into out.
func (u *Upstream) graphql(ctx context.Context, query, login string, out any) error {
	payload, err := json.Marshal(graphqlRequest{
		Query:     query,
		Variables: map[string]any{"login": login},
	})
	if err != nil {
		return fmt.Errorf("encoding query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.graphqlURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	u.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return sitegateway.NewUpstreamError(resp.StatusCode, body)
	}

	var env graphqlEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	for _, gqlErr := range env.Errors {
		if gqlErr.Type == "NOT_FOUND" {
			return &sitegateway.NotFoundError{Resource: "user " + login}
		}
	}
	if len(env.Errors) > 0 {
		return sitegateway.NewUpstreamError(http.StatusOK, []byte(env.Errors[0].Message))
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding data: %w", err)
	}
	return nil
}

func (u *Upstream) authorize(req *http.Request) {
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}
}
