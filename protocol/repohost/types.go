package repohost

// RepoSummary is a per-request projection of a repository's headline facts.
// It has no lifecycle of its own; every call recomputes it from upstream.
type RepoSummary struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	Link          string `json:"link"`
	Description   string `json:"description"`
	Language      string `json:"language"`
	LanguageColor string `json:"language_color"`
	Stars         int    `json:"stars"`
	Forks         int    `json:"forks"`
}

// UserStats aggregates a user's headline numbers from one composite query.
type UserStats struct {
	PublicRepoCount      int `json:"public_repo_count"`
	Followers            int `json:"followers"`
	Following            int `json:"following"`
	TotalContributions   int `json:"total_contributions"`
	ContributedRepoCount int `json:"contributed_repo_count"`
}
