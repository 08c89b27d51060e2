package collector

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// Source is the read-only surface of the Source Platform API the collector needs.
type Source interface {
	Get(ctx context.Context, path string, query url.Values) (map[string]any, error)
	GetAll(ctx context.Context, path string, query url.Values) ([]map[string]any, error)
	GetPage(ctx context.Context, path string, query url.Values) ([]map[string]any, error)
}

// Target identifies what is being evidenced.
type Target struct {
	Org    string
	Repo   string
	Branch string
	// PRLookback bounds how many recently closed pull requests are examined.
	PRLookback int
}

// Column maps a dotted field path of a raw record to a table header.
type Column struct {
	Header string
	Path   string
}

// FetchFunc retrieves the raw records of one artifact.
type FetchFunc func(ctx context.Context, src Source, t Target) ([]map[string]any, error)

// Spec declares one artifact type.
type Spec struct {
	Name string
	// Optional artifacts may be unavailable on some platform tiers; their
	// failure is recorded as a warning instead of aborting the run.
	Optional bool
	Columns  []Column
	Fetch    FetchFunc
}

func cols(pairs ...string) []Column {
	out := make([]Column, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Column{Header: headerFor(p), Path: p})
	}
	return out
}

func headerFor(path string) string {
	b := []byte(path)
	for i, c := range b {
		if c == '.' {
			b[i] = '_'
		}
	}
	return string(b)
}

func list(pathf func(Target) string, query url.Values) FetchFunc {
	return func(ctx context.Context, src Source, t Target) ([]map[string]any, error) {
		return src.GetAll(ctx, pathf(t), query)
	}
}

func orgPath(suffix string) func(Target) string {
	return func(t Target) string {
		return fmt.Sprintf("orgs/%s/%s", url.PathEscape(t.Org), suffix)
	}
}

func repoPath(suffix string) func(Target) string {
	return func(t Target) string {
		return fmt.Sprintf("repos/%s/%s/%s", url.PathEscape(t.Org), url.PathEscape(t.Repo), suffix)
	}
}

// DefaultCatalog is the artifact set captured on every run.
func DefaultCatalog() []Spec {
	return []Spec{
		{
			Name:    "org_members",
			Columns: cols("login", "id", "type", "site_admin"),
			Fetch:   list(orgPath("members"), nil),
		},
		{
			Name:     "org_2fa_disabled",
			Optional: true,
			Columns:  cols("login", "id", "type"),
			Fetch:    list(orgPath("members"), url.Values{"filter": {"2fa_disabled"}}),
		},
		{
			Name:     "sso_authorizations",
			Optional: true,
			Columns:  cols("login", "credential_type", "credential_authorized_at", "credential_accessed_at", "scopes"),
			Fetch:    list(orgPath("credential-authorizations"), nil),
		},
		{
			Name:    "teams",
			Columns: cols("slug", "name", "privacy", "permission", "parent.slug"),
			Fetch:   list(orgPath("teams"), nil),
		},
		{
			Name: "repo_collaborators",
			Columns: cols("login", "id", "role_name",
				"permissions.admin", "permissions.maintain", "permissions.push",
				"permissions.triage", "permissions.pull"),
			Fetch: list(repoPath("collaborators"), url.Values{"affiliation": {"all"}}),
		},
		{
			Name:    "repo_teams",
			Columns: cols("slug", "name", "permission"),
			Fetch:   list(repoPath("teams"), nil),
		},
		{
			Name: "branch_protection",
			Columns: cols("branch", "required_signatures.enabled", "enforce_admins.enabled",
				"required_pull_request_reviews.required_approving_review_count",
				"required_pull_request_reviews.require_code_owner_reviews",
				"required_status_checks.strict", "required_status_checks.contexts",
				"required_linear_history.enabled", "allow_force_pushes.enabled",
				"allow_deletions.enabled"),
			Fetch: fetchBranchProtection,
		},
		{
			Name:    "rulesets",
			Columns: cols("id", "name", "target", "enforcement", "source_type"),
			Fetch:   list(repoPath("rulesets"), nil),
		},
		{
			Name: "dependabot_alerts",
			Columns: cols("number", "state", "dependency.package.ecosystem", "dependency.package.name",
				"security_advisory.ghsa_id", "security_advisory.severity",
				"created_at", "fixed_at", "dismissed_at"),
			Fetch: list(repoPath("dependabot/alerts"), url.Values{"state": {"open,fixed,dismissed,auto_dismissed"}}),
		},
		{
			Name:    "pr_approvals",
			Columns: cols("number", "title", "author", "merged_at", "merged_by", "approval_count", "approvers"),
			Fetch:   fetchPRApprovals,
		},
	}
}

func fetchBranchProtection(ctx context.Context, src Source, t Target) ([]map[string]any, error) {
	path := repoPath("branches/" + url.PathEscape(t.Branch) + "/protection")(t)
	obj, err := src.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	obj["branch"] = t.Branch
	return []map[string]any{obj}, nil
}

// fetchPRApprovals records, for each recently merged pull request into the
// protected branch, who approved it.
func fetchPRApprovals(ctx context.Context, src Source, t Target) ([]map[string]any, error) {
	lookback := t.PRLookback
	if lookback <= 0 || lookback > 100 {
		lookback = 100
	}
	pulls, err := src.GetPage(ctx, repoPath("pulls")(t), url.Values{
		"state":     {"closed"},
		"base":      {t.Branch},
		"sort":      {"updated"},
		"direction": {"desc"},
		"per_page":  {strconv.Itoa(lookback)},
	})
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(pulls))
	for _, pr := range pulls {
		if pr["merged_at"] == nil {
			continue
		}
		number := fmt.Sprint(pr["number"])
		reviews, err := src.GetAll(ctx, repoPath("pulls/"+number+"/reviews")(t), nil)
		if err != nil {
			return nil, fmt.Errorf("reviews for #%s: %w", number, err)
		}
		approvers := approversOf(reviews)
		out = append(out, map[string]any{
			"number":         pr["number"],
			"title":          pr["title"],
			"author":         lookup(pr, "user.login"),
			"merged_at":      pr["merged_at"],
			"merged_by":      lookup(pr, "merged_by.login"),
			"approval_count": len(approvers),
			"approvers":      approvers,
		})
	}
	return out, nil
}

// approversOf returns the logins whose latest review is an approval, sorted.
func approversOf(reviews []map[string]any) []any {
	latest := make(map[string]string)
	var order []string
	for _, r := range reviews {
		login, _ := lookup(r, "user.login").(string)
		state, _ := r["state"].(string)
		if login == "" || state == "COMMENTED" {
			continue
		}
		if _, seen := latest[login]; !seen {
			order = append(order, login)
		}
		latest[login] = state
	}
	approvers := make([]string, 0, len(order))
	for _, login := range order {
		if latest[login] == "APPROVED" {
			approvers = append(approvers, login)
		}
	}
	sortStrings(approvers)
	out := make([]any, len(approvers))
	for i, a := range approvers {
		out[i] = a
	}
	return out
}
