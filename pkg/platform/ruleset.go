package platform

import (
	"context"
	"fmt"
	"net/url"
)

// Ruleset finds the repository ruleset with the given name and returns its
// full detail (list responses omit rules and bypass actors).
func (c *Client) Ruleset(ctx context.Context, owner, repo, name string) (map[string]any, error) {
	path := fmt.Sprintf("repos/%s/%s/rulesets", url.PathEscape(owner), url.PathEscape(repo))
	list, err := c.GetAll(ctx, path, url.Values{"includes_parents": {"false"}})
	if err != nil {
		return nil, err
	}
	for _, rs := range list {
		if rs["name"] != name {
			continue
		}
		id := fmt.Sprint(rs["id"])
		return c.Get(ctx, fmt.Sprintf("%s/%s", path, url.PathEscape(id)), nil)
	}
	return nil, fmt.Errorf("%w: ruleset %q in %s/%s", ErrNotFound, name, owner, repo)
}
