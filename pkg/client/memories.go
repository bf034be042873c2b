package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// Store writes a memory through the full multi-store pipeline. Supplying
// the same IdempotencyKey again returns the already-applied result.
func (c *Client) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	var res StoreResult
	if err := c.do(ctx, http.MethodPost, "/v1/memories", nil, req, &res); err != nil {
		return StoreResult{}, err
	}
	return res, nil
}

// Get fetches one memory with its forgetting-curve metrics.
func (c *Client) Get(ctx context.Context, id string) (Node, error) {
	var node Node
	if err := c.do(ctx, http.MethodGet, "/v1/memories/"+url.PathEscape(id), nil, nil, &node); err != nil {
		return Node{}, err
	}
	return node, nil
}

// Delete soft-deletes a memory everywhere.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/memories/"+url.PathEscape(id), nil, nil, nil)
}

// Versions lists a memory's version history, newest first. limit <= 0
// takes the server default.
func (c *Client) Versions(ctx context.Context, id string, limit int) (VersionList, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var list VersionList
	if err := c.do(ctx, http.MethodGet, "/v1/memories/"+url.PathEscape(id)+"/versions", q, nil, &list); err != nil {
		return VersionList{}, err
	}
	return list, nil
}

// RestoreVersion rolls a memory back to an earlier version. The restore
// itself is durable even when Reprojected comes back false.
func (c *Client) RestoreVersion(ctx context.Context, id string, version int) (RestoreResult, error) {
	path := "/v1/memories/" + url.PathEscape(id) + "/versions/" + strconv.Itoa(version) + "/restore"
	var res RestoreResult
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &res); err != nil {
		return RestoreResult{}, err
	}
	return res, nil
}

// Permissions lists the live grants on a memory.
func (c *Client) Permissions(ctx context.Context, id string) (PermissionList, error) {
	var list PermissionList
	if err := c.do(ctx, http.MethodGet, "/v1/memories/"+url.PathEscape(id)+"/permissions", nil, nil, &list); err != nil {
		return PermissionList{}, err
	}
	return list, nil
}

// Grant shares a memory with another user, replacing any existing grant
// for that user.
func (c *Client) Grant(ctx context.Context, id string, req GrantRequest) (Permission, error) {
	var perm Permission
	if err := c.do(ctx, http.MethodPut, "/v1/memories/"+url.PathEscape(id)+"/permissions", nil, req, &perm); err != nil {
		return Permission{}, err
	}
	return perm, nil
}

// Revoke removes a user's grant on a memory.
func (c *Client) Revoke(ctx context.Context, id, userID string) error {
	path := "/v1/memories/" + url.PathEscape(id) + "/permissions/" + url.PathEscape(userID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}
