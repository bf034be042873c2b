package client

import (
	"context"
	"net/http"
	"net/url"
)

// RecordAccess reinforces a memory with an explicit access event and
// returns the refreshed forgetting-curve state.
func (c *Client) RecordAccess(ctx context.Context, id string, req AccessRequest) (AccessResult, error) {
	var res AccessResult
	if err := c.do(ctx, http.MethodPost, "/v1/memories/"+url.PathEscape(id)+"/access", nil, req, &res); err != nil {
		return AccessResult{}, err
	}
	return res, nil
}

// SetImportance pins explicit importance on a memory. At least one field
// of req must be non-nil.
func (c *Client) SetImportance(ctx context.Context, id string, req ImportanceRequest) (Node, error) {
	var node Node
	if err := c.do(ctx, http.MethodPut, "/v1/memories/"+url.PathEscape(id)+"/importance", nil, req, &node); err != nil {
		return Node{}, err
	}
	return node, nil
}

// Ripple queues a boost propagation from a memory to its graph
// neighborhood. The work happens asynchronously; the result only
// acknowledges the enqueue.
func (c *Client) Ripple(ctx context.Context, id string) (RippleResult, error) {
	var res RippleResult
	if err := c.do(ctx, http.MethodPost, "/v1/memories/"+url.PathEscape(id)+"/ripple", nil, nil, &res); err != nil {
		return RippleResult{}, err
	}
	return res, nil
}
