// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package client

import (
	"context"
	"net/http"
	"net/url"

	"github.com/tomtom215/catalogsync/internal/models"
)

const (
	EndpointLike             = "like"
	EndpointUnlike           = "unlike"
	EndpointLikedIDs         = "liked_ids"
	EndpointListening        = "listening"
	EndpointImpression       = "impression"
	EndpointNotificationRead = "notification_read"
)

func likedPath(ct models.ContentType, id string) string {
	p := "/v1/user/liked/" + url.PathEscape(string(ct))
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	return p
}

// exec performs a write and discards the body of a 2xx response.
func (c *Client) exec(ctx context.Context, endpoint, method, path string, body interface{}) (*response, error) {
	resp, err := c.send(ctx, request{endpoint: endpoint, method: method, path: path, body: body})
	if err != nil {
		return nil, err
	}
	if err := check(endpoint, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// LikeContent marks a catalog entity as liked.
func (c *Client) LikeContent(ctx context.Context, ct models.ContentType, id string) error {
	_, err := c.exec(ctx, EndpointLike, http.MethodPost, likedPath(ct, id), nil)
	return err
}

// UnlikeContent removes a like.
func (c *Client) UnlikeContent(ctx context.Context, ct models.ContentType, id string) error {
	_, err := c.exec(ctx, EndpointUnlike, http.MethodDelete, likedPath(ct, id), nil)
	return err
}

// LikedIDs returns every id of type ct the server has as liked.
func (c *Client) LikedIDs(ctx context.Context, ct models.ContentType) ([]string, error) {
	var ids []string
	if err := c.getJSON(ctx, EndpointLikedIDs, likedPath(ct, ""), nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// RecordListening reports a listening session. The session id makes the
// call idempotent: a repeat returns the existing id with Created false.
func (c *Client) RecordListening(ctx context.Context, ev models.ListeningEvent) (models.ListeningEventResponse, error) {
	var out models.ListeningEventResponse
	resp, err := c.exec(ctx, EndpointListening, http.MethodPost, "/v1/user/listening", ev)
	if err != nil {
		return out, err
	}
	err = decode(EndpointListening, resp, &out)
	return out, err
}

// RecordImpression reports a page impression.
func (c *Client) RecordImpression(ctx context.Context, imp models.Impression) error {
	_, err := c.exec(ctx, EndpointImpression, http.MethodPost, "/v1/user/impression", imp)
	return err
}

// MarkNotificationRead sends a read receipt.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := c.exec(ctx, EndpointNotificationRead, http.MethodPost,
		"/v1/user/notifications/"+url.PathEscape(id)+"/read", nil)
	return err
}
