// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/tomtom215/catalogsync/internal/models"
)

// Endpoint labels used in errors and metrics.
const (
	EndpointSkeletonVersion = "skeleton_version"
	EndpointSkeletonFull    = "skeleton_full"
	EndpointSkeletonDelta   = "skeleton_delta"
	EndpointCatalogEvents   = "catalog_events"
	EndpointUserEvents      = "user_events"
	EndpointSyncState       = "sync_state"
)

func sinceQuery(since int64) url.Values {
	return url.Values{"since": []string{strconv.FormatInt(since, 10)}}
}

// SkeletonVersion fetches the server's current skeleton version and
// checksum.
func (c *Client) SkeletonVersion(ctx context.Context) (models.SkeletonVersion, error) {
	var v models.SkeletonVersion
	err := c.getJSON(ctx, EndpointSkeletonVersion, "/v1/catalog/skeleton/version", nil, &v)
	return v, err
}

// FullSkeleton fetches the complete structural snapshot.
func (c *Client) FullSkeleton(ctx context.Context) (*models.FullSkeleton, error) {
	var s models.FullSkeleton
	if err := c.getJSON(ctx, EndpointSkeletonFull, "/v1/catalog/skeleton", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SkeletonDelta fetches the changes since version. It returns
// ErrVersionTooOld (wrapped) when the server no longer has a delta from
// that version.
func (c *Client) SkeletonDelta(ctx context.Context, since int64) (*models.SkeletonDelta, error) {
	resp, err := c.send(ctx, request{
		endpoint: EndpointSkeletonDelta,
		method:   http.MethodGet,
		path:     "/v1/catalog/skeleton/delta",
		query:    sinceQuery(since),
	})
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNotFound {
		var tooOld models.VersionTooOld
		if json.Unmarshal(resp.body, &tooOld) == nil && tooOld.Error == "version_too_old" {
			return nil, fmt.Errorf("delta since %d (earliest %d, current %d): %w",
				since, tooOld.EarliestAvailable, tooOld.CurrentVersion, ErrVersionTooOld)
		}
	}
	if err := check(EndpointSkeletonDelta, resp); err != nil {
		return nil, err
	}

	var d models.SkeletonDelta
	if err := decode(EndpointSkeletonDelta, resp, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// CatalogEvents fetches catalog invalidation events after since. It
// returns ErrEventsPruned (wrapped) when events after since are no longer
// retained: either the server answers 410 Gone or its earliest retained
// seq leaves a gap after since.
func (c *Client) CatalogEvents(ctx context.Context, since int64) (*models.CatalogEventsResponse, error) {
	resp, err := c.send(ctx, request{
		endpoint: EndpointCatalogEvents,
		method:   http.MethodGet,
		path:     "/v1/sync/catalog",
		query:    sinceQuery(since),
	})
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusGone {
		return nil, fmt.Errorf("catalog events since %d: %w", since, ErrEventsPruned)
	}
	if err := check(EndpointCatalogEvents, resp); err != nil {
		return nil, err
	}

	var out models.CatalogEventsResponse
	if err := decode(EndpointCatalogEvents, resp, &out); err != nil {
		return nil, err
	}
	if since > 0 && out.EarliestSeq > since+1 {
		return nil, fmt.Errorf("catalog events since %d, earliest retained %d: %w", since, out.EarliestSeq, ErrEventsPruned)
	}
	return &out, nil
}

// UserEvents fetches the user-content event log after since. 410 Gone
// maps to ErrEventsPruned.
func (c *Client) UserEvents(ctx context.Context, since int64) (*models.UserEventsResponse, error) {
	resp, err := c.send(ctx, request{
		endpoint: EndpointUserEvents,
		method:   http.MethodGet,
		path:     "/v1/sync/events",
		query:    sinceQuery(since),
	})
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusGone {
		return nil, fmt.Errorf("user events since %d: %w", since, ErrEventsPruned)
	}
	if err := check(EndpointUserEvents, resp); err != nil {
		return nil, err
	}

	var out models.UserEventsResponse
	if err := decode(EndpointUserEvents, resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncState fetches the user's full state and the event seq it covers.
func (c *Client) SyncState(ctx context.Context) (*models.SyncState, error) {
	var out models.SyncState
	if err := c.getJSON(ctx, EndpointSyncState, "/v1/sync/state", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
