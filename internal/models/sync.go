// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package models

import "fmt"

// Domain names an independently cursored event log.
type Domain string

const (
	DomainCatalog     Domain = "catalog"
	DomainUserContent Domain = "user_content"
)

// Domains lists every cursored domain.
var Domains = []Domain{DomainCatalog, DomainUserContent}

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	return d == DomainCatalog || d == DomainUserContent
}

// SyncCursor is the persisted position in a domain's event log.
type SyncCursor struct {
	Domain        Domain `json:"domain"`
	Seq           int64  `json:"seq"`
	NeedsFullSync bool   `json:"needs_full_sync"`
}

// SyncStatus is the lifecycle state of a locally originated mutation.
type SyncStatus string

const (
	StatusSynced      SyncStatus = "synced"
	StatusPendingSync SyncStatus = "pending_sync"
	StatusSyncing     SyncStatus = "syncing"
	StatusSyncError   SyncStatus = "sync_error"
)

// SyncStatuses lists every status, in lifecycle order.
var SyncStatuses = []SyncStatus{StatusPendingSync, StatusSyncing, StatusSynced, StatusSyncError}

// ParseSyncStatus converts a stored status string.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch st := SyncStatus(s); st {
	case StatusSynced, StatusPendingSync, StatusSyncing, StatusSyncError:
		return st, nil
	}
	return "", fmt.Errorf("unknown sync status %q", s)
}

// IsPending reports whether the item still carries an unsent local
// mutation. Pending items are never overwritten by a reconciliation pull.
func (s SyncStatus) IsPending() bool {
	return s == StatusPendingSync || s == StatusSyncing
}
