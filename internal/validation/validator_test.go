// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package validation

import (
	"errors"
	"strings"
	"testing"

	"github.com/tomtom215/catalogsync/internal/models"
)

func TestGetValidator_Singleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Fatal("GetValidator returned different instances")
	}
}

func TestValidateStruct_CatalogEvent(t *testing.T) {
	valid := models.CatalogEvent{
		Seq:         11,
		EventType:   models.EventAlbumUpdated,
		ContentType: models.ContentAlbum,
		ContentID:   "A1",
	}

	tests := []struct {
		name   string
		mutate func(*models.CatalogEvent)
		field  string
	}{
		{name: "valid", mutate: func(*models.CatalogEvent) {}},
		{name: "zero seq", mutate: func(e *models.CatalogEvent) { e.Seq = 0 }, field: "Seq"},
		{name: "unknown event type", mutate: func(e *models.CatalogEvent) { e.EventType = "album_exploded" }, field: "EventType"},
		{name: "unknown content type", mutate: func(e *models.CatalogEvent) { e.ContentType = "playlist" }, field: "ContentType"},
		{name: "missing content id", mutate: func(e *models.CatalogEvent) { e.ContentID = "" }, field: "ContentID"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)
			err := ValidateStruct(&ev)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("ValidateStruct() = %v, want nil", err)
				}
				return
			}
			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("ValidateStruct() = %v, want *Error", err)
			}
			if !verr.Has(tt.field) {
				t.Errorf("fields %+v do not include %s", verr.Fields, tt.field)
			}
		})
	}
}

func TestValidateStruct_Messages(t *testing.T) {
	ev := models.ListeningEvent{TrackID: "", StartedAt: 100, EndedAt: 50}
	err := ValidateStruct(&ev)
	if err == nil {
		t.Fatal("expected an error")
	}
	msg := err.Error()
	for _, want := range []string{"TrackID is required", "EndedAt must not be before StartedAt"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not contain %q", msg, want)
		}
	}
}
