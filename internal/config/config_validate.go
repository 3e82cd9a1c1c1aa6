// Catalogsync - Offline-first catalog synchronization client
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/validation"
)

// Validate checks struct tags, then the rules that span fields.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateSchedule(); err != nil {
		return err
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("LOG_LEVEL %q is not a known level", c.Logging.Level)
	}
	return c.validateMetrics()
}

func (c *Config) validateServer() error {
	if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("CATALOG_URL must start with http:// or https://, got %q", c.Server.BaseURL)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if !c.Storage.InMemory && c.Storage.Path == "" {
		return fmt.Errorf("STORAGE_PATH is required unless STORAGE_IN_MEMORY=true")
	}
	return nil
}

// validateSchedule parses every non-empty cron spec with the parser the
// scheduler uses.
func (c *Config) validateSchedule() error {
	specs := map[string]string{
		"schedule.reconcile_likes": c.Schedule.ReconcileLikes,
		"schedule.skeleton_check":  c.Schedule.SkeletonCheck,
		"schedule.catalog_catchup": c.Schedule.CatalogCatchUp,
	}
	for name, spec := range specs {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: invalid schedule %q: %w", name, spec, err)
		}
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("METRICS_LISTEN_ADDR is required when METRICS_ENABLED=true")
	}
	return nil
}
