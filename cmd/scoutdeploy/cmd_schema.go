// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// runSchemaInit bootstraps the TimescaleDB schema outside a deploy.
func runSchemaInit(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	url, err := databaseURL(ctx, cfg, store)
	if err != nil {
		return err
	}
	if err := NewSchemaInitializer(url, cfg.Database.RetentionDays).InitSchema(ctx); err != nil {
		return err
	}
	logger.Info("schema initialized", "retention_days", cfg.Database.RetentionDays)
	return nil
}
