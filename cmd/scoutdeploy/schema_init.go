// Copyright (C) 2025 Hog Systems (ops@hog-sys.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Time-series DDL for the scout stack. Every statement is idempotent so
// the migration tier can run on every deploy.
const (
	ddlMarketData = `
CREATE TABLE IF NOT EXISTS market_data (
    time         TIMESTAMPTZ      NOT NULL,
    symbol       TEXT             NOT NULL,
    exchange     TEXT             NOT NULL,
    price        DOUBLE PRECISION NOT NULL,
    volume       DOUBLE PRECISION,
    bid          DOUBLE PRECISION,
    ask          DOUBLE PRECISION,
    PRIMARY KEY (time, symbol, exchange)
)`

	ddlOnchainEvents = `
CREATE TABLE IF NOT EXISTS onchain_events (
    time         TIMESTAMPTZ NOT NULL,
    chain        TEXT        NOT NULL,
    tx_hash      TEXT        NOT NULL,
    contract     TEXT,
    event_type   TEXT        NOT NULL,
    token_symbol TEXT,
    value        DOUBLE PRECISION,
    metadata     JSONB,
    PRIMARY KEY (time, chain, tx_hash)
)`

	ddlAlphaOpportunities = `
CREATE TABLE IF NOT EXISTS alpha_opportunities (
    time        TIMESTAMPTZ      NOT NULL,
    scout       TEXT             NOT NULL,
    symbol      TEXT             NOT NULL,
    score       DOUBLE PRECISION NOT NULL,
    signal_type TEXT             NOT NULL,
    details     JSONB,
    PRIMARY KEY (time, scout, symbol)
)`

	ddlDailyVolumeAggregate = `
CREATE MATERIALIZED VIEW IF NOT EXISTS market_data_daily
WITH (timescaledb.continuous) AS
SELECT time_bucket('1 day', time) AS bucket,
       symbol,
       exchange,
       avg(price)  AS avg_price,
       max(price)  AS high,
       min(price)  AS low,
       sum(volume) AS volume
FROM market_data
GROUP BY bucket, symbol, exchange
WITH NO DATA`
)

// schemaTables are the hypertable candidates, partitioned on time.
var schemaTables = []struct {
	name string
	ddl  string
}{
	{"market_data", ddlMarketData},
	{"onchain_events", ddlOnchainEvents},
	{"alpha_opportunities", ddlAlphaOpportunities},
}

// sqlExecutor is the slice of pgx the initializer needs; *pgx.Conn
// satisfies it and tests inject recorders.
type sqlExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SchemaInitializer bootstraps the TimescaleDB schema.
//
// # Description
//
// Creates the three scout tables, converts them to hypertables, applies
// a retention policy, and creates the daily continuous aggregate. Safe
// to run repeatedly: everything is IF NOT EXISTS / if_not_exists.
type SchemaInitializer struct {
	databaseURL   string
	retentionDays int

	// connect is injectable for tests.
	connect func(ctx context.Context, url string) (sqlExecutor, func(context.Context) error, error)
}

// NewSchemaInitializer creates an initializer for databaseURL.
func NewSchemaInitializer(databaseURL string, retentionDays int) *SchemaInitializer {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &SchemaInitializer{
		databaseURL:   databaseURL,
		retentionDays: retentionDays,
		connect:       pgxConnect,
	}
}

// pgxConnect opens a real connection and returns its closer.
func pgxConnect(ctx context.Context, url string) (sqlExecutor, func(context.Context) error, error) {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return conn, conn.Close, nil
}

// InitSchema runs the full bootstrap. Implements Migrator.
func (s *SchemaInitializer) InitSchema(ctx context.Context) error {
	if s.databaseURL == "" {
		return fmt.Errorf("schema init: no database URL configured")
	}
	exec, closeFn, err := s.connect(ctx, s.databaseURL)
	if err != nil {
		return fmt.Errorf("schema init: connecting: %w", err)
	}
	defer closeFn(context.Background())

	for _, table := range schemaTables {
		if _, err := exec.Exec(ctx, table.ddl); err != nil {
			return fmt.Errorf("schema init: creating %s: %w", table.name, err)
		}
		hyper := fmt.Sprintf(
			`SELECT create_hypertable('%s', 'time', if_not_exists => TRUE)`, table.name)
		if _, err := exec.Exec(ctx, hyper); err != nil {
			return fmt.Errorf("schema init: hypertable %s: %w", table.name, err)
		}
		retention := fmt.Sprintf(
			`SELECT add_retention_policy('%s', INTERVAL '%d days', if_not_exists => TRUE)`,
			table.name, s.retentionDays)
		if _, err := exec.Exec(ctx, retention); err != nil {
			return fmt.Errorf("schema init: retention for %s: %w", table.name, err)
		}
	}

	if _, err := exec.Exec(ctx, ddlDailyVolumeAggregate); err != nil {
		return fmt.Errorf("schema init: daily aggregate: %w", err)
	}
	return nil
}

var _ Migrator = (*SchemaInitializer)(nil)
