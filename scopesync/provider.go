// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider binds the engine to one database: its connection pool, dialect, clock
// and schema introspection.
type Provider interface {
	Name() string
	DB() DB
	Dialect() Dialect
	Clock() Clock
	// DiscoverTable reads an existing table definition; it returns nil, nil when
	// the table does not exist.
	DiscoverTable(ctx context.Context, name string) (*SyncTable, error)
	// OrderTables sorts table names parents first.
	OrderTables(ctx context.Context, names []string) ([]string, error)
	// IsRetryable classifies transient errors such as lock timeouts.
	IsRetryable(err error) bool
}

// EnsureMetadata creates the scope metadata tables when missing.
func EnsureMetadata(ctx context.Context, p Provider) error {
	for _, stmt := range p.Dialect().MetadataStatements() {
		if _, err := p.DB().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create sync metadata on %s: %w", p.Name(), err)
		}
	}
	return nil
}

// ProvisionTable creates the tracking table and change capture of t and backfills
// tracking rows for base rows written before provisioning.
func ProvisionTable(ctx context.Context, p Provider, t *SyncTable) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return InTx(ctx, p.DB(), func(tx Tx) error {
		for _, stmt := range p.Dialect().ProvisionStatements(t) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("provision %s: %w", t.Name, err)
			}
		}
		ts, err := p.Clock().Next(ctx, tx)
		if err != nil {
			return fmt.Errorf("provision %s: %w", t.Name, err)
		}
		return execCommand(ctx, tx, p.Dialect().BackfillTrackingCommand(t), map[string]any{
			ParamTimestamp: ts,
			ParamChangedAt: time.Now().UTC().UnixMilli(),
		})
	})
}

// DeprovisionTable drops change capture and the tracking table of t.
func DeprovisionTable(ctx context.Context, p Provider, t *SyncTable) error {
	for _, stmt := range p.Dialect().DeprovisionStatements(t) {
		if _, err := p.DB().Exec(ctx, stmt); err != nil {
			return fmt.Errorf("deprovision %s: %w", t.Name, err)
		}
	}
	return nil
}

// EnsureTable verifies that a local table matches schema, creating it when absent.
// It reports whether the table was created.
func EnsureTable(ctx context.Context, p Provider, schema *SyncTable) (bool, error) {
	existing, err := p.DiscoverTable(ctx, schema.Name)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, existing.SameShape(schema)
	}
	if _, err := p.DB().Exec(ctx, p.Dialect().CreateTableStatement(schema)); err != nil {
		return false, fmt.Errorf("create table %s: %w", schema.Name, err)
	}
	return true, nil
}

// DescribeTables discovers every setup table in apply order.
func DescribeTables(ctx context.Context, p Provider, setup *SyncSetup) ([]*SyncTable, error) {
	if err := setup.Validate(); err != nil {
		return nil, err
	}
	ordered, err := p.OrderTables(ctx, setup.Tables)
	if err != nil {
		return nil, err
	}
	tables := make([]*SyncTable, 0, len(ordered))
	for _, name := range ordered {
		t, err := p.DiscoverTable(ctx, name)
		if err != nil {
			return nil, err
		}
		if t == nil {
			return nil, fmt.Errorf("table %s does not exist", name)
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// LoadScope reads a scope record. It returns ErrScopeNotFound when absent.
func LoadScope(ctx context.Context, p Provider, name string) (*ScopeInfo, error) {
	d := p.Dialect()
	cmd := d.SelectScopeCommand()
	args, err := cmd.Args(map[string]any{ParamScopeName: name})
	if err != nil {
		return nil, err
	}
	var (
		id, setup, schema                    string
		lastTS, lastServerTS, lastSync, took int64
	)
	err = p.DB().QueryRow(ctx, cmd.Text, args...).Scan(&id, &setup, &schema, &lastTS, &lastServerTS, &lastSync, &took)
	if isNoRows(err) {
		return nil, fmt.Errorf("%w: %s", ErrScopeNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load scope %s: %w", name, err)
	}
	info := &ScopeInfo{
		ScopeName:               name,
		LastSyncTimestamp:       lastTS,
		LastServerSyncTimestamp: lastServerTS,
		LastSync:                unixMilli(lastSync),
		LastSyncDuration:        time.Duration(took) * time.Millisecond,
	}
	if info.ScopeID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("scope %s id: %w", name, err)
	}
	if setup != "" {
		info.Setup = &SyncSetup{}
		if err := json.Unmarshal([]byte(setup), info.Setup); err != nil {
			return nil, fmt.Errorf("scope %s setup: %w", name, err)
		}
	}
	if schema != "" {
		if err := json.Unmarshal([]byte(schema), &info.Schema); err != nil {
			return nil, fmt.Errorf("scope %s schema: %w", name, err)
		}
	}
	return info, nil
}

// SaveScope upserts a scope record on q.
func SaveScope(ctx context.Context, q Querier, d Dialect, s *ScopeInfo) error {
	setup, err := json.Marshal(s.Setup)
	if err != nil {
		return fmt.Errorf("encode setup: %w", err)
	}
	schema, err := json.Marshal(s.Schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	var lastSync int64
	if !s.LastSync.IsZero() {
		lastSync = s.LastSync.UnixMilli()
	}
	err = execCommand(ctx, q, d.UpsertScopeCommand(), map[string]any{
		ParamScopeName:               s.ScopeName,
		"scope_id":                   s.ScopeID.String(),
		"setup":                      string(setup),
		"schema":                     string(schema),
		"last_sync_timestamp":        s.LastSyncTimestamp,
		"last_server_sync_timestamp": s.LastServerSyncTimestamp,
		"last_sync":                  lastSync,
		"last_sync_duration":         s.LastSyncDuration.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("save scope %s: %w", s.ScopeName, err)
	}
	return nil
}

// SaveScopeClient records the watermark a client committed.
func SaveScopeClient(ctx context.Context, q Querier, d Dialect, c ScopeInfoClient) error {
	err := execCommand(ctx, q, d.UpsertScopeClientCommand(), map[string]any{
		ParamScopeName:        c.ScopeName,
		"scope_id":            c.ClientScopeID.String(),
		"last_sync_timestamp": c.LastSyncTimestamp,
		"last_sync":           c.LastSync.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("save client scope %s: %w", c.ClientScopeID, err)
	}
	return nil
}

// ListScopeClients returns every client watermark record.
func ListScopeClients(ctx context.Context, q Querier, d Dialect) ([]ScopeInfoClient, error) {
	rows, err := q.Query(ctx, d.SelectScopeClientsCommand().Text)
	if err != nil {
		return nil, fmt.Errorf("list client scopes: %w", err)
	}
	defer rows.Close()
	var out []ScopeInfoClient
	for rows.Next() {
		var (
			c        ScopeInfoClient
			id       string
			lastSync int64
		)
		if err := rows.Scan(&c.ScopeName, &id, &c.LastSyncTimestamp, &lastSync); err != nil {
			return nil, fmt.Errorf("scan client scope: %w", err)
		}
		if c.ClientScopeID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("client scope id: %w", err)
		}
		c.LastSync = unixMilli(lastSync)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list client scopes: %w", err)
	}
	return out, nil
}

// RetentionFloor returns the timestamp below which tombstones may have been purged.
func RetentionFloor(ctx context.Context, q Querier, d Dialect) (int64, error) {
	var floor int64
	err := q.QueryRow(ctx, d.SelectFloorCommand().Text).Scan(&floor)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read retention floor: %w", err)
	}
	return floor, nil
}

// DeleteMetadata purges tombstones older than horizon from every table and raises
// the retention floor. It returns the number of tracking rows removed.
func DeleteMetadata(ctx context.Context, p Provider, tables []*SyncTable, horizon int64) (int64, error) {
	if horizon <= 0 {
		return 0, nil
	}
	var purged int64
	err := InTx(ctx, p.DB(), func(tx Tx) error {
		for _, t := range tables {
			cmd := p.Dialect().DeleteTombstonesCommand(t)
			args, err := cmd.Args(map[string]any{ParamHorizon: horizon})
			if err != nil {
				return err
			}
			n, err := tx.Exec(ctx, cmd.Text, args...)
			if err != nil {
				return fmt.Errorf("purge tombstones of %s: %w", t.Name, err)
			}
			purged += n
		}
		return execCommand(ctx, tx, p.Dialect().RaiseFloorCommand(), map[string]any{ParamFloor: horizon})
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func unixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// isNoRows matches an empty single row result. Providers report it as
// sql.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
