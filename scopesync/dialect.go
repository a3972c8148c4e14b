// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"fmt"
	"strings"
)

// Tracking and metadata object names shared by every provider.
const (
	TrackingSuffix        = "_tracking"
	ScopeInfoTable        = "scope_info"
	ScopeInfoClientTable  = "scope_info_client"
	ScopeRetentionTable   = "scope_retention"
	colTimestamp          = "timestamp"
	colUpdateScopeID      = "update_scope_id"
	colTombstone          = "sync_row_is_tombstone"
	colLastChangeDatetime = "last_change_datetime"
)

// Dialect is the provider capability the engine builds its statements with. The
// engine never branches on the provider type.
type Dialect interface {
	Name() string

	// Syntax primitives.
	QuoteIdent(name string) string
	Placeholder(index int, typ ColumnType) string

	// Provisioning DDL.
	MetadataStatements() []string
	CreateTableStatement(t *SyncTable) string
	ProvisionStatements(t *SyncTable) []string
	DeprovisionStatements(t *SyncTable) []string

	// ApplyModeStatement switches change capture off (on=true) or back on for the
	// current transaction.
	ApplyModeStatement(on bool) string

	// Statements shared across providers.
	SelectChangesCommand(t *SyncTable, f *SyncFilter, initial bool) Command
	SelectTrackedCommand(t *SyncTable) Command
	SelectRowCommand(t *SyncTable) Command
	UpsertRowCommand(t *SyncTable, conditional bool) Command
	DeleteRowCommand(t *SyncTable, conditional bool) Command
	UpsertTrackingCommand(t *SyncTable, conditional bool) Command
	DeleteTombstonesCommand(t *SyncTable) Command
	BackfillTrackingCommand(t *SyncTable) Command

	// Scope metadata.
	SelectScopeCommand() Command
	UpsertScopeCommand() Command
	UpsertScopeClientCommand() Command
	SelectScopeClientsCommand() Command
	SelectFloorCommand() Command
	RaiseFloorCommand() Command
}

// Command is statement text with the ordered names of its bound parameters.
// A name may repeat; every occurrence gets its own placeholder.
type Command struct {
	Text   string
	Params []string
}

// Args resolves parameter values by name.
func (c Command) Args(values map[string]any) ([]any, error) {
	args := make([]any, len(c.Params))
	for i, name := range c.Params {
		v, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("missing value for parameter %q", name)
		}
		args[i] = v
	}
	return args, nil
}

// Syntax supplies the identifier quoting and placeholder style of a provider.
type Syntax interface {
	QuoteIdent(name string) string
	Placeholder(index int, typ ColumnType) string
}

// SQLBuilder renders the provider independent statements. Providers embed it and
// add their DDL.
type SQLBuilder struct {
	Syntax Syntax
}

func (b SQLBuilder) QuoteIdent(name string) string { return b.Syntax.QuoteIdent(name) }

func (b SQLBuilder) Placeholder(index int, typ ColumnType) string {
	return b.Syntax.Placeholder(index, typ)
}

// TrackingTableName returns the companion tracking table of a table.
func TrackingTableName(table string) string { return table + TrackingSuffix }

// Parameter names used by the shared statements.
const (
	ParamSince      = "since"
	ParamScope      = "scope"
	ParamSender     = "sender"
	ParamTimestamp  = "ts"
	ParamTombstone  = "tombstone"
	ParamChangedAt  = "changed_at"
	ParamHorizon    = "horizon"
	ParamScopeName  = "scope_name"
	ParamFloor      = "floor"
	columnParamPref = "col:"
)

// ColumnParam is the parameter name bound to a column value.
func ColumnParam(name string) string { return columnParamPref + name }

type cmdWriter struct {
	b      SQLBuilder
	sb     strings.Builder
	params []string
}

func (w *cmdWriter) write(parts ...string) {
	for _, p := range parts {
		w.sb.WriteString(p)
	}
}

func (w *cmdWriter) bind(name string, typ ColumnType) string {
	w.params = append(w.params, name)
	return w.b.Placeholder(len(w.params), typ)
}

func (w *cmdWriter) command() Command {
	return Command{Text: w.sb.String(), Params: w.params}
}

func (b SQLBuilder) q(name string) string { return b.Syntax.QuoteIdent(name) }

func (b SQLBuilder) qa(alias, name string) string {
	return b.Syntax.QuoteIdent(alias) + "." + b.Syntax.QuoteIdent(name)
}

// pkMatch renders alias.pk = :col:pk for every key column.
func (b SQLBuilder) pkMatch(w *cmdWriter, alias string, t *SyncTable) string {
	var parts []string
	for _, c := range t.PrimaryKeyColumns() {
		col := b.q(c.Name)
		if alias != "" {
			col = b.qa(alias, c.Name)
		}
		parts = append(parts, col+" = "+w.bind(ColumnParam(c.Name), c.Type))
	}
	return strings.Join(parts, " AND ")
}

// canApplyBlocker renders the condition under which a tracked row rejects an
// incoming write: the local version is newer than the round watermark and was not
// authored by the sender.
func (b SQLBuilder) canApplyBlocker(w *cmdWriter, trTable string) string {
	return fmt.Sprintf("NOT (%s.%s <= %s OR COALESCE(%s.%s, '') = %s)",
		trTable, b.q(colTimestamp), w.bind(ParamSince, TypeInt64),
		trTable, b.q(colUpdateScopeID), w.bind(ParamSender, TypeString))
}

// SelectChangesCommand selects changed rows joined from the tracking table.
// Result columns are the table columns in order, the tombstone flag and the first
// base key column (NULL when the base row is gone). Key columns come from the
// tracking table so tombstones keep their identity.
func (b SQLBuilder) SelectChangesCommand(t *SyncTable, f *SyncFilter, initial bool) Command {
	w := &cmdWriter{b: b}
	tr := b.q(trackingAlias)

	cols := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		if c.IsPrimaryKey {
			cols = append(cols, b.qa(trackingAlias, c.Name))
		} else {
			cols = append(cols, b.qa(baseAlias, c.Name))
		}
	}
	cols = append(cols, b.qa(trackingAlias, colTombstone), b.qa(baseAlias, t.PrimaryKeyColumns()[0].Name))

	var on []string
	for _, c := range t.PrimaryKeyColumns() {
		on = append(on, b.qa(baseAlias, c.Name)+" = "+b.qa(trackingAlias, c.Name))
	}

	w.write("SELECT ", strings.Join(cols, ", "),
		" FROM ", b.q(TrackingTableName(t.Name)), " ", tr,
		" LEFT JOIN ", b.q(t.Name), " ", b.q(baseAlias), " ON ", strings.Join(on, " AND "))

	if initial {
		w.write(" WHERE (", b.qa(trackingAlias, colTombstone), " = 0 OR (",
			w.bind(ParamSince, TypeInt64), " > 0 AND ",
			b.qa(trackingAlias, colTimestamp), " > ", w.bind(ParamSince, TypeInt64), "))")
	} else {
		w.write(" WHERE ", b.qa(trackingAlias, colTimestamp), " > ", w.bind(ParamSince, TypeInt64))
	}
	w.write(" AND (", b.qa(trackingAlias, colUpdateScopeID), " IS NULL OR ",
		b.qa(trackingAlias, colUpdateScopeID), " <> ", w.bind(ParamScope, TypeString), ")")

	if f != nil && len(f.Wheres) > 0 {
		var preds []string
		for _, wh := range f.Wheres {
			alias := wh.Alias
			if alias == "" {
				alias = baseAlias
			}
			p := f.param(wh.Param)
			col := b.qa(alias, wh.Column)
			if p.AllowNull {
				preds = append(preds, fmt.Sprintf("(%s IS NULL OR %s = %s)",
					w.bind(filterParamKey(p.Name), p.Type), col, w.bind(filterParamKey(p.Name), p.Type)))
			} else {
				preds = append(preds, col+" = "+w.bind(filterParamKey(p.Name), p.Type))
			}
		}
		cond := strings.Join(preds, " AND ")
		if len(f.Joins) > 0 {
			// Joined rows only qualify the base row, so a one to many join
			// must not repeat it.
			var from, link []string
			for _, j := range f.Joins {
				left := j.LeftAlias
				if left == "" {
					left = baseAlias
				}
				from = append(from, b.q(j.Table)+" "+b.q(j.Alias))
				link = append(link, b.qa(j.Alias, j.RightColumn)+" = "+b.qa(left, j.LeftColumn))
			}
			cond = "EXISTS (SELECT 1 FROM " + strings.Join(from, ", ") +
				" WHERE " + strings.Join(link, " AND ") + " AND " + cond + ")"
		}
		w.write(" AND (", b.qa(trackingAlias, colTombstone), " = 1 OR (", cond, "))")
	}
	w.write(" ORDER BY ", b.qa(trackingAlias, colTimestamp))
	return w.command()
}

// SelectTrackedCommand reads timestamp, update scope, tombstone flag and change
// datetime of one key.
func (b SQLBuilder) SelectTrackedCommand(t *SyncTable) Command {
	w := &cmdWriter{b: b}
	w.write("SELECT ", b.q(colTimestamp), ", ", b.q(colUpdateScopeID), ", ", b.q(colTombstone), ", ",
		b.q(colLastChangeDatetime), " FROM ", b.q(TrackingTableName(t.Name)), " WHERE ", b.pkMatch(w, "", t))
	return w.command()
}

// SelectRowCommand reads the base row of one key.
func (b SQLBuilder) SelectRowCommand(t *SyncTable) Command {
	w := &cmdWriter{b: b}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = b.q(c.Name)
	}
	w.write("SELECT ", strings.Join(cols, ", "), " FROM ", b.q(t.Name), " WHERE ", b.pkMatch(w, "", t))
	return w.command()
}

// UpsertRowCommand inserts or updates a base row. The conditional form only
// writes when the tracked version does not reject the change.
func (b SQLBuilder) UpsertRowCommand(t *SyncTable, conditional bool) Command {
	w := &cmdWriter{b: b}
	cols := make([]string, len(t.Columns))
	vals := make([]string, len(t.Columns))
	var keys, sets []string
	for i, c := range t.Columns {
		cols[i] = b.q(c.Name)
		vals[i] = w.bind(ColumnParam(c.Name), c.Type)
		if c.IsPrimaryKey {
			keys = append(keys, b.q(c.Name))
		} else {
			sets = append(sets, b.q(c.Name)+" = excluded."+b.q(c.Name))
		}
	}
	if len(sets) == 0 {
		sets = append(sets, keys[0]+" = excluded."+keys[0])
	}

	w.write("INSERT INTO ", b.q(t.Name), " (", strings.Join(cols, ", "), ") ")
	if conditional {
		trTable := b.q(TrackingTableName(t.Name))
		w.write("SELECT ", strings.Join(vals, ", "), " WHERE NOT EXISTS (SELECT 1 FROM ", trTable,
			" WHERE ", b.pkMatch(w, TrackingTableName(t.Name), t), " AND ", b.canApplyBlocker(w, trTable), ")")
	} else {
		w.write("VALUES (", strings.Join(vals, ", "), ")")
	}
	w.write(" ON CONFLICT (", strings.Join(keys, ", "), ") DO UPDATE SET ", strings.Join(sets, ", "))
	return w.command()
}

// DeleteRowCommand deletes a base row by key.
func (b SQLBuilder) DeleteRowCommand(t *SyncTable, conditional bool) Command {
	w := &cmdWriter{b: b}
	w.write("DELETE FROM ", b.q(t.Name), " WHERE ", b.pkMatch(w, "", t))
	if conditional {
		trTable := b.q(TrackingTableName(t.Name))
		w.write(" AND NOT EXISTS (SELECT 1 FROM ", trTable, " WHERE ",
			b.pkMatch(w, TrackingTableName(t.Name), t), " AND ", b.canApplyBlocker(w, trTable), ")")
	}
	return w.command()
}

// UpsertTrackingCommand stamps the tracking row of a key. The conditional form
// leaves a rejecting tracked row untouched.
func (b SQLBuilder) UpsertTrackingCommand(t *SyncTable, conditional bool) Command {
	w := &cmdWriter{b: b}
	trTable := b.q(TrackingTableName(t.Name))
	var cols, vals, keys []string
	for _, c := range t.PrimaryKeyColumns() {
		cols = append(cols, b.q(c.Name))
		keys = append(keys, b.q(c.Name))
		vals = append(vals, w.bind(ColumnParam(c.Name), c.Type))
	}
	cols = append(cols, b.q(colTimestamp), b.q(colUpdateScopeID), b.q(colTombstone), b.q(colLastChangeDatetime))
	vals = append(vals,
		w.bind(ParamTimestamp, TypeInt64),
		w.bind(ParamScope, TypeString),
		w.bind(ParamTombstone, TypeInt16),
		w.bind(ParamChangedAt, TypeInt64))

	w.write("INSERT INTO ", trTable, " (", strings.Join(cols, ", "), ") VALUES (", strings.Join(vals, ", "), ")",
		" ON CONFLICT (", strings.Join(keys, ", "), ") DO UPDATE SET ",
		b.q(colTimestamp), " = excluded.", b.q(colTimestamp), ", ",
		b.q(colUpdateScopeID), " = excluded.", b.q(colUpdateScopeID), ", ",
		b.q(colTombstone), " = excluded.", b.q(colTombstone), ", ",
		b.q(colLastChangeDatetime), " = excluded.", b.q(colLastChangeDatetime))
	if conditional {
		w.write(" WHERE NOT ", b.canApplyBlocker(w, trTable))
	}
	return w.command()
}

// DeleteTombstonesCommand purges tombstones older than the horizon.
func (b SQLBuilder) DeleteTombstonesCommand(t *SyncTable) Command {
	w := &cmdWriter{b: b}
	w.write("DELETE FROM ", b.q(TrackingTableName(t.Name)), " WHERE ", b.q(colTombstone), " = 1 AND ",
		b.q(colTimestamp), " < ", w.bind(ParamHorizon, TypeInt64))
	return w.command()
}

// BackfillTrackingCommand creates tracking rows for base rows that have none. Every
// row gets the same timestamp; the rows are independent so the tie is harmless.
func (b SQLBuilder) BackfillTrackingCommand(t *SyncTable) Command {
	w := &cmdWriter{b: b}
	trTable := b.q(TrackingTableName(t.Name))
	var cols, sel, match []string
	for _, c := range t.PrimaryKeyColumns() {
		cols = append(cols, b.q(c.Name))
		sel = append(sel, b.qa(baseAlias, c.Name))
		match = append(match, b.qa(trackingAlias, c.Name)+" = "+b.qa(baseAlias, c.Name))
	}
	cols = append(cols, b.q(colTimestamp), b.q(colUpdateScopeID), b.q(colTombstone), b.q(colLastChangeDatetime))
	w.write("INSERT INTO ", trTable, " (", strings.Join(cols, ", "), ") SELECT ", strings.Join(sel, ", "), ", ",
		w.bind(ParamTimestamp, TypeInt64), ", NULL, 0, ", w.bind(ParamChangedAt, TypeInt64),
		" FROM ", b.q(t.Name), " ", b.q(baseAlias),
		" WHERE NOT EXISTS (SELECT 1 FROM ", trTable, " ", b.q(trackingAlias), " WHERE ", strings.Join(match, " AND "), ")")
	return w.command()
}

// Scope metadata statements.

func (b SQLBuilder) SelectScopeCommand() Command {
	w := &cmdWriter{b: b}
	w.write("SELECT sync_scope_id, sync_scope_setup, sync_scope_schema, last_sync_timestamp, ",
		"last_server_sync_timestamp, last_sync, last_sync_duration FROM ", b.q(ScopeInfoTable),
		" WHERE sync_scope_name = ", w.bind(ParamScopeName, TypeString))
	return w.command()
}

func (b SQLBuilder) UpsertScopeCommand() Command {
	w := &cmdWriter{b: b}
	w.write("INSERT INTO ", b.q(ScopeInfoTable), " (sync_scope_name, sync_scope_id, sync_scope_setup, sync_scope_schema, ",
		"last_sync_timestamp, last_server_sync_timestamp, last_sync, last_sync_duration) VALUES (",
		w.bind(ParamScopeName, TypeString), ", ", w.bind("scope_id", TypeString), ", ",
		w.bind("setup", TypeString), ", ", w.bind("schema", TypeString), ", ",
		w.bind("last_sync_timestamp", TypeInt64), ", ", w.bind("last_server_sync_timestamp", TypeInt64), ", ",
		w.bind("last_sync", TypeInt64), ", ", w.bind("last_sync_duration", TypeInt64), ")",
		" ON CONFLICT (sync_scope_name) DO UPDATE SET sync_scope_id = excluded.sync_scope_id, ",
		"sync_scope_setup = excluded.sync_scope_setup, sync_scope_schema = excluded.sync_scope_schema, ",
		"last_sync_timestamp = excluded.last_sync_timestamp, ",
		"last_server_sync_timestamp = excluded.last_server_sync_timestamp, ",
		"last_sync = excluded.last_sync, last_sync_duration = excluded.last_sync_duration")
	return w.command()
}

func (b SQLBuilder) UpsertScopeClientCommand() Command {
	w := &cmdWriter{b: b}
	w.write("INSERT INTO ", b.q(ScopeInfoClientTable), " (sync_scope_name, sync_scope_id, last_sync_timestamp, last_sync) VALUES (",
		w.bind(ParamScopeName, TypeString), ", ", w.bind("scope_id", TypeString), ", ",
		w.bind("last_sync_timestamp", TypeInt64), ", ", w.bind("last_sync", TypeInt64), ")",
		" ON CONFLICT (sync_scope_name, sync_scope_id) DO UPDATE SET ",
		"last_sync_timestamp = excluded.last_sync_timestamp, last_sync = excluded.last_sync")
	return w.command()
}

func (b SQLBuilder) SelectScopeClientsCommand() Command {
	w := &cmdWriter{b: b}
	w.write("SELECT sync_scope_name, sync_scope_id, last_sync_timestamp, last_sync FROM ", b.q(ScopeInfoClientTable),
		" ORDER BY sync_scope_name, sync_scope_id")
	return w.command()
}

func (b SQLBuilder) SelectFloorCommand() Command {
	w := &cmdWriter{b: b}
	w.write("SELECT floor_timestamp FROM ", b.q(ScopeRetentionTable), " WHERE id = 1")
	return w.command()
}

func (b SQLBuilder) RaiseFloorCommand() Command {
	w := &cmdWriter{b: b}
	w.write("UPDATE ", b.q(ScopeRetentionTable), " SET floor_timestamp = ", w.bind(ParamFloor, TypeInt64),
		" WHERE id = 1 AND floor_timestamp < ", w.bind(ParamFloor, TypeInt64))
	return w.command()
}
