// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesqlite

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/mobiletoly/go-scopesync/scopesync"
)

const (
	clockTable     = "scope_clock"
	applyModeTable = "scope_apply_mode"
)

type syntax struct{}

func (syntax) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (syntax) Placeholder(int, scopesync.ColumnType) string { return "?" }

// Dialect renders SQLite statements.
type Dialect struct {
	scopesync.SQLBuilder
}

var _ scopesync.Dialect = Dialect{}

func NewDialect() Dialect {
	return Dialect{SQLBuilder: scopesync.SQLBuilder{Syntax: syntax{}}}
}

func (Dialect) Name() string { return "sqlite" }

func (d Dialect) MetadataStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + scopesync.ScopeInfoTable + ` (
			sync_scope_name TEXT PRIMARY KEY,
			sync_scope_id TEXT NOT NULL,
			sync_scope_setup TEXT,
			sync_scope_schema TEXT,
			last_sync_timestamp INTEGER NOT NULL DEFAULT 0,
			last_server_sync_timestamp INTEGER NOT NULL DEFAULT 0,
			last_sync INTEGER NOT NULL DEFAULT 0,
			last_sync_duration INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ` + scopesync.ScopeInfoClientTable + ` (
			sync_scope_name TEXT NOT NULL,
			sync_scope_id TEXT NOT NULL,
			last_sync_timestamp INTEGER NOT NULL DEFAULT 0,
			last_sync INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (sync_scope_name, sync_scope_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + scopesync.ScopeRetentionTable + ` (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			floor_timestamp INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO ` + scopesync.ScopeRetentionTable + ` (id, floor_timestamp) VALUES (1, 0)`,
		`CREATE TABLE IF NOT EXISTS ` + clockTable + ` (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			value INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO ` + clockTable + ` (id, value) VALUES (1, 0)`,
		`CREATE TABLE IF NOT EXISTS ` + applyModeTable + ` (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			enabled INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO ` + applyModeTable + ` (id, enabled) VALUES (1, 0)`,
	}
}

// declaredType maps a column type to a declaration that keeps the right affinity
// and maps back to the same type on discovery.
func declaredType(c scopesync.SyncColumn) string {
	switch c.Type {
	case scopesync.TypeInt64:
		return "BIGINT"
	case scopesync.TypeInt32:
		return "INT"
	case scopesync.TypeInt16:
		return "SMALLINT"
	case scopesync.TypeFloat64:
		return "DOUBLE"
	case scopesync.TypeDecimal:
		return "DECIMAL"
	case scopesync.TypeDateTime:
		return "DATETIME"
	case scopesync.TypeBinary:
		return "BLOB"
	case scopesync.TypeBoolean:
		return "BOOLEAN"
	case scopesync.TypeGUID:
		return "UUID"
	default:
		if c.MaxLength > 0 {
			return fmt.Sprintf("VARCHAR(%d)", c.MaxLength)
		}
		return "TEXT"
	}
}

// columnType maps a declared type back, following the SQLite affinity rules with
// the common aliases recognized first.
func columnType(decl string) (scopesync.ColumnType, int) {
	d := strings.ToUpper(strings.TrimSpace(decl))
	maxLen := 0
	if i := strings.Index(d, "("); i > 0 {
		_, _ = fmt.Sscanf(d[i:], "(%d", &maxLen)
		d = strings.TrimSpace(d[:i])
	}
	switch {
	case d == "BOOLEAN" || d == "BOOL":
		return scopesync.TypeBoolean, 0
	case d == "SMALLINT" || d == "TINYINT" || d == "INT2":
		return scopesync.TypeInt16, 0
	case d == "INT" || d == "MEDIUMINT" || d == "INT4":
		return scopesync.TypeInt32, 0
	case strings.Contains(d, "INT"):
		return scopesync.TypeInt64, 0
	case d == "UUID" || d == "GUID" || d == "UNIQUEIDENTIFIER":
		return scopesync.TypeGUID, 0
	case strings.Contains(d, "DATE") || strings.Contains(d, "TIME"):
		return scopesync.TypeDateTime, 0
	case strings.Contains(d, "CHAR") || strings.Contains(d, "CLOB") || strings.Contains(d, "TEXT"):
		return scopesync.TypeString, maxLen
	case d == "" || strings.Contains(d, "BLOB"):
		return scopesync.TypeBinary, 0
	case strings.Contains(d, "REAL") || strings.Contains(d, "FLOA") || strings.Contains(d, "DOUB"):
		return scopesync.TypeFloat64, 0
	default:
		return scopesync.TypeDecimal, 0
	}
}

func (d Dialect) CreateTableStatement(t *scopesync.SyncTable) string {
	var defs, keys []string
	for _, c := range t.Columns {
		def := d.QuoteIdent(c.Name) + " " + declaredType(c)
		if !c.AllowNull || c.IsPrimaryKey {
			def += " NOT NULL"
		}
		defs = append(defs, def)
		if c.IsPrimaryKey {
			keys = append(keys, d.QuoteIdent(c.Name))
		}
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(keys, ", ")+")")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", d.QuoteIdent(t.Name), strings.Join(defs, ",\n\t"))
}

// triggerData holds the names rendered into the change capture triggers.
type triggerData struct {
	Table          string
	Tracking       string
	InsertTrigger  string
	UpdateTrigger  string
	DeleteTrigger  string
	TimestampIndex string
	KeyColumns     string
	NewKey         string
	OldKey         string
	KeyUnchanged   string
	ClockTable     string
	ApplyModeTable string
	Timestamp      string
	Scope          string
	Tombstone      string
	ChangedAt      string
}

const trackingTableTemplate = `CREATE TABLE IF NOT EXISTS {{.Tracking}} (
	{{.KeyDefs}},
	"timestamp" INTEGER NOT NULL,
	"update_scope_id" TEXT,
	"sync_row_is_tombstone" INTEGER NOT NULL DEFAULT 0,
	"last_change_datetime" INTEGER NOT NULL,
	PRIMARY KEY ({{.KeyColumns}})
)`

const trackingIndexTemplate = `CREATE INDEX IF NOT EXISTS {{.TimestampIndex}} ON {{.Tracking}} ("timestamp")`

// Local writes bump the clock and stamp the tracking row with a NULL scope. The
// apply mode row switches the triggers off while the engine applies remote rows.
const insertTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS {{.InsertTrigger}}
AFTER INSERT ON {{.Table}}
WHEN (SELECT enabled FROM {{.ApplyModeTable}} WHERE id = 1) = 0
BEGIN
	UPDATE {{.ClockTable}} SET value = value + 1 WHERE id = 1;
	INSERT INTO {{.Tracking}} ({{.KeyColumns}}, {{.Timestamp}}, {{.Scope}}, {{.Tombstone}}, {{.ChangedAt}})
	VALUES ({{.NewKey}}, (SELECT value FROM {{.ClockTable}} WHERE id = 1), NULL, 0, ` + nowMillis + `)
	ON CONFLICT ({{.KeyColumns}}) DO UPDATE SET
		{{.Timestamp}} = excluded.{{.Timestamp}},
		{{.Scope}} = NULL,
		{{.Tombstone}} = 0,
		{{.ChangedAt}} = excluded.{{.ChangedAt}};
END`

const updateTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS {{.UpdateTrigger}}
AFTER UPDATE ON {{.Table}}
WHEN (SELECT enabled FROM {{.ApplyModeTable}} WHERE id = 1) = 0
BEGIN
	UPDATE {{.ClockTable}} SET value = value + 1 WHERE id = 1;
	INSERT INTO {{.Tracking}} ({{.KeyColumns}}, {{.Timestamp}}, {{.Scope}}, {{.Tombstone}}, {{.ChangedAt}})
	SELECT {{.OldKey}}, (SELECT value FROM {{.ClockTable}} WHERE id = 1), NULL, 1, ` + nowMillis + `
	WHERE NOT ({{.KeyUnchanged}})
	ON CONFLICT ({{.KeyColumns}}) DO UPDATE SET
		{{.Timestamp}} = excluded.{{.Timestamp}},
		{{.Scope}} = NULL,
		{{.Tombstone}} = 1,
		{{.ChangedAt}} = excluded.{{.ChangedAt}};
	INSERT INTO {{.Tracking}} ({{.KeyColumns}}, {{.Timestamp}}, {{.Scope}}, {{.Tombstone}}, {{.ChangedAt}})
	VALUES ({{.NewKey}}, (SELECT value FROM {{.ClockTable}} WHERE id = 1), NULL, 0, ` + nowMillis + `)
	ON CONFLICT ({{.KeyColumns}}) DO UPDATE SET
		{{.Timestamp}} = excluded.{{.Timestamp}},
		{{.Scope}} = NULL,
		{{.Tombstone}} = 0,
		{{.ChangedAt}} = excluded.{{.ChangedAt}};
END`

const deleteTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS {{.DeleteTrigger}}
AFTER DELETE ON {{.Table}}
WHEN (SELECT enabled FROM {{.ApplyModeTable}} WHERE id = 1) = 0
BEGIN
	UPDATE {{.ClockTable}} SET value = value + 1 WHERE id = 1;
	INSERT INTO {{.Tracking}} ({{.KeyColumns}}, {{.Timestamp}}, {{.Scope}}, {{.Tombstone}}, {{.ChangedAt}})
	VALUES ({{.OldKey}}, (SELECT value FROM {{.ClockTable}} WHERE id = 1), NULL, 1, ` + nowMillis + `)
	ON CONFLICT ({{.KeyColumns}}) DO UPDATE SET
		{{.Timestamp}} = excluded.{{.Timestamp}},
		{{.Scope}} = NULL,
		{{.Tombstone}} = 1,
		{{.ChangedAt}} = excluded.{{.ChangedAt}};
END`

const nowMillis = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`

var provisionTemplates = []*template.Template{
	template.Must(template.New("tracking").Parse(trackingTableTemplate)),
	template.Must(template.New("tracking_index").Parse(trackingIndexTemplate)),
	template.Must(template.New("insert").Parse(insertTriggerTemplate)),
	template.Must(template.New("update").Parse(updateTriggerTemplate)),
	template.Must(template.New("delete").Parse(deleteTriggerTemplate)),
}

type provisionData struct {
	triggerData
	KeyDefs string
}

func (d Dialect) provisionData(t *scopesync.SyncTable) provisionData {
	var keyDefs, keyCols, newKey, oldKey, same []string
	for _, c := range t.PrimaryKeyColumns() {
		q := d.QuoteIdent(c.Name)
		keyDefs = append(keyDefs, q+" "+declaredType(c)+" NOT NULL")
		keyCols = append(keyCols, q)
		newKey = append(newKey, "NEW."+q)
		oldKey = append(oldKey, "OLD."+q)
		same = append(same, "OLD."+q+" IS NEW."+q)
	}
	return provisionData{
		triggerData: triggerData{
			Table:          d.QuoteIdent(t.Name),
			Tracking:       d.QuoteIdent(scopesync.TrackingTableName(t.Name)),
			InsertTrigger:  d.QuoteIdent(triggerName(t.Name, "ai")),
			UpdateTrigger:  d.QuoteIdent(triggerName(t.Name, "au")),
			DeleteTrigger:  d.QuoteIdent(triggerName(t.Name, "ad")),
			TimestampIndex: d.QuoteIdent(scopesync.TrackingTableName(t.Name) + "_timestamp_idx"),
			KeyColumns:     strings.Join(keyCols, ", "),
			NewKey:         strings.Join(newKey, ", "),
			OldKey:         strings.Join(oldKey, ", "),
			KeyUnchanged:   strings.Join(same, " AND "),
			ClockTable:     clockTable,
			ApplyModeTable: applyModeTable,
			Timestamp:      `"timestamp"`,
			Scope:          `"update_scope_id"`,
			Tombstone:      `"sync_row_is_tombstone"`,
			ChangedAt:      `"last_change_datetime"`,
		},
		KeyDefs: strings.Join(keyDefs, ",\n\t"),
	}
}

// ProvisionStatements renders the tracking table, its index and the three
// change capture triggers.
func (d Dialect) ProvisionStatements(t *scopesync.SyncTable) []string {
	data := d.provisionData(t)
	out := make([]string, 0, len(provisionTemplates))
	for _, tmpl := range provisionTemplates {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			// Templates are static and data is plain strings.
			panic(fmt.Sprintf("render %s for %s: %v", tmpl.Name(), t.Name, err))
		}
		out = append(out, buf.String())
	}
	return out
}

func (d Dialect) DeprovisionStatements(t *scopesync.SyncTable) []string {
	return []string{
		"DROP TRIGGER IF EXISTS " + d.QuoteIdent(triggerName(t.Name, "ai")),
		"DROP TRIGGER IF EXISTS " + d.QuoteIdent(triggerName(t.Name, "au")),
		"DROP TRIGGER IF EXISTS " + d.QuoteIdent(triggerName(t.Name, "ad")),
		"DROP TABLE IF EXISTS " + d.QuoteIdent(scopesync.TrackingTableName(t.Name)),
	}
}

func triggerName(table, suffix string) string { return "scope_" + table + "_" + suffix }

func (Dialect) ApplyModeStatement(on bool) string {
	v := 0
	if on {
		v = 1
	}
	return fmt.Sprintf("UPDATE %s SET enabled = %d WHERE id = 1", applyModeTable, v)
}
