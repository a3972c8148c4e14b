// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopepg

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/jackc/pgx/v5"
	"github.com/mobiletoly/go-scopesync/scopesync"
)

const (
	clockSequence = "scope_clock_seq"
	// clockLockKey is the advisory lock writers hold shared while they own
	// unpublished clock values; Current takes it exclusively.
	clockLockKey   = 0x5c09e5
	applyModeGUC   = "scope_sync.apply_mode"
	trackingSuffix = scopesync.TrackingSuffix
)

type syntax struct{}

func (syntax) QuoteIdent(name string) string { return pgx.Identifier{name}.Sanitize() }

func (syntax) Placeholder(index int, typ scopesync.ColumnType) string {
	return fmt.Sprintf("$%d::%s", index, pgType(typ))
}

func pgType(t scopesync.ColumnType) string {
	switch t {
	case scopesync.TypeInt64:
		return "bigint"
	case scopesync.TypeInt32:
		return "integer"
	case scopesync.TypeInt16:
		return "smallint"
	case scopesync.TypeFloat64:
		return "double precision"
	case scopesync.TypeDecimal:
		return "numeric"
	case scopesync.TypeDateTime:
		return "timestamptz"
	case scopesync.TypeBinary:
		return "bytea"
	case scopesync.TypeBoolean:
		return "boolean"
	case scopesync.TypeGUID:
		return "uuid"
	default:
		return "text"
	}
}

// columnType maps information_schema udt names to column types.
func columnType(udt string) scopesync.ColumnType {
	switch strings.ToLower(udt) {
	case "int8":
		return scopesync.TypeInt64
	case "int4":
		return scopesync.TypeInt32
	case "int2":
		return scopesync.TypeInt16
	case "float8", "float4":
		return scopesync.TypeFloat64
	case "numeric", "money":
		return scopesync.TypeDecimal
	case "timestamptz", "timestamp", "date":
		return scopesync.TypeDateTime
	case "bytea":
		return scopesync.TypeBinary
	case "bool":
		return scopesync.TypeBoolean
	case "uuid":
		return scopesync.TypeGUID
	default:
		return scopesync.TypeString
	}
}

// Dialect renders PostgreSQL statements.
type Dialect struct {
	scopesync.SQLBuilder
}

var _ scopesync.Dialect = Dialect{}

func NewDialect() Dialect {
	return Dialect{SQLBuilder: scopesync.SQLBuilder{Syntax: syntax{}}}
}

func (Dialect) Name() string { return "postgres" }

func (d Dialect) MetadataStatements() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + scopesync.ScopeInfoTable + ` (
			sync_scope_name TEXT PRIMARY KEY,
			sync_scope_id TEXT NOT NULL,
			sync_scope_setup TEXT,
			sync_scope_schema TEXT,
			last_sync_timestamp BIGINT NOT NULL DEFAULT 0,
			last_server_sync_timestamp BIGINT NOT NULL DEFAULT 0,
			last_sync BIGINT NOT NULL DEFAULT 0,
			last_sync_duration BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ` + scopesync.ScopeInfoClientTable + ` (
			sync_scope_name TEXT NOT NULL,
			sync_scope_id TEXT NOT NULL,
			last_sync_timestamp BIGINT NOT NULL DEFAULT 0,
			last_sync BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (sync_scope_name, sync_scope_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + scopesync.ScopeRetentionTable + ` (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			floor_timestamp BIGINT NOT NULL DEFAULT 0
		)`,
		`INSERT INTO ` + scopesync.ScopeRetentionTable + ` (id, floor_timestamp) VALUES (1, 0) ON CONFLICT (id) DO NOTHING`,
		`CREATE SEQUENCE IF NOT EXISTS ` + clockSequence + ` AS BIGINT MINVALUE 1 START WITH 1`,
	}
}

func (d Dialect) CreateTableStatement(t *scopesync.SyncTable) string {
	var defs, keys []string
	for _, c := range t.Columns {
		typ := pgType(c.Type)
		if c.Type == scopesync.TypeString && c.MaxLength > 0 {
			typ = fmt.Sprintf("varchar(%d)", c.MaxLength)
		}
		def := d.QuoteIdent(c.Name) + " " + typ
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

type provisionData struct {
	Table        string
	Tracking     string
	Function     string
	Trigger      string
	Index        string
	KeyDefs      string
	KeyColumns   string
	NewKey       string
	OldKey       string
	ClockLockKey int
	Sequence     string
	ApplyModeGUC string
}

const trackingTableTemplate = `CREATE TABLE IF NOT EXISTS {{.Tracking}} (
	{{.KeyDefs}},
	"timestamp" BIGINT NOT NULL,
	"update_scope_id" TEXT,
	"sync_row_is_tombstone" SMALLINT NOT NULL DEFAULT 0,
	"last_change_datetime" BIGINT NOT NULL,
	PRIMARY KEY ({{.KeyColumns}})
)`

const trackingIndexTemplate = `CREATE INDEX IF NOT EXISTS {{.Index}} ON {{.Tracking}} ("timestamp")`

// The function stamps local writes. Writers hold the clock lock shared so that
// Current can wait for every transaction owning an unpublished timestamp.
const trackFunctionTemplate = `CREATE OR REPLACE FUNCTION {{.Function}}() RETURNS trigger
LANGUAGE plpgsql AS $fn$
DECLARE
	ts BIGINT;
	changed BIGINT := (extract(epoch FROM clock_timestamp()) * 1000)::BIGINT;
BEGIN
	IF coalesce(current_setting('{{.ApplyModeGUC}}', true), '') = 'on' THEN
		RETURN NULL;
	END IF;
	PERFORM pg_advisory_xact_lock_shared({{.ClockLockKey}});
	ts := nextval('{{.Sequence}}');
	IF TG_OP = 'DELETE' OR (TG_OP = 'UPDATE' AND ({{.OldKey}}) IS DISTINCT FROM ({{.NewKey}})) THEN
		INSERT INTO {{.Tracking}} ({{.KeyColumns}}, "timestamp", "update_scope_id", "sync_row_is_tombstone", "last_change_datetime")
		VALUES ({{.OldKey}}, ts, NULL, 1, changed)
		ON CONFLICT ({{.KeyColumns}}) DO UPDATE SET
			"timestamp" = EXCLUDED."timestamp",
			"update_scope_id" = NULL,
			"sync_row_is_tombstone" = 1,
			"last_change_datetime" = EXCLUDED."last_change_datetime";
	END IF;
	IF TG_OP IN ('INSERT', 'UPDATE') THEN
		INSERT INTO {{.Tracking}} ({{.KeyColumns}}, "timestamp", "update_scope_id", "sync_row_is_tombstone", "last_change_datetime")
		VALUES ({{.NewKey}}, ts, NULL, 0, changed)
		ON CONFLICT ({{.KeyColumns}}) DO UPDATE SET
			"timestamp" = EXCLUDED."timestamp",
			"update_scope_id" = NULL,
			"sync_row_is_tombstone" = 0,
			"last_change_datetime" = EXCLUDED."last_change_datetime";
	END IF;
	RETURN NULL;
END
$fn$`

const dropTriggerTemplate = `DROP TRIGGER IF EXISTS {{.Trigger}} ON {{.Table}}`

const createTriggerTemplate = `CREATE TRIGGER {{.Trigger}}
AFTER INSERT OR UPDATE OR DELETE ON {{.Table}}
FOR EACH ROW EXECUTE FUNCTION {{.Function}}()`

var provisionTemplates = []*template.Template{
	template.Must(template.New("tracking").Parse(trackingTableTemplate)),
	template.Must(template.New("tracking_index").Parse(trackingIndexTemplate)),
	template.Must(template.New("function").Parse(trackFunctionTemplate)),
	template.Must(template.New("drop_trigger").Parse(dropTriggerTemplate)),
	template.Must(template.New("trigger").Parse(createTriggerTemplate)),
}

func (d Dialect) provisionData(t *scopesync.SyncTable) provisionData {
	var keyDefs, keyCols, newKey, oldKey []string
	for _, c := range t.PrimaryKeyColumns() {
		q := d.QuoteIdent(c.Name)
		typ := pgType(c.Type)
		if c.Type == scopesync.TypeString && c.MaxLength > 0 {
			typ = fmt.Sprintf("varchar(%d)", c.MaxLength)
		}
		keyDefs = append(keyDefs, q+" "+typ+" NOT NULL")
		keyCols = append(keyCols, q)
		newKey = append(newKey, "NEW."+q)
		oldKey = append(oldKey, "OLD."+q)
	}
	return provisionData{
		Table:        d.QuoteIdent(t.Name),
		Tracking:     d.QuoteIdent(t.Name + trackingSuffix),
		Function:     d.QuoteIdent("scope_" + t.Name + "_track"),
		Trigger:      d.QuoteIdent("scope_" + t.Name + "_track"),
		Index:        d.QuoteIdent(t.Name + trackingSuffix + "_timestamp_idx"),
		KeyDefs:      strings.Join(keyDefs, ",\n\t"),
		KeyColumns:   strings.Join(keyCols, ", "),
		NewKey:       strings.Join(newKey, ", "),
		OldKey:       strings.Join(oldKey, ", "),
		ClockLockKey: clockLockKey,
		Sequence:     clockSequence,
		ApplyModeGUC: applyModeGUC,
	}
}

func (d Dialect) ProvisionStatements(t *scopesync.SyncTable) []string {
	data := d.provisionData(t)
	out := make([]string, 0, len(provisionTemplates))
	for _, tmpl := range provisionTemplates {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			panic(fmt.Sprintf("render %s for %s: %v", tmpl.Name(), t.Name, err))
		}
		out = append(out, buf.String())
	}
	return out
}

func (d Dialect) DeprovisionStatements(t *scopesync.SyncTable) []string {
	data := d.provisionData(t)
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", data.Trigger, data.Table),
		fmt.Sprintf("DROP FUNCTION IF EXISTS %s()", data.Function),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", data.Tracking),
	}
}

// ApplyModeStatement sets a transaction local setting read by the trigger
// function.
func (Dialect) ApplyModeStatement(on bool) string {
	v := "off"
	if on {
		v = "on"
	}
	return fmt.Sprintf("SELECT set_config('%s', '%s', true)", applyModeGUC, v)
}
