// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"fmt"
	"strings"
)

const (
	baseAlias     = "base"
	trackingAlias = "tr"
)

// SyncSetup lists the tables of a scope in apply order, parents first, plus
// optional row filters.
type SyncSetup struct {
	Tables  []string     `json:"tables"`
	Filters []SyncFilter `json:"filters,omitempty"`
}

// SyncFilter restricts the live rows selected for a table. Joins and wheres are
// compiled into the selection query. Tombstones are never filtered because their
// base row no longer exists.
type SyncFilter struct {
	Table  string        `json:"table"`
	Params []FilterParam `json:"params,omitempty"`
	Joins  []FilterJoin  `json:"joins,omitempty"`
	Wheres []FilterWhere `json:"wheres,omitempty"`
}

type FilterParam struct {
	Name      string     `json:"name"`
	Type      ColumnType `json:"type"`
	AllowNull bool       `json:"allow_null,omitempty"`
}

// FilterJoin joins Table under Alias on Alias.RightColumn = LeftAlias.LeftColumn.
// An empty LeftAlias refers to the synchronized table.
type FilterJoin struct {
	Table       string `json:"table"`
	Alias       string `json:"alias"`
	LeftAlias   string `json:"left_alias,omitempty"`
	LeftColumn  string `json:"left_column"`
	RightColumn string `json:"right_column"`
}

// FilterWhere compares Alias.Column to the named parameter. An empty Alias refers
// to the synchronized table.
type FilterWhere struct {
	Alias  string `json:"alias,omitempty"`
	Column string `json:"column"`
	Param  string `json:"param"`
}

// Filter returns the filter declared for a table, or nil.
func (s *SyncSetup) Filter(table string) *SyncFilter {
	if s == nil {
		return nil
	}
	for i := range s.Filters {
		if strings.EqualFold(s.Filters[i].Table, table) {
			return &s.Filters[i]
		}
	}
	return nil
}

// Validate checks table names and filter references.
func (s *SyncSetup) Validate() error {
	if s == nil || len(s.Tables) == 0 {
		return fmt.Errorf("setup has no tables")
	}
	seen := make(map[string]bool)
	for _, t := range s.Tables {
		if t == "" {
			return fmt.Errorf("setup has an empty table name")
		}
		k := strings.ToLower(t)
		if seen[k] {
			return fmt.Errorf("table %s listed twice", t)
		}
		seen[k] = true
	}
	for _, f := range s.Filters {
		if !seen[strings.ToLower(f.Table)] {
			return fmt.Errorf("filter references table %s outside the setup", f.Table)
		}
		if err := f.validate(); err != nil {
			return fmt.Errorf("filter on %s: %w", f.Table, err)
		}
	}
	return nil
}

func (f *SyncFilter) validate() error {
	aliases := map[string]bool{baseAlias: true}
	for _, j := range f.Joins {
		if j.Alias == "" || j.Table == "" {
			return fmt.Errorf("join requires table and alias")
		}
		if j.Alias == baseAlias || j.Alias == trackingAlias || aliases[j.Alias] {
			return fmt.Errorf("join alias %q is reserved or duplicated", j.Alias)
		}
		left := j.LeftAlias
		if left == "" {
			left = baseAlias
		}
		if !aliases[left] {
			return fmt.Errorf("join %s refers to unknown alias %q", j.Alias, left)
		}
		aliases[j.Alias] = true
	}
	for _, w := range f.Wheres {
		alias := w.Alias
		if alias == "" {
			alias = baseAlias
		}
		if !aliases[alias] {
			return fmt.Errorf("where on %s refers to unknown alias %q", w.Column, alias)
		}
		if f.param(w.Param) == nil {
			return fmt.Errorf("where on %s refers to undeclared parameter %q", w.Column, w.Param)
		}
	}
	return nil
}

func (f *SyncFilter) param(name string) *FilterParam {
	for i := range f.Params {
		if f.Params[i].Name == name {
			return &f.Params[i]
		}
	}
	return nil
}

// bindParams normalizes caller supplied parameter values. Missing parameters bind
// NULL when allowed.
func (f *SyncFilter) bindParams(values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(f.Params))
	for _, p := range f.Params {
		raw, ok := values[p.Name]
		if !ok || raw == nil {
			if !p.AllowNull {
				return nil, fmt.Errorf("filter parameter %q is required", p.Name)
			}
			out[filterParamKey(p.Name)] = nil
			continue
		}
		v, err := NormalizeValue(p.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("filter parameter %q: %w", p.Name, err)
		}
		out[filterParamKey(p.Name)] = v
	}
	return out, nil
}

func filterParamKey(name string) string { return "filter:" + name }
