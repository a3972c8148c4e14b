// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package scopesync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSortTablesParentsFirst(t *testing.T) {
	names := []string{"order_items", "orders", "customers", "products"}
	parents := map[string][]string{
		"order_items": {"orders", "products"},
		"orders":      {"customers"},
	}
	require.Equal(t, []string{"customers", "orders", "products", "order_items"}, SortTables(names, parents, nil))
}

func TestSortTablesIgnoresSelfAndForeignReferences(t *testing.T) {
	names := []string{"employees", "departments"}
	parents := map[string][]string{
		"employees":   {"employees", "departments", "audit_log"},
		"departments": {"departments"},
	}
	require.Equal(t, []string{"departments", "employees"}, SortTables(names, parents, nil))
}

func TestSortTablesCycleKeepsDeclaredOrder(t *testing.T) {
	names := []string{"a", "b", "c"}
	parents := map[string][]string{"a": {"b"}, "b": {"a"}}
	require.Equal(t, names, SortTables(names, parents, nil))
}
