// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"context"
	"testing"

	"github.com/mobiletoly/go-scopesync/scopesync"
	"github.com/stretchr/testify/require"
)

func ordersByCustomer() *scopesync.SyncSetup {
	return &scopesync.SyncSetup{
		Tables: []string{"customers", "orders"},
		Filters: []scopesync.SyncFilter{{
			Table:  "orders",
			Params: []scopesync.FilterParam{{Name: "cust", Type: scopesync.TypeInt64}},
			Wheres: []scopesync.FilterWhere{{Column: "customer_id", Param: "cust"}},
		}},
	}
}

func TestFilterRestrictsDownloadOnly(t *testing.T) {
	opts := testOptions(t)
	srv := newSQLiteServerWithSetup(t, opts, ordersByCustomer())
	insertOrder(t, srv.provider.SQL(), 1, true)
	other := insertOrder(t, srv.provider.SQL(), 2, false)

	clientOpts := opts
	clientOpts.Parameters = map[string]any{"cust": int64(1)}
	c := newReplica(t, "c", clientOpts)

	res := c.sync(t, srv.remote)
	require.Equal(t, 3, res.TotalChangesDownloaded)
	require.Equal(t, 1, countRows(t, c.provider.SQL(), "orders"))

	// A local row outside the filter still belongs on the server.
	insertOrder(t, c.provider.SQL(), 2, true)
	res = c.sync(t, srv.remote)
	require.Equal(t, 1, res.TotalChangesUploaded)
	require.Equal(t, 0, res.TotalChangesDownloaded)
	require.Equal(t, 3, countRows(t, srv.provider.SQL(), "orders"))
	require.Equal(t, 2, countRows(t, c.provider.SQL(), "orders"))

	// Tombstones are not filtered: the delete of a row the client never had still
	// arrives and applies as a no-op.
	mustExec(t, srv.provider.SQL(), `DELETE FROM orders WHERE id = ?`, other)
	res = c.sync(t, srv.remote)
	require.Equal(t, 1, res.TotalChangesDownloaded)
	require.Equal(t, 0, res.TotalChangesFailed)
	require.Equal(t, 2, countRows(t, c.provider.SQL(), "orders"))

	res = c.sync(t, srv.remote)
	require.Equal(t, 0, res.TotalChangesUploaded)
	require.Equal(t, 0, res.TotalChangesDownloaded)
}

func TestFilterRequiresParameter(t *testing.T) {
	opts := testOptions(t)
	srv := newSQLiteServerWithSetup(t, opts, ordersByCustomer())
	c := newReplica(t, "c", opts)

	_, err := c.local.Synchronize(context.Background(), testScope, srv.remote)
	require.ErrorContains(t, err, `filter parameter "cust" is required`)
}

func TestFilterJoinSelectsEachRowOnce(t *testing.T) {
	opts := testOptions(t)
	srv := newSQLiteServerWithSetup(t, opts, &scopesync.SyncSetup{
		Tables: []string{"customers", "orders"},
		Filters: []scopesync.SyncFilter{{
			Table:  "customers",
			Params: []scopesync.FilterParam{{Name: "paid", Type: scopesync.TypeBoolean}},
			Joins: []scopesync.FilterJoin{{
				Table: "orders", Alias: "o", LeftColumn: "id", RightColumn: "customer_id",
			}},
			Wheres: []scopesync.FilterWhere{{Alias: "o", Column: "paid", Param: "paid"}},
		}},
	})
	// Ann has two paid orders; a plain join would select her twice.
	insertOrder(t, srv.provider.SQL(), 1, true)
	insertOrder(t, srv.provider.SQL(), 1, true)
	insertOrder(t, srv.provider.SQL(), 2, false)

	clientOpts := opts
	clientOpts.Parameters = map[string]any{"paid": true}
	c := newReplica(t, "c", clientOpts)

	res := c.sync(t, srv.remote)
	require.Equal(t, 1, res.Tables["customers"].Downloaded)
	require.Equal(t, 3, res.Tables["orders"].Downloaded)
	require.Equal(t, 1, countRows(t, c.provider.SQL(), "customers"))
	require.Equal(t, "Ann", customerName(t, c.provider.SQL(), 1))
}
