// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package integration runs complete sync sessions between real databases: SQLite
// replicas against SQLite or PostgreSQL servers, in process and over HTTP.
package integration
