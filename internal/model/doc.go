// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared across the router:
// conversation messages, chat requests and responses, tool descriptors,
// task types, and usage accounting records.
//
// Everything in this package is plain data. Messages are value types so
// that histories can be snapshotted by copying a slice; nothing here
// performs I/O or holds locks.
package model
