// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector is the Matrix side of matrix-webhook: a single bot
// session that joins rooms and posts messages on behalf of webhook callers.
//
// # Core Types
//
// [Client] wraps a mautrix client with a small state machine
// (logged out, connected, reauthenticating). Every join and send gets a
// bounded number of attempts. Transport failures are retried immediately,
// an M_UNKNOWN_TOKEN answer triggers one shared re-login, and any other
// Matrix error is returned as a [DeliveryError] carrying the HTTP status
// chosen by [ErrorStatus].
//
// Sessions are persisted through the session package so that restarts reuse
// the same access token and device. When encryption is enabled the client
// keeps an Olm machine in a SQLite store next to the session file and runs a
// background sync loop, which is paused while a login replaces the token.
//
// # Sub-packages
//
//   - matrixfmt renders markdown into Matrix message content.
//   - mattermostfmt converts Mattermost and Slack webhook markup to Matrix HTML.
package connector
