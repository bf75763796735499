// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package auth manages the credential lifecycle of user accounts:
// registration, activation, login, logout, token refresh and password
// reset or change.
//
// # Components
//
//   - UserRepository - credential records with optimistic versioning
//   - TokenIssuer - activation and password reset tokens, signed access tokens
//   - SessionManager - refresh tokens, global revoke, logout denylist
//   - Service - the operations, each composed in one transaction
//
// # Tokens
//
// Activation, password reset and refresh tokens are opaque 256-bit values.
// Only their SHA-256 hashes are stored. Access tokens are HS256 JWTs that are
// never stored; they are checked against the logout denylist and the user's
// CredentialsNotBefore marker.
//
// # Errors
//
// Failures wrap the sentinels in errors.go inside oops errors. Use KindOf to
// classify them.
package auth
