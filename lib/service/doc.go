// Copyright 2026 The Sealbus Authors
// SPDX-License-Identifier: Apache-2.0

// Package service supervises named long-running services and fans out
// lifecycle events to registered listeners.
//
// The Registry holds services under unique names. StartAll brings them
// up in registration order; StopAll tears them down in reverse order,
// on the assumption that later registrations depend on earlier ones. A
// failure in one service is recorded in the returned map and never
// aborts iteration over the rest.
//
// Separately from service supervision the Registry carries an event
// bus. Listeners register for an event type either synchronously
// (invoked inline by Emit) or asynchronously (scheduled on a small
// shared worker pool so a slow listener cannot stall the emitter). A
// panicking listener is logged and isolated from the other listeners
// for the same event.
package service
