// Package testutil provides shared test helpers for gcstreams packages:
// synthetic GC logs, writers that lay them out as plain, rotated, and archived
// files, an event recorder usable as a bus handler, and an in-memory NATS
// connection.
package testutil
