// Package storage defines the persistence contract for the flag and
// experiment engine and provides the in-memory reference implementation.
//
// The engine depends only on the Provider interface; the flag and abtest
// managers each declare the narrow slice they consume (flag.Storage,
// abtest.Storage) and Provider is the union of both plus health checking
// and teardown. Backends live in subpackages: mongostore (MongoDB) and
// redisstore (Redis).
//
// The Memory provider is authoritative for tests and fine for
// single-process deployments; it holds everything under a read-write mutex
// and returns defensive copies so callers can never mutate stored
// definitions in place.
package storage
