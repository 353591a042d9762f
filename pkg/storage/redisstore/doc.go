// Package redisstore provides the Redis-backed storage provider for the
// flag and experiment engine.
//
// Layout: flag and test definitions live in one hash per environment
// (field = key, value = JSON), participations in one hash per test keyed by
// user with HSETNX so the first assignment wins, conversions and evaluation
// log entries in per-test/per-environment lists, and results in a plain key
// per test. Last-modified tracking is a per-environment timestamp key
// bumped on every flag write.
//
// Redis fits deployments that already run it for caching and want
// cross-process sticky assignments without standing up a document store.
package redisstore
