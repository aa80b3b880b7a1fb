//go:build integration

// Package integration exercises pakt archives against a real OCI registry.
//
// These tests require Docker and start registry:2 with testcontainers.
// Run with: go test -tags=integration ./integration/...
// Set SKIP_DOCKER_TESTS=1 to skip them.
package integration
