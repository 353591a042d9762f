package storage

import (
	"context"

	"github.com/zoptal/flagkit/pkg/abtest"
	"github.com/zoptal/flagkit/pkg/flag"
)

// Provider is the full persistence contract implemented by storage
// backends. The managers consume only their own slice of it.
type Provider interface {
	flag.Storage
	abtest.Storage

	// Healthcheck verifies the backend is reachable.
	Healthcheck(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
