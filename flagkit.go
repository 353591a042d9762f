package flagkit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/zoptal/flagkit/pkg/abtest"
	"github.com/zoptal/flagkit/pkg/events"
	"github.com/zoptal/flagkit/pkg/flag"
	"github.com/zoptal/flagkit/pkg/storage"
)

// System is a fully wired flag and experiment engine for one environment.
// Construct one per environment/tenant with New; there is no implicit
// global instance.
type System struct {
	flags    *flag.Manager
	tests    *abtest.Manager
	emitter  *events.Emitter
	provider storage.Provider
	logger   *slog.Logger
}

// Option configures a System.
type Option func(*systemConfig)

type systemConfig struct {
	logger *slog.Logger
}

// WithLogger sets the structured logger shared by both managers. Defaults
// to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *systemConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// New wires a System on top of the given storage provider and starts its
// background jobs: periodic definition sync and experiment result
// recalculation. Close must be called to stop them and release the
// provider.
func New(cfg Config, provider storage.Provider, opts ...Option) (*System, error) {
	if provider == nil {
		return nil, errors.New("flagkit: storage provider is required")
	}

	sc := systemConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&sc)
	}

	emitter := events.NewEmitter(cfg.EventBuffer)

	flags, err := flag.NewManager(provider,
		flag.WithEnvironment(cfg.Environment),
		flag.WithSyncInterval(cfg.FlagSyncInterval),
		flag.WithEmitter(emitter),
		flag.WithLogger(sc.logger),
	)
	if err != nil {
		emitter.Close()
		return nil, err
	}

	tests, err := abtest.NewManager(provider,
		abtest.WithEnvironment(cfg.Environment),
		abtest.WithSyncInterval(cfg.FlagSyncInterval),
		abtest.WithResultsInterval(cfg.ResultsInterval),
		abtest.WithEmitter(emitter),
		abtest.WithLogger(sc.logger),
	)
	if err != nil {
		_ = flags.Close()
		emitter.Close()
		return nil, err
	}

	return &System{
		flags:    flags,
		tests:    tests,
		emitter:  emitter,
		provider: provider,
		logger:   sc.logger,
	}, nil
}

// Flags exposes the flag manager for management calls and direct use.
func (s *System) Flags() *flag.Manager { return s.flags }

// Tests exposes the test manager for management calls and direct use.
func (s *System) Tests() *abtest.Manager { return s.tests }

// EvaluateFlag resolves a flag for the given context. Never returns an
// error; failure modes degrade to a safe default with a machine-readable
// reason.
func (s *System) EvaluateFlag(ctx context.Context, key string, ec flag.Context) flag.Result {
	return s.flags.Evaluate(ctx, key, ec)
}

// EvaluateFlags resolves a batch of flags against one context.
func (s *System) EvaluateFlags(ctx context.Context, keys []string, ec flag.Context) map[string]flag.Result {
	return s.flags.EvaluateAll(ctx, keys, ec)
}

// GetBool evaluates a flag as a boolean with a caller default.
func (s *System) GetBool(ctx context.Context, key string, ec flag.Context, def bool) bool {
	return s.flags.GetBool(ctx, key, ec, def)
}

// GetString evaluates a flag as a string with a caller default.
func (s *System) GetString(ctx context.Context, key string, ec flag.Context, def string) string {
	return s.flags.GetString(ctx, key, ec, def)
}

// GetNumber evaluates a flag as a float64 with a caller default.
func (s *System) GetNumber(ctx context.Context, key string, ec flag.Context, def float64) float64 {
	return s.flags.GetNumber(ctx, key, ec, def)
}

// GetJSON evaluates a flag as a JSON object with a caller default.
func (s *System) GetJSON(ctx context.Context, key string, ec flag.Context, def map[string]any) map[string]any {
	return s.flags.GetJSON(ctx, key, ec, def)
}

// AssignVariant enrolls a user into a test or returns the sticky prior
// assignment. A nil assignment means "not in test".
func (s *System) AssignVariant(ctx context.Context, testKey, userID string, attrs map[string]any, sessionID string) (*abtest.Assignment, error) {
	return s.tests.AssignVariant(ctx, testKey, userID, attrs, sessionID)
}

// TrackConversion records a conversion event for a running test.
func (s *System) TrackConversion(ctx context.Context, c abtest.Conversion) error {
	return s.tests.TrackConversion(ctx, c)
}

// GetTestResults returns the latest calculated result for a test, or nil
// when none has been calculated yet.
func (s *System) GetTestResults(ctx context.Context, testKey string) (*abtest.Result, error) {
	return s.tests.GetResults(ctx, testKey)
}

// Events subscribes to engine lifecycle events. The subscription ends when
// the context is cancelled or the system is closed.
func (s *System) Events(ctx context.Context) <-chan events.Event {
	return s.emitter.Subscribe(ctx)
}

// Healthcheck verifies the storage backend is reachable.
func (s *System) Healthcheck(ctx context.Context) error {
	return s.provider.Healthcheck(ctx)
}

// Close stops the background jobs, closes the event bus, and releases the
// storage provider. Safe to call once; the system is unusable afterwards.
func (s *System) Close() error {
	err := errors.Join(
		s.flags.Close(),
		s.tests.Close(),
		s.emitter.Close(),
		s.provider.Close(),
	)
	return err
}
