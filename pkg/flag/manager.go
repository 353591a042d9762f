package flag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zoptal/flagkit/pkg/events"
)

// Storage is the persistence contract the flag manager depends on. It is
// implemented by the providers in pkg/storage.
type Storage interface {
	GetAllFlags(ctx context.Context, environment string) ([]Flag, error)
	SaveFlag(ctx context.Context, f Flag) error
	DeleteFlag(ctx context.Context, environment, key string) error
	GetLastModifiedTime(ctx context.Context, environment string) (time.Time, error)
	LogEvaluation(ctx context.Context, e Evaluation) error
}

// Emitter receives lifecycle events. Satisfied by *events.Emitter.
type Emitter interface {
	Emit(events.Event)
}

// snapshot is an immutable view of the flag definitions. Readers load it
// atomically; sync and management calls replace it wholesale so concurrent
// readers never observe a partial update.
type snapshot struct {
	flags      map[string]*Flag
	generation uint64
	loadedAt   time.Time
}

// Manager evaluates and manages feature flags for a single environment.
// Definitions are cached in memory and refreshed from storage by a periodic
// background sync. All methods are safe for concurrent use.
type Manager struct {
	storage     Storage
	environment string
	logger      *slog.Logger
	emitter     Emitter

	syncInterval time.Duration
	logTimeout   time.Duration

	cache        atomic.Pointer[snapshot]
	generation   atomic.Uint64
	lastModified atomic.Pointer[time.Time]
	syncInFlight atomic.Bool

	mu     sync.Mutex // serializes management writes and cache swaps
	closed atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithEnvironment scopes the manager to an environment. Defaults to
// "production".
func WithEnvironment(env string) Option {
	return func(m *Manager) {
		if env != "" {
			m.environment = env
		}
	}
}

// WithSyncInterval sets the definition refresh cadence. Defaults to 30s.
// A non-positive interval disables the background sync; callers then drive
// refreshes through Sync explicitly.
func WithSyncInterval(d time.Duration) Option {
	return func(m *Manager) { m.syncInterval = d }
}

// WithEmitter attaches a lifecycle event emitter.
func WithEmitter(e Emitter) Option {
	return func(m *Manager) {
		if e != nil {
			m.emitter = e
		}
	}
}

// NewManager creates a flag manager backed by the given storage and starts
// its background definition sync. The initial load failure is not fatal:
// the manager starts empty and retries on the next tick.
func NewManager(storage Storage, opts ...Option) (*Manager, error) {
	if storage == nil {
		return nil, errors.New("flag: storage is required")
	}

	m := &Manager{
		storage:      storage,
		environment:  "production",
		logger:       slog.Default(),
		syncInterval: 30 * time.Second,
		logTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.cache.Store(&snapshot{flags: map[string]*Flag{}, loadedAt: time.Now().UTC()})

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if err := m.Sync(ctx); err != nil {
		m.logger.WarnContext(ctx, "initial flag sync failed, starting empty",
			slog.String("environment", m.environment), slog.Any("error", err))
	}

	if m.syncInterval > 0 {
		m.wg.Add(1)
		go m.syncLoop(ctx)
	}

	return m, nil
}

// Close stops the background sync and releases the cache. It does not close
// the underlying storage, which the manager does not own.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	m.wg.Wait()
	m.cache.Store(&snapshot{flags: map[string]*Flag{}})
	return nil
}

func (m *Manager) syncLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Skip the tick if the previous sync is still in flight.
			if !m.syncInFlight.CompareAndSwap(false, true) {
				continue
			}
			if err := m.syncOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.WarnContext(ctx, "flag sync failed",
					slog.String("environment", m.environment), slog.Any("error", err))
			}
			m.syncInFlight.Store(false)
		}
	}
}

// Sync forces an immediate reload of flag definitions from storage.
func (m *Manager) Sync(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	return m.syncOnce(ctx)
}

func (m *Manager) syncOnce(ctx context.Context) error {
	modified, err := m.storage.GetLastModifiedTime(ctx, m.environment)
	if err != nil {
		return fmt.Errorf("flag: last modified check: %w", err)
	}
	if last := m.lastModified.Load(); last != nil && !modified.After(*last) {
		return nil
	}

	flags, err := m.storage.GetAllFlags(ctx, m.environment)
	if err != nil {
		return fmt.Errorf("flag: load flags: %w", err)
	}

	byKey := make(map[string]*Flag, len(flags))
	for i := range flags {
		f := flags[i]
		byKey[f.Key] = &f
	}

	m.swap(byKey)
	m.lastModified.Store(&modified)

	if m.emitter != nil {
		m.emitter.Emit(events.Event{Name: events.FlagsSynced, Payload: map[string]any{
			"environment": m.environment,
			"count":       len(byKey),
		}})
	}
	return nil
}

// swap atomically replaces the cache with a new snapshot.
func (m *Manager) swap(flags map[string]*Flag) {
	m.cache.Store(&snapshot{
		flags:      flags,
		generation: m.generation.Add(1),
		loadedAt:   time.Now().UTC(),
	})
}

// Generation returns the cache generation counter, incremented on every
// snapshot swap. Useful for observing sync progress in tests and metrics.
func (m *Manager) Generation() uint64 {
	return m.cache.Load().generation
}

// Evaluate resolves a flag for the given context. It never returns an
// error: unknown keys yield FLAG_NOT_FOUND and internal failures yield
// ERROR, both with a safe nil/default value. Every evaluation is logged
// asynchronously; logging failures never affect the result.
func (m *Manager) Evaluate(ctx context.Context, key string, ec Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "flag evaluation panic",
				slog.String("flag", key), slog.Any("panic", r))
			res = Result{
				FlagKey:      key,
				Reason:       ReasonError,
				EvaluationID: uuid.NewString(),
				Timestamp:    time.Now().UTC(),
			}
		}
	}()

	f, ok := m.cache.Load().flags[key]
	if !ok {
		res = Result{
			FlagKey:      key,
			Reason:       ReasonFlagNotFound,
			EvaluationID: uuid.NewString(),
			Timestamp:    time.Now().UTC(),
		}
		m.logAsync(res, ec)
		return res
	}

	res = evaluate(f, ec)
	m.logAsync(res, ec)
	return res
}

// EvaluateAll evaluates a batch of flags against one context.
func (m *Manager) EvaluateAll(ctx context.Context, keys []string, ec Context) map[string]Result {
	out := make(map[string]Result, len(keys))
	for _, key := range keys {
		out[key] = m.Evaluate(ctx, key, ec)
	}
	return out
}

// logAsync appends the evaluation to the audit log without blocking or
// failing the evaluation path.
func (m *Manager) logAsync(res Result, ec Context) {
	if m.closed.Load() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.logTimeout)
		defer cancel()

		err := m.storage.LogEvaluation(ctx, Evaluation{
			ID:          res.EvaluationID,
			FlagKey:     res.FlagKey,
			Variant:     res.Variant,
			Reason:      res.Reason,
			Context:     ec,
			Environment: m.environment,
			Timestamp:   res.Timestamp,
		})
		if err != nil {
			m.logger.Warn("evaluation log write failed",
				slog.String("flag", res.FlagKey), slog.Any("error", err))
		}
	}()
}

// GetBool evaluates a flag and coerces the value to bool, falling back to
// def on unknown flags, errors, or type mismatches.
func (m *Manager) GetBool(ctx context.Context, key string, ec Context, def bool) bool {
	res := m.Evaluate(ctx, key, ec)
	if v, ok := res.Value.(bool); ok {
		return v
	}
	return def
}

// GetString evaluates a flag and coerces the value to string.
func (m *Manager) GetString(ctx context.Context, key string, ec Context, def string) string {
	res := m.Evaluate(ctx, key, ec)
	if v, ok := res.Value.(string); ok {
		return v
	}
	return def
}

// GetNumber evaluates a flag and coerces the value to float64. Integer
// variant values are widened.
func (m *Manager) GetNumber(ctx context.Context, key string, ec Context, def float64) float64 {
	res := m.Evaluate(ctx, key, ec)
	switch v := res.Value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// GetJSON evaluates a flag and returns the value as a JSON object,
// falling back to def when the value is not an object.
func (m *Manager) GetJSON(ctx context.Context, key string, ec Context, def map[string]any) map[string]any {
	res := m.Evaluate(ctx, key, ec)
	if v, ok := res.Value.(map[string]any); ok {
		return v
	}
	return def
}

// GetFlag returns a copy of a flag definition from the cache.
func (m *Manager) GetFlag(key string) (*Flag, error) {
	f, ok := m.cache.Load().flags[key]
	if !ok {
		return nil, ErrFlagNotFound
	}
	cp := *f
	cp.Variants = slices.Clone(f.Variants)
	cp.Rules = slices.Clone(f.Rules)
	return &cp, nil
}

// ListFlags returns copies of all cached flag definitions.
func (m *Manager) ListFlags() []*Flag {
	snap := m.cache.Load()
	out := make([]*Flag, 0, len(snap.flags))
	for _, f := range snap.flags {
		cp := *f
		cp.Variants = slices.Clone(f.Variants)
		cp.Rules = slices.Clone(f.Rules)
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *Flag) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// CreateFlag validates and persists a new flag, then makes it visible in
// the cache without waiting for the next sync.
func (m *Manager) CreateFlag(ctx context.Context, f *Flag) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if f == nil {
		return errors.Join(ErrInvalidFlag, errors.New("flag cannot be nil"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cache.Load().flags[f.Key]; exists {
		return ErrFlagExists
	}

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = StatusDraft
	}
	if f.Environment == "" {
		f.Environment = m.environment
	}
	for i := range f.Rules {
		if f.Rules[i].ID == "" {
			f.Rules[i].ID = uuid.NewString()
		}
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	if err := validate(f); err != nil {
		return err
	}

	if err := m.storage.SaveFlag(ctx, *f); err != nil {
		return fmt.Errorf("flag: save: %w", err)
	}

	m.insertLocked(*f)
	m.emit(events.FlagCreated, map[string]any{"key": f.Key, "environment": f.Environment})
	return nil
}

// UpdateFlag validates and persists changes to an existing flag. Status
// changes must follow the allowed lifecycle transitions.
func (m *Manager) UpdateFlag(ctx context.Context, f *Flag) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if f == nil {
		return errors.Join(ErrInvalidFlag, errors.New("flag cannot be nil"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.cache.Load().flags[f.Key]
	if !ok {
		return ErrFlagNotFound
	}

	if f.Status != existing.Status {
		if !slices.Contains(allowedTransitions[existing.Status], f.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, f.Status)
		}
	}

	f.ID = existing.ID
	f.CreatedAt = existing.CreatedAt
	f.UpdatedAt = time.Now().UTC()
	if f.Environment == "" {
		f.Environment = existing.Environment
	}
	for i := range f.Rules {
		if f.Rules[i].ID == "" {
			f.Rules[i].ID = uuid.NewString()
		}
	}

	if err := validate(f); err != nil {
		return err
	}

	if err := m.storage.SaveFlag(ctx, *f); err != nil {
		return fmt.Errorf("flag: save: %w", err)
	}

	m.insertLocked(*f)
	m.emit(events.FlagUpdated, map[string]any{"key": f.Key, "status": string(f.Status)})
	return nil
}

// DeleteFlag removes a flag from storage and the cache.
func (m *Manager) DeleteFlag(ctx context.Context, key string) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cache.Load().flags[key]; !ok {
		return ErrFlagNotFound
	}

	if err := m.storage.DeleteFlag(ctx, m.environment, key); err != nil {
		return fmt.Errorf("flag: delete: %w", err)
	}

	snap := m.cache.Load()
	flags := maps.Clone(snap.flags)
	delete(flags, key)
	m.swap(flags)

	m.emit(events.FlagDeleted, map[string]any{"key": key, "environment": m.environment})
	return nil
}

// insertLocked swaps in a snapshot containing the given flag. Caller holds
// m.mu.
func (m *Manager) insertLocked(f Flag) {
	snap := m.cache.Load()
	flags := maps.Clone(snap.flags)
	flags[f.Key] = &f
	m.swap(flags)
}

func (m *Manager) emit(name string, payload any) {
	if m.emitter != nil {
		m.emitter.Emit(events.Event{Name: name, Payload: payload})
	}
}

// validate enforces the structural invariants of a flag definition: at
// least one variant, unique variant keys, default and rule variants that
// reference existing variants, rollout within [0,100].
func validate(f *Flag) error {
	if f.Key == "" {
		return errors.Join(ErrInvalidFlag, errors.New("flag key cannot be empty"))
	}
	if len(f.Variants) == 0 {
		return errors.Join(ErrInvalidFlag, errors.New("flag must define at least one variant"))
	}

	seen := make(map[string]struct{}, len(f.Variants))
	for _, v := range f.Variants {
		if v.Key == "" {
			return errors.Join(ErrInvalidFlag, errors.New("variant key cannot be empty"))
		}
		if _, dup := seen[v.Key]; dup {
			return errors.Join(ErrInvalidFlag, fmt.Errorf("duplicate variant %q", v.Key))
		}
		seen[v.Key] = struct{}{}
	}

	if _, ok := seen[f.DefaultVariant]; !ok {
		return errors.Join(ErrInvalidFlag,
			fmt.Errorf("default variant %q does not exist", f.DefaultVariant))
	}
	for _, r := range f.Rules {
		if _, ok := seen[r.Variant]; !ok {
			return errors.Join(ErrInvalidFlag,
				fmt.Errorf("rule %q targets unknown variant %q", r.ID, r.Variant))
		}
	}

	if f.RolloutPercentage < 0 || f.RolloutPercentage > 100 {
		return errors.Join(ErrInvalidFlag,
			errors.New("rollout percentage must be between 0 and 100"))
	}
	return nil
}
