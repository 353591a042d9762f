package abtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zoptal/flagkit/pkg/bucketing"
	"github.com/zoptal/flagkit/pkg/events"
	"github.com/zoptal/flagkit/pkg/targeting"
)

// Storage is the persistence contract the test manager depends on. It is
// implemented by the providers in pkg/storage.
type Storage interface {
	GetAllTests(ctx context.Context, environment string) ([]Test, error)
	SaveTest(ctx context.Context, t Test) error

	RecordParticipation(ctx context.Context, p Participation) error
	GetParticipation(ctx context.Context, testID, userID string) (*Participation, error)
	GetParticipations(ctx context.Context, testID string) ([]Participation, error)

	RecordConversion(ctx context.Context, c Conversion) error
	GetConversions(ctx context.Context, testID string) ([]Conversion, error)

	SaveResult(ctx context.Context, r Result) error
	GetResult(ctx context.Context, testID string) (*Result, error)
}

// Emitter receives lifecycle events. Satisfied by *events.Emitter.
type Emitter interface {
	Emit(events.Event)
}

type snapshot struct {
	tests      map[string]*Test
	generation uint64
	loadedAt   time.Time
}

// Manager handles sticky variant assignment, conversion tracking, and
// periodic result recalculation for a single environment. All methods are
// safe for concurrent use.
type Manager struct {
	storage     Storage
	environment string
	logger      *slog.Logger
	emitter     Emitter

	syncInterval    time.Duration
	resultsInterval time.Duration

	cache      atomic.Pointer[snapshot]
	generation atomic.Uint64

	// participations is append-only for the process lifetime: sticky
	// semantics mean entries never need invalidation. Keyed by
	// testKey + "\x00" + userID.
	participations sync.Map
	results        sync.Map // testKey -> *Result

	syncInFlight    atomic.Bool
	resultsInFlight atomic.Bool

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
// Non-positive disables the background sync.
func WithSyncInterval(d time.Duration) Option {
	return func(m *Manager) { m.syncInterval = d }
}

// WithResultsInterval sets the result recalculation cadence. Defaults to
// 5m. Non-positive disables the background job; Recalculate remains
// available for explicit runs.
func WithResultsInterval(d time.Duration) Option {
	return func(m *Manager) { m.resultsInterval = d }
}

// WithEmitter attaches a lifecycle event emitter.
func WithEmitter(e Emitter) Option {
	return func(m *Manager) {
		if e != nil {
			m.emitter = e
		}
	}
}

// NewManager creates a test manager backed by the given storage and starts
// its background jobs. An initial load failure is not fatal: the manager
// starts empty and retries on the next sync tick.
func NewManager(storage Storage, opts ...Option) (*Manager, error) {
	if storage == nil {
		return nil, errors.New("abtest: storage is required")
	}

	m := &Manager{
		storage:         storage,
		environment:     "production",
		logger:          slog.Default(),
		syncInterval:    30 * time.Second,
		resultsInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.cache.Store(&snapshot{tests: map[string]*Test{}, loadedAt: time.Now().UTC()})

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if err := m.Sync(ctx); err != nil {
		m.logger.WarnContext(ctx, "initial test sync failed, starting empty",
			slog.String("environment", m.environment), slog.Any("error", err))
	}

	if m.syncInterval > 0 {
		m.wg.Add(1)
		go m.syncLoop(ctx)
	}
	if m.resultsInterval > 0 {
		m.wg.Add(1)
		go m.resultsLoop(ctx)
	}

	return m, nil
}

// Close stops the background jobs and clears the caches. It does not close
// the underlying storage, which the manager does not own.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()
	m.wg.Wait()
	m.cache.Store(&snapshot{tests: map[string]*Test{}})
	m.participations.Clear()
	m.results.Clear()
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
			if !m.syncInFlight.CompareAndSwap(false, true) {
				continue
			}
			if err := m.syncOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.WarnContext(ctx, "test sync failed",
					slog.String("environment", m.environment), slog.Any("error", err))
			}
			m.syncInFlight.Store(false)
		}
	}
}

// Sync forces an immediate reload of test definitions from storage.
func (m *Manager) Sync(ctx context.Context) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	return m.syncOnce(ctx)
}

func (m *Manager) syncOnce(ctx context.Context) error {
	tests, err := m.storage.GetAllTests(ctx, m.environment)
	if err != nil {
		return fmt.Errorf("abtest: load tests: %w", err)
	}

	byKey := make(map[string]*Test, len(tests))
	for i := range tests {
		t := tests[i]
		byKey[t.Key] = &t
	}
	m.swap(byKey)
	return nil
}

func (m *Manager) swap(tests map[string]*Test) {
	m.cache.Store(&snapshot{
		tests:      tests,
		generation: m.generation.Add(1),
		loadedAt:   time.Now().UTC(),
	})
}

// AssignVariant enrolls a user into a test, or returns their existing
// assignment. A nil assignment with nil error means "not in test": the test
// is missing, not active, the user is excluded by targeting, or the user
// fell outside the traffic allocation.
//
// Assignment is sticky: once a participation record exists the same variant
// is always returned, even if weights or allocation change later. When
// persisting the participation fails the assignment is still returned and
// cached, trading durability for availability.
func (m *Manager) AssignVariant(ctx context.Context, testKey, userID string, attrs map[string]any, sessionID string) (*Assignment, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if userID == "" {
		userID = sessionID
	}
	if userID == "" {
		return nil, nil
	}

	t, ok := m.cache.Load().tests[testKey]
	if !ok || !t.ActiveAt(time.Now().UTC()) {
		return nil, nil
	}

	// Sticky lookup: process cache first, then the durable store.
	cacheKey := testKey + "\x00" + userID
	if p, ok := m.participations.Load(cacheKey); ok {
		return m.assignmentFor(t, p.(*Participation)), nil
	}
	if p, err := m.storage.GetParticipation(ctx, t.ID, userID); err == nil && p != nil {
		m.participations.Store(cacheKey, p)
		return m.assignmentFor(t, p), nil
	} else if err != nil && !errors.Is(err, ErrParticipationNotFound) {
		m.logger.WarnContext(ctx, "participation lookup failed",
			slog.String("test", testKey), slog.Any("error", err))
	}

	// Exclude rules take precedence over include rules.
	for _, cond := range t.Targeting.Exclude {
		matched, err := targeting.Evaluate(cond, attrs)
		if err != nil {
			m.logger.WarnContext(ctx, "test exclude rule evaluation failed",
				slog.String("test", testKey), slog.Any("error", err))
			return nil, nil
		}
		if matched {
			return nil, nil
		}
	}
	if len(t.Targeting.Include) > 0 {
		included := false
		for _, cond := range t.Targeting.Include {
			matched, err := targeting.Evaluate(cond, attrs)
			if err != nil {
				m.logger.WarnContext(ctx, "test include rule evaluation failed",
					slog.String("test", testKey), slog.Any("error", err))
				return nil, nil
			}
			if matched {
				included = true
				break
			}
		}
		if !included {
			return nil, nil
		}
	}

	// Traffic-allocation gate, keyed by the test's allocation seed.
	if bucketing.Bucket(userID, t.seed()) >= t.Allocation.TrafficPercent {
		return nil, nil
	}

	// Variant selection uses a distinct seed so the inclusion gate and the
	// variant choice are uncorrelated.
	weights := make([]int, len(t.Variants))
	for i, v := range t.Variants {
		weights[i] = v.Weight
	}
	idx, err := bucketing.WeightedChoice(userID, t.Key+"_variant", weights)
	if err != nil {
		m.logger.WarnContext(ctx, "variant selection failed",
			slog.String("test", testKey), slog.Any("error", err))
		return nil, nil
	}
	variant := t.Variants[idx]

	p := &Participation{
		TestID:     t.ID,
		TestKey:    t.Key,
		UserID:     userID,
		Variant:    variant.Key,
		EnrolledAt: time.Now().UTC(),
		Attributes: maps.Clone(attrs),
	}

	if err := m.storage.RecordParticipation(ctx, *p); err != nil {
		// Availability over durability: the user still gets the variant
		// this process chose; the record is lost if the outage persists.
		m.logger.WarnContext(ctx, "participation write failed",
			slog.String("test", testKey), slog.String("user", userID), slog.Any("error", err))
	}
	m.participations.Store(cacheKey, p)

	m.emit(events.VariantAssigned, map[string]any{
		"test":    t.Key,
		"user":    userID,
		"variant": variant.Key,
	})

	return m.assignmentFor(t, p), nil
}

func (m *Manager) assignmentFor(t *Test, p *Participation) *Assignment {
	a := &Assignment{TestKey: t.Key, Variant: p.Variant}
	for _, v := range t.Variants {
		if v.Key == p.Variant {
			a.Config = maps.Clone(v.Config)
			break
		}
	}
	return a
}

// TrackConversion validates and persists a conversion event. Conversions
// for unknown or non-running tests are logged and dropped, never fatal.
// A conversion with no variant is attributed through the user's
// participation record; users who never enrolled are dropped as noise.
func (m *Manager) TrackConversion(ctx context.Context, c Conversion) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	t, ok := m.cache.Load().tests[c.TestKey]
	if !ok || t.Status != StatusRunning {
		m.logger.WarnContext(ctx, "conversion dropped: test unknown or not running",
			slog.String("test", c.TestKey), slog.String("event", c.Event))
		return nil
	}

	c.TestID = t.ID
	if c.Variant == "" {
		cacheKey := c.TestKey + "\x00" + c.UserID
		if p, ok := m.participations.Load(cacheKey); ok {
			c.Variant = p.(*Participation).Variant
		} else if p, err := m.storage.GetParticipation(ctx, t.ID, c.UserID); err == nil && p != nil {
			c.Variant = p.Variant
		} else {
			m.logger.WarnContext(ctx, "conversion dropped: user not enrolled",
				slog.String("test", c.TestKey), slog.String("user", c.UserID))
			return nil
		}
	}
	if c.OccurredAt.IsZero() {
		c.OccurredAt = time.Now().UTC()
	}

	if err := m.storage.RecordConversion(ctx, c); err != nil {
		return fmt.Errorf("abtest: record conversion: %w", err)
	}

	m.emit(events.ConversionTracked, map[string]any{
		"test":    c.TestKey,
		"user":    c.UserID,
		"variant": c.Variant,
		"event":   c.Event,
	})
	return nil
}

// GetResults returns the latest calculated result for a test, or nil when
// none has been calculated yet.
func (m *Manager) GetResults(ctx context.Context, testKey string) (*Result, error) {
	if r, ok := m.results.Load(testKey); ok {
		cp := *r.(*Result)
		return &cp, nil
	}

	t, ok := m.cache.Load().tests[testKey]
	if !ok {
		return nil, ErrTestNotFound
	}
	r, err := m.storage.GetResult(ctx, t.ID)
	if err != nil {
		if errors.Is(err, ErrResultNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("abtest: load result: %w", err)
	}
	if r != nil {
		m.results.Store(testKey, r)
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

// GetTest returns a copy of a test definition from the cache.
func (m *Manager) GetTest(key string) (*Test, error) {
	t, ok := m.cache.Load().tests[key]
	if !ok {
		return nil, ErrTestNotFound
	}
	cp := *t
	cp.Variants = slices.Clone(t.Variants)
	return &cp, nil
}

// CreateTest validates and persists a new test in draft status.
func (m *Manager) CreateTest(ctx context.Context, t *Test) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if t == nil {
		return errors.Join(ErrInvalidTest, errors.New("test cannot be nil"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cache.Load().tests[t.Key]; exists {
		return ErrTestExists
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = StatusDraft
	}
	if t.Environment == "" {
		t.Environment = m.environment
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := validate(t); err != nil {
		return err
	}

	if err := m.storage.SaveTest(ctx, *t); err != nil {
		return fmt.Errorf("abtest: save: %w", err)
	}

	m.insertLocked(*t)
	m.emit(events.TestCreated, map[string]any{"key": t.Key, "environment": t.Environment})
	return nil
}

// UpdateTest validates and persists changes to an existing test. Status
// changes must follow the lifecycle transition table; use the explicit
// Start/Stop/Pause helpers for the common transitions.
func (m *Manager) UpdateTest(ctx context.Context, t *Test) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if t == nil {
		return errors.Join(ErrInvalidTest, errors.New("test cannot be nil"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.cache.Load().tests[t.Key]
	if !ok {
		return ErrTestNotFound
	}

	if t.Status != existing.Status {
		if !slices.Contains(allowedTransitions[existing.Status], t.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, t.Status)
		}
	}

	t.ID = existing.ID
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	if t.Environment == "" {
		t.Environment = existing.Environment
	}

	if err := validate(t); err != nil {
		return err
	}

	if err := m.storage.SaveTest(ctx, *t); err != nil {
		return fmt.Errorf("abtest: save: %w", err)
	}

	m.insertLocked(*t)
	m.emit(events.TestUpdated, map[string]any{"key": t.Key, "status": string(t.Status)})
	return nil
}

// StartTest moves a test to running, stamping StartAt when unset.
func (m *Manager) StartTest(ctx context.Context, key string) error {
	return m.transition(ctx, key, StatusRunning, events.TestStarted, func(t *Test) {
		if t.Schedule.StartAt.IsZero() {
			t.Schedule.StartAt = time.Now().UTC()
		}
	})
}

// StopTest moves a test to stopped, stamping EndAt when unset.
func (m *Manager) StopTest(ctx context.Context, key string) error {
	return m.transition(ctx, key, StatusStopped, events.TestStopped, func(t *Test) {
		if t.Schedule.EndAt.IsZero() {
			t.Schedule.EndAt = time.Now().UTC()
		}
	})
}

// PauseTest moves a running test to paused; enrollment stops but the
// schedule window is untouched so ResumeTest can pick it back up.
func (m *Manager) PauseTest(ctx context.Context, key string) error {
	return m.transition(ctx, key, StatusPaused, events.TestUpdated, nil)
}

// ResumeTest moves a paused test back to running.
func (m *Manager) ResumeTest(ctx context.Context, key string) error {
	return m.transition(ctx, key, StatusRunning, events.TestStarted, nil)
}

// CompleteTest marks a running test completed, stamping EndAt when unset.
func (m *Manager) CompleteTest(ctx context.Context, key string) error {
	return m.transition(ctx, key, StatusCompleted, events.TestStopped, func(t *Test) {
		if t.Schedule.EndAt.IsZero() {
			t.Schedule.EndAt = time.Now().UTC()
		}
	})
}

// ArchiveTest archives a completed or stopped test.
func (m *Manager) ArchiveTest(ctx context.Context, key string) error {
	return m.transition(ctx, key, StatusArchived, events.TestUpdated, nil)
}

func (m *Manager) transition(ctx context.Context, key string, to Status, eventName string, mutate func(*Test)) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.cache.Load().tests[key]
	if !ok {
		return ErrTestNotFound
	}
	if !slices.Contains(allowedTransitions[existing.Status], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, existing.Status, to)
	}

	t := *existing
	t.Variants = slices.Clone(existing.Variants)
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(&t)
	}

	if err := m.storage.SaveTest(ctx, t); err != nil {
		return fmt.Errorf("abtest: save: %w", err)
	}

	m.insertLocked(t)
	m.emit(eventName, map[string]any{"key": t.Key, "status": string(to)})
	return nil
}

// insertLocked swaps in a snapshot containing the given test. Caller holds
// m.mu.
func (m *Manager) insertLocked(t Test) {
	snap := m.cache.Load()
	tests := maps.Clone(snap.tests)
	tests[t.Key] = &t
	m.swap(tests)
}

func (m *Manager) emit(name string, payload any) {
	if m.emitter != nil {
		m.emitter.Emit(events.Event{Name: name, Payload: payload})
	}
}

// validate enforces the structural invariants of a test definition.
func validate(t *Test) error {
	if t.Key == "" {
		return errors.Join(ErrInvalidTest, errors.New("test key cannot be empty"))
	}
	if len(t.Variants) < 2 {
		return errors.Join(ErrInvalidTest, errors.New("test must define at least two variants"))
	}

	seen := make(map[string]struct{}, len(t.Variants))
	totalWeight := 0
	for _, v := range t.Variants {
		if v.Key == "" {
			return errors.Join(ErrInvalidTest, errors.New("variant key cannot be empty"))
		}
		if _, dup := seen[v.Key]; dup {
			return errors.Join(ErrInvalidTest, fmt.Errorf("duplicate variant %q", v.Key))
		}
		seen[v.Key] = struct{}{}
		if v.Weight > 0 {
			totalWeight += v.Weight
		}
	}
	if totalWeight <= 0 {
		return errors.Join(ErrInvalidTest, errors.New("variants must carry positive weight"))
	}

	if t.Allocation.TrafficPercent < 0 || t.Allocation.TrafficPercent > 100 {
		return errors.Join(ErrInvalidTest,
			errors.New("traffic allocation must be between 0 and 100"))
	}
	if cl := t.Settings.ConfidenceLevel; cl != 0 && (cl <= 0 || cl >= 1) {
		return errors.Join(ErrInvalidTest,
			errors.New("confidence level must be in (0,1)"))
	}
	if !t.Schedule.StartAt.IsZero() && !t.Schedule.EndAt.IsZero() &&
		!t.Schedule.EndAt.After(t.Schedule.StartAt) {
		return errors.Join(ErrInvalidTest, errors.New("schedule end must be after start"))
	}
	return nil
}
