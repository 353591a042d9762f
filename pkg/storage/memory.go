package storage

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/zoptal/flagkit/pkg/abtest"
	"github.com/zoptal/flagkit/pkg/flag"
)

// Memory is an in-memory Provider. It is safe for concurrent use and
// returns defensive copies of stored records.
type Memory struct {
	mu sync.RWMutex

	flags        map[string]map[string]flag.Flag // env -> key -> flag
	lastModified map[string]time.Time            // env -> last flag write
	evaluations  []flag.Evaluation

	tests          map[string]map[string]abtest.Test      // env -> key -> test
	participations map[string]map[string]abtest.Participation // testID -> userID
	conversions    map[string][]abtest.Conversion             // testID
	results        map[string]abtest.Result                   // testID
}

// NewMemory creates an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{
		flags:          make(map[string]map[string]flag.Flag),
		lastModified:   make(map[string]time.Time),
		tests:          make(map[string]map[string]abtest.Test),
		participations: make(map[string]map[string]abtest.Participation),
		conversions:    make(map[string][]abtest.Conversion),
		results:        make(map[string]abtest.Result),
	}
}

func (m *Memory) GetAllFlags(ctx context.Context, environment string) ([]flag.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	envFlags := m.flags[environment]
	out := make([]flag.Flag, 0, len(envFlags))
	for _, f := range envFlags {
		out = append(out, copyFlag(f))
	}
	return out, nil
}

func (m *Memory) SaveFlag(ctx context.Context, f flag.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.flags[f.Environment] == nil {
		m.flags[f.Environment] = make(map[string]flag.Flag)
	}
	m.flags[f.Environment][f.Key] = copyFlag(f)
	m.lastModified[f.Environment] = time.Now().UTC()
	return nil
}

func (m *Memory) DeleteFlag(ctx context.Context, environment, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.flags[environment][key]; !ok {
		return flag.ErrFlagNotFound
	}
	delete(m.flags[environment], key)
	m.lastModified[environment] = time.Now().UTC()
	return nil
}

func (m *Memory) GetLastModifiedTime(ctx context.Context, environment string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastModified[environment], nil
}

func (m *Memory) LogEvaluation(ctx context.Context, e flag.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluations = append(m.evaluations, e)
	return nil
}

// Evaluations returns a copy of the evaluation log. Intended for tests and
// offline analysis.
func (m *Memory) Evaluations() []flag.Evaluation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.evaluations)
}

func (m *Memory) GetAllTests(ctx context.Context, environment string) ([]abtest.Test, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	envTests := m.tests[environment]
	out := make([]abtest.Test, 0, len(envTests))
	for _, t := range envTests {
		out = append(out, copyTest(t))
	}
	return out, nil
}

func (m *Memory) SaveTest(ctx context.Context, t abtest.Test) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tests[t.Environment] == nil {
		m.tests[t.Environment] = make(map[string]abtest.Test)
	}
	m.tests[t.Environment][t.Key] = copyTest(t)
	return nil
}

func (m *Memory) RecordParticipation(ctx context.Context, p abtest.Participation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.participations[p.TestID] == nil {
		m.participations[p.TestID] = make(map[string]abtest.Participation)
	}
	// First write wins: participations are sticky.
	if _, exists := m.participations[p.TestID][p.UserID]; !exists {
		p.Attributes = maps.Clone(p.Attributes)
		m.participations[p.TestID][p.UserID] = p
	}
	return nil
}

func (m *Memory) GetParticipation(ctx context.Context, testID, userID string) (*abtest.Participation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.participations[testID][userID]
	if !ok {
		return nil, abtest.ErrParticipationNotFound
	}
	p.Attributes = maps.Clone(p.Attributes)
	return &p, nil
}

func (m *Memory) GetParticipations(ctx context.Context, testID string) ([]abtest.Participation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]abtest.Participation, 0, len(m.participations[testID]))
	for _, p := range m.participations[testID] {
		p.Attributes = maps.Clone(p.Attributes)
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) RecordConversion(ctx context.Context, c abtest.Conversion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversions[c.TestID] = append(m.conversions[c.TestID], c)
	return nil
}

func (m *Memory) GetConversions(ctx context.Context, testID string) ([]abtest.Conversion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.conversions[testID]), nil
}

func (m *Memory) SaveResult(ctx context.Context, r abtest.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Last write wins, but never replace a newer result with an older one.
	if prev, ok := m.results[r.TestID]; ok && prev.CalculatedAt.After(r.CalculatedAt) {
		return nil
	}
	r.Variants = slices.Clone(r.Variants)
	r.Recommendations = slices.Clone(r.Recommendations)
	m.results[r.TestID] = r
	return nil
}

func (m *Memory) GetResult(ctx context.Context, testID string) (*abtest.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.results[testID]
	if !ok {
		return nil, abtest.ErrResultNotFound
	}
	r.Variants = slices.Clone(r.Variants)
	r.Recommendations = slices.Clone(r.Recommendations)
	return &r, nil
}

func (m *Memory) Healthcheck(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func copyFlag(f flag.Flag) flag.Flag {
	f.Variants = slices.Clone(f.Variants)
	f.Rules = slices.Clone(f.Rules)
	return f
}

func copyTest(t abtest.Test) abtest.Test {
	t.Variants = slices.Clone(t.Variants)
	t.Targeting.Include = slices.Clone(t.Targeting.Include)
	t.Targeting.Exclude = slices.Clone(t.Targeting.Exclude)
	return t
}
