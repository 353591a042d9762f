package abtest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zoptal/flagkit/pkg/events"
	"github.com/zoptal/flagkit/pkg/stats"
)

// defaultMinSampleSize is the enrollment target used when a test's settings
// leave MinSampleSize unset.
const defaultMinSampleSize = 100

func (m *Manager) resultsLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.resultsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Skip the tick if the previous recalculation is still in
			// flight; overlapping runs could overwrite each other's
			// results out of order.
			if !m.resultsInFlight.CompareAndSwap(false, true) {
				continue
			}
			m.Recalculate(ctx)
			m.resultsInFlight.Store(false)
		}
	}
}

// Recalculate recomputes results for every running test. Per-test failures
// are logged and leave the previously stored result untouched; the next
// cycle retries.
func (m *Manager) Recalculate(ctx context.Context) {
	snap := m.cache.Load()
	for _, t := range snap.tests {
		if t.Status != StatusRunning {
			continue
		}
		r, err := m.calculate(ctx, t)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.WarnContext(ctx, "result calculation failed",
					slog.String("test", t.Key), slog.Any("error", err))
			}
			continue
		}

		if err := m.storage.SaveResult(ctx, *r); err != nil {
			m.logger.WarnContext(ctx, "result write failed",
				slog.String("test", t.Key), slog.Any("error", err))
			continue
		}
		m.results.Store(t.Key, r)

		m.emit(events.ResultsCalculated, map[string]any{
			"test":    t.Key,
			"status":  string(r.Status),
			"winner":  r.WinningVariant,
			"p_value": r.PValue,
		})
	}
}

// calculate derives a test result from its participations and conversions.
// Each treatment variant is compared against the control with a
// two-proportion z-test; the significant comparison with the highest
// confidence decides the winner.
func (m *Manager) calculate(ctx context.Context, t *Test) (*Result, error) {
	participations, err := m.storage.GetParticipations(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("abtest: load participations: %w", err)
	}
	conversions, err := m.storage.GetConversions(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("abtest: load conversions: %w", err)
	}

	samples := make(map[string]int, len(t.Variants))
	for _, p := range participations {
		samples[p.Variant]++
	}

	// A participation converts at most once per variant regardless of how
	// many conversion events it produced, so rates stay proportions.
	converted := make(map[string]map[string]struct{}, len(t.Variants))
	for _, c := range conversions {
		if converted[c.Variant] == nil {
			converted[c.Variant] = make(map[string]struct{})
		}
		converted[c.Variant][c.UserID] = struct{}{}
	}

	totalSamples := 0
	variants := make([]VariantResult, len(t.Variants))
	for i, v := range t.Variants {
		n := samples[v.Key]
		x := len(converted[v.Key])
		rate := 0.0
		if n > 0 {
			rate = float64(x) / float64(n)
		}
		variants[i] = VariantResult{
			Key:         v.Key,
			IsControl:   v.IsControl || (i == 0 && t.control().Key == v.Key),
			Samples:     n,
			Conversions: x,
			Rate:        rate,
		}
		totalSamples += n
	}

	confidence := t.Settings.ConfidenceLevel
	if confidence == 0 {
		confidence = 0.95
	}

	control := t.control()
	controlN := samples[control.Key]
	controlX := len(converted[control.Key])

	r := &Result{
		TestID:       t.ID,
		TestKey:      t.Key,
		Variants:     variants,
		PValue:       1,
		CalculatedAt: time.Now().UTC(),
	}

	// Keep the comparison with the highest confidence that clears
	// significance; the winner is whichever side of it converts better.
	var best *stats.Comparison
	var bestVariant string
	for _, v := range t.Variants {
		if v.Key == control.Key {
			continue
		}
		cmp := stats.TwoProportionZTest(controlX, controlN, len(converted[v.Key]), samples[v.Key], confidence)
		if !cmp.Significant {
			continue
		}
		if best == nil || cmp.Confidence > best.Confidence {
			c := cmp
			best = &c
			if cmp.Effect > 0 {
				bestVariant = v.Key
			} else {
				bestVariant = control.Key
			}
		}
	}

	minSamples := t.Settings.MinSampleSize
	if minSamples <= 0 {
		minSamples = defaultMinSampleSize
	}

	switch {
	case best != nil:
		r.Status = ResultSignificant
		r.WinningVariant = bestVariant
		r.PValue = best.PValue
		r.Confidence = best.Confidence
		r.Effect = best.Effect
		r.CILower = best.CILower
		r.CIUpper = best.CIUpper
		r.Recommendations = []string{
			fmt.Sprintf("Variant %q outperforms the control with %.1f%% confidence; consider deploying it.",
				bestVariant, best.Confidence*100),
			fmt.Sprintf("Observed conversion lift: %+.2f percentage points.", best.Effect*100),
		}
	case totalSamples < minSamples:
		r.Status = ResultRunning
		r.Recommendations = []string{
			fmt.Sprintf("Keep the test running: %d of %d minimum samples collected.",
				totalSamples, minSamples),
		}
	default:
		r.Status = ResultNotSignificant
		r.Recommendations = []string{
			"No variant cleared significance at the target sample size.",
			"Extend the test, increase traffic allocation, or conclude there is no meaningful difference.",
		}
	}

	return r, nil
}
