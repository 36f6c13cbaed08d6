// Package timer holds the two halves of countdown synchronization: the
// host-side AnchorManager that owns the authoritative anchor record, and the
// per-client Projector that derives a smooth local countdown from it.
package timer

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizbee-service/internal/domain"
	"quizbee-service/internal/store"
)

// AnchorManager owns the {isActive, startTime, duration} anchor per
// question. Exactly one instance runs on the host; every other client only
// reads anchors through a Projector.
type AnchorManager struct {
	store store.Store
	clock clockwork.Clock
}

func NewAnchorManager(st store.Store) *AnchorManager {
	return NewAnchorManagerWithClock(st, clockwork.NewRealClock())
}

// NewAnchorManagerWithClock allows deterministic timestamps in tests.
func NewAnchorManagerWithClock(st store.Store, clock clockwork.Clock) *AnchorManager {
	return &AnchorManager{store: st, clock: clock}
}

// Start begins a fresh countdown of the given length. Any previous anchor
// for the question is replaced wholesale; merging could resume a stale
// startTime under a new duration.
func (m *AnchorManager) Start(ctx context.Context, quizID, questionID string, seconds int64) error {
	anchor := domain.QuestionTimer{
		IsActive:  true,
		StartTime: m.clock.Now().UnixMilli(),
		Duration:  seconds,
	}
	return m.write(ctx, quizID, questionID, anchor)
}

// Stop pauses the countdown, overwriting duration with the just-computed
// remaining time so a later Start(remaining) resumes without loss. Stopping
// an inactive or absent anchor is a no-op.
func (m *AnchorManager) Stop(ctx context.Context, quizID, questionID string) error {
	doc, ok, err := m.store.Get(ctx, store.TimerPath(quizID, questionID))
	if err != nil {
		return fmt.Errorf("stop timer %s/%s: %w", quizID, questionID, err)
	}
	if !ok {
		return nil
	}
	anchor := AnchorFromDoc(doc)
	if !anchor.IsActive {
		return nil
	}
	now := m.clock.Now()
	paused := domain.QuestionTimer{
		IsActive: false,
		Duration: int64(anchor.Remaining(now)),
		PausedAt: now.UnixMilli(),
	}
	return m.write(ctx, quizID, questionID, paused)
}

// Reset force-writes an inactive zero anchor regardless of current state.
// Manual recovery action for a timer believed stuck.
func (m *AnchorManager) Reset(ctx context.Context, quizID, questionID string) error {
	anchor := domain.QuestionTimer{
		IsActive: false,
		Duration: 0,
		PausedAt: m.clock.Now().UnixMilli(),
	}
	return m.write(ctx, quizID, questionID, anchor)
}

// ClearAll deletes the whole per-quiz timer collection. Irreversible.
func (m *AnchorManager) ClearAll(ctx context.Context, quizID string) error {
	if err := m.store.DeleteTree(ctx, store.TimersPattern(quizID)); err != nil {
		return fmt.Errorf("clear timers %s: %w", quizID, err)
	}
	log.Info().Str("quiz_id", quizID).Msg("cleared all question timers")
	return nil
}

// write replaces the anchor, retrying once on a transient failure. A failed
// control write must never be dropped silently: two clients disagreeing
// about isActive is worse than a duplicated write.
func (m *AnchorManager) write(ctx context.Context, quizID, questionID string, anchor domain.QuestionTimer) error {
	path := store.TimerPath(quizID, questionID)
	doc, err := store.Marshal(anchor)
	if err != nil {
		return fmt.Errorf("encode anchor %s: %w", path, err)
	}
	if err := m.store.Set(ctx, path, doc); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("anchor write failed, retrying")
		if err := m.store.Set(ctx, path, doc); err != nil {
			return fmt.Errorf("write anchor %s: %w", path, err)
		}
	}
	return nil
}

// AnchorFromDoc decodes an anchor document, tolerating the numeric types
// the different store backends produce.
func AnchorFromDoc(doc store.Document) domain.QuestionTimer {
	var anchor domain.QuestionTimer
	if active, ok := doc["isActive"].(bool); ok {
		anchor.IsActive = active
	}
	anchor.StartTime, _ = store.Int64(doc, "startTime")
	anchor.Duration, _ = store.Int64(doc, "duration")
	anchor.PausedAt, _ = store.Int64(doc, "pausedAt")
	return anchor
}
