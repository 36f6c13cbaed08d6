package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quizbee-service/internal/store"
	"quizbee-service/internal/store/memory"
)

type projectorFixture struct {
	storeClock *clockwork.FakeClock
	projClock  *clockwork.FakeClock
	st         *memory.Store
	manager    *AnchorManager
	projector  *Projector
	timeUps    atomic.Int64
	lastSnap   atomic.Value
}

// newProjectorFixture builds a projector whose local clock may be skewed
// from the store's authoritative clock.
func newProjectorFixture(t *testing.T, skew time.Duration) *projectorFixture {
	t.Helper()
	base := time.UnixMilli(5_000_000)
	f := &projectorFixture{
		storeClock: clockwork.NewFakeClockAt(base),
		projClock:  clockwork.NewFakeClockAt(base.Add(skew)),
	}
	f.st = memory.NewStoreWithClock(f.storeClock)
	f.manager = NewAnchorManagerWithClock(f.st, f.storeClock)
	f.projector = NewProjector(f.st, "quiz-1", "q1", Options{
		Clock:        f.projClock,
		FullDuration: 30,
		OnTick: func(snap Snapshot) {
			f.lastSnap.Store(snap)
		},
		OnTimeUp: func() {
			f.timeUps.Add(1)
		},
	})
	return f
}

func (f *projectorFixture) snap() Snapshot {
	if v := f.lastSnap.Load(); v != nil {
		return v.(Snapshot)
	}
	return Snapshot{}
}

// advance moves both clocks in lockstep, as real wall time would.
func (f *projectorFixture) advance(d time.Duration) {
	f.storeClock.Advance(d)
	f.projClock.Advance(d)
}

func TestSyncToRunning(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)
	if err := f.manager.Start(ctx, "quiz-1", "q1", 30); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.projector.Resync(ctx)
	if got := f.projector.State(); got != StateRunning {
		t.Fatalf("expected running, got %s", got)
	}
	if left := f.projector.Snapshot().TimeLeft; left < 29.5 || left > 30 {
		t.Fatalf("expected ~30s left, got %f", left)
	}
}

func TestSyncToPausedUsesDurationVerbatim(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)
	_ = f.manager.Start(ctx, "quiz-1", "q1", 30)
	f.advance(12 * time.Second)
	_ = f.manager.Stop(ctx, "quiz-1", "q1")

	f.projector.Resync(ctx)
	if got := f.projector.State(); got != StatePaused {
		t.Fatalf("expected paused, got %s", got)
	}
	if left := f.projector.Snapshot().TimeLeft; left != 18 {
		t.Fatalf("paused timeLeft must be the stored duration verbatim, got %f", left)
	}
}

func TestAbsentAnchorMeansPausedAtFullDuration(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)

	f.projector.Resync(ctx)
	if got := f.projector.State(); got != StatePaused {
		t.Fatalf("expected paused on absent anchor, got %s", got)
	}
	if left := f.projector.Snapshot().TimeLeft; left != 30 {
		t.Fatalf("expected full duration 30, got %f", left)
	}
}

func TestLocalTickExpiresExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)
	_ = f.manager.Start(ctx, "quiz-1", "q1", 2)
	f.projector.Resync(ctx)

	f.advance(3 * time.Second)
	f.projector.tick()
	if got := f.projector.State(); got != StateExpired {
		t.Fatalf("expected expired, got %s", got)
	}
	if n := f.timeUps.Load(); n != 1 {
		t.Fatalf("expected exactly one timeUp, got %d", n)
	}

	// Further ticks and resyncs of the same expired anchor change nothing.
	f.projector.tick()
	f.projector.Resync(ctx)
	f.projector.Resync(ctx)
	if n := f.timeUps.Load(); n != 1 {
		t.Fatalf("expired anchor refired timeUp: %d", n)
	}
	if left := f.projector.Snapshot().TimeLeft; left != 0 {
		t.Fatalf("expired timeLeft must stay 0, got %f", left)
	}
}

func TestIdempotentResync(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)
	_ = f.manager.Start(ctx, "quiz-1", "q1", 30)
	f.projector.Resync(ctx)
	f.advance(5 * time.Second)

	f.projector.Resync(ctx)
	first := f.projector.Snapshot().TimeLeft
	f.projector.Resync(ctx)
	second := f.projector.Snapshot().TimeLeft

	if second > first {
		t.Fatalf("resync moved timeLeft backward in time: %f -> %f", first, second)
	}
	if first-second > 0.001 {
		t.Fatalf("double resync within the same instant must be a no-op: %f -> %f", first, second)
	}
	if got := f.projector.State(); got != StateRunning {
		t.Fatalf("expected still running, got %s", got)
	}
	if n := f.timeUps.Load(); n != 0 {
		t.Fatalf("no timeUp expected, got %d", n)
	}
}

func TestDriftCorrection(t *testing.T) {
	for _, skew := range []time.Duration{2 * time.Second, -2 * time.Second} {
		ctx := context.Background()
		f := newProjectorFixture(t, skew)
		_ = f.manager.Start(ctx, "quiz-1", "q1", 30)

		f.projector.Resync(ctx)
		authoritative := 30.0
		if left := f.projector.Snapshot().TimeLeft; left < authoritative-1 || left > authoritative+1 {
			t.Fatalf("skew %v: timeLeft %f not within 1s of %f", skew, left, authoritative)
		}

		f.advance(10 * time.Second)
		f.projector.Resync(ctx)
		authoritative = 20.0
		if left := f.projector.Snapshot().TimeLeft; left < authoritative-1 || left > authoritative+1 {
			t.Fatalf("skew %v after 10s: timeLeft %f not within 1s of %f", skew, left, authoritative)
		}
	}
}

func TestHostAdjustmentMidCountdownRecomputes(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)
	_ = f.manager.Start(ctx, "quiz-1", "q1", 30)
	f.projector.Resync(ctx)
	f.advance(5 * time.Second)

	// Host replaces the anchor mid-countdown with a fresh 60s run.
	_ = f.manager.Start(ctx, "quiz-1", "q1", 60)
	f.projector.Resync(ctx)

	if got := f.projector.State(); got != StateRunning {
		t.Fatalf("expected running after adjustment, got %s", got)
	}
	if left := f.projector.Snapshot().TimeLeft; left < 59 || left > 60 {
		t.Fatalf("expected ~60s after adjustment, got %f", left)
	}
}

func TestTimeUpFiresOncePerRunningPeriod(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)

	// First running period expires.
	_ = f.manager.Start(ctx, "quiz-1", "q1", 2)
	f.projector.Resync(ctx)
	f.advance(3 * time.Second)
	f.projector.tick()
	if n := f.timeUps.Load(); n != 1 {
		t.Fatalf("first period: expected 1 timeUp, got %d", n)
	}

	// A fresh anchor opens a second running period, which may fire again.
	_ = f.manager.Start(ctx, "quiz-1", "q1", 2)
	f.projector.Resync(ctx)
	if got := f.projector.State(); got != StateRunning {
		t.Fatalf("expected running again, got %s", got)
	}
	f.advance(3 * time.Second)
	f.projector.tick()
	f.projector.tick()
	if n := f.timeUps.Load(); n != 2 {
		t.Fatalf("second period: expected 2 timeUps total, got %d", n)
	}
}

func TestSyncingStraightIntoExpiredDoesNotFire(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)
	_ = f.manager.Start(ctx, "quiz-1", "q1", 2)
	f.advance(10 * time.Second)

	// A late joiner syncing onto an already-expired anchor never ran, so
	// it has no running period to close out.
	f.projector.Resync(ctx)
	if got := f.projector.State(); got != StateExpired {
		t.Fatalf("expected expired, got %s", got)
	}
	if n := f.timeUps.Load(); n != 0 {
		t.Fatalf("late joiner must not fire timeUp, got %d", n)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunLoopTicksAndExpires(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)
	_ = f.manager.Start(ctx, "quiz-1", "q1", 1)

	if err := f.projector.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	defer f.projector.Close()

	// Both the tick and resync tickers must be armed before advancing.
	f.projClock.BlockUntil(2)
	f.advance(1500 * time.Millisecond)
	waitFor(t, "timeUp", func() bool { return f.timeUps.Load() == 1 })
	waitFor(t, "expired state", func() bool { return f.projector.State() == StateExpired })
}

func TestStorePushRetriggersRecompute(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)
	if err := f.projector.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	defer f.projector.Close()

	waitFor(t, "initial paused state", func() bool { return f.projector.State() == StatePaused })

	// Host starts the timer; the push, not a resync tick, must flip the
	// projector to running.
	_ = f.manager.Start(ctx, "quiz-1", "q1", 30)
	waitFor(t, "running state", func() bool { return f.projector.State() == StateRunning })
}

func TestCloseStopsAllCallbacks(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)
	_ = f.manager.Start(ctx, "quiz-1", "q1", 1)
	if err := f.projector.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	f.projClock.BlockUntil(2)
	f.projector.Close()
	before := f.timeUps.Load()

	// Expire the anchor and keep pushing writes: a closed projector must
	// stay silent even though both would have fired callbacks.
	f.advance(5 * time.Second)
	_ = f.manager.Start(ctx, "quiz-1", "q1", 1)
	f.advance(5 * time.Second)
	time.Sleep(50 * time.Millisecond)

	if after := f.timeUps.Load(); after != before {
		t.Fatalf("closed projector fired timeUp: %d -> %d", before, after)
	}
}

func TestQuestionChangeTearsDownOldProjector(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)
	_ = f.manager.Start(ctx, "quiz-1", "q1", 1)
	if err := f.projector.Run(ctx); err != nil {
		t.Fatalf("run q1: %v", err)
	}

	// View switches from q1 to q2: old projector is closed first, then the
	// replacement starts. Nothing from q1's interval may fire afterwards.
	f.projClock.BlockUntil(2)
	f.projector.Close()
	q1Fires := f.timeUps.Load()

	var q2TimeUps atomic.Int64
	next := NewProjector(f.st, "quiz-1", "q2", Options{
		Clock:        f.projClock,
		FullDuration: 30,
		OnTimeUp:     func() { q2TimeUps.Add(1) },
	})
	if err := next.Run(ctx); err != nil {
		t.Fatalf("run q2: %v", err)
	}
	defer next.Close()
	_ = f.manager.Start(ctx, "quiz-1", "q2", 1)
	waitFor(t, "q2 running", func() bool { return next.State() == StateRunning })

	f.projClock.BlockUntil(2)
	f.advance(2 * time.Second)
	waitFor(t, "q2 timeUp", func() bool { return q2TimeUps.Load() == 1 })

	// q1 expired long ago on the shared clock, but its projector is gone.
	if got := f.timeUps.Load(); got != q1Fires {
		t.Fatalf("torn-down q1 projector fired: %d -> %d", q1Fires, got)
	}
}

// Guard against accidental reuse of a path helper with swapped arguments.
func TestProjectorWatchesItsOwnAnchorPath(t *testing.T) {
	ctx := context.Background()
	f := newProjectorFixture(t, 0)
	if err := f.projector.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	defer f.projector.Close()

	// A different question's anchor must not move this projector.
	_ = f.manager.Start(ctx, "quiz-1", "q2", 30)
	time.Sleep(20 * time.Millisecond)
	if got := f.projector.State(); got == StateRunning {
		t.Fatalf("projector reacted to another question's anchor")
	}
	if _, ok, _ := f.st.Get(ctx, store.TimerPath("quiz-1", "q1")); ok {
		t.Fatalf("q1 anchor unexpectedly present")
	}
}
