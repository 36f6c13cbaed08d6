package timer

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quizbee-service/internal/domain"
	"quizbee-service/internal/store"
)

// State is the projector's position in its countdown state machine.
type State int

const (
	StateUnsynced State = iota
	StateSyncing
	StateRunning
	StatePaused
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateUnsynced:
		return "unsynced"
	case StateSyncing:
		return "syncing"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

const (
	defaultTickInterval   = 100 * time.Millisecond
	defaultResyncInterval = 1500 * time.Millisecond
)

// Snapshot is what a view renders: the machine state and the smooth local
// time-left projection.
type Snapshot struct {
	QuestionID string
	State      State
	TimeLeft   float64
}

// Options configures a Projector. Zero intervals fall back to the defaults:
// a sub-second UI tick purely for smoothness, and a 1.5 s resync that bounds
// how much drift any client can accumulate between authoritative
// corrections.
type Options struct {
	Clock          clockwork.Clock
	TickInterval   time.Duration
	ResyncInterval time.Duration
	// FullDuration is the seconds shown while no anchor record exists yet
	// (the defined "paused at full duration" default, not an error).
	FullDuration int64
	OnTick       func(Snapshot)
	OnTimeUp     func()
}

// Projector derives a locally smooth countdown from the shared anchor
// record. One instance runs per (client, question); tearing one down for a
// question change must go through Close so no interval or subscription
// outlives the view.
type Projector struct {
	st                 store.Store
	clock              clockwork.Clock
	quizID, questionID string
	tickEvery          time.Duration
	resyncEvery        time.Duration
	fullDuration       int64
	onTick             func(Snapshot)
	onTimeUp           func()

	mu        sync.Mutex
	state     State
	anchor    domain.QuestionTimer
	hasAnchor bool
	timeLeft  float64
	offsetMS  int64 // store clock minus local clock, refreshed on resync
	fired     bool  // OnTimeUp already fired for the current running period
	closed    bool

	cancelSub func()
	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewProjector(st store.Store, quizID, questionID string, opts Options) *Projector {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = defaultTickInterval
	}
	resync := opts.ResyncInterval
	if resync <= 0 {
		resync = defaultResyncInterval
	}
	return &Projector{
		st:           st,
		clock:        clock,
		quizID:       quizID,
		questionID:   questionID,
		tickEvery:    tick,
		resyncEvery:  resync,
		fullDuration: opts.FullDuration,
		onTick:       opts.OnTick,
		onTimeUp:     opts.OnTimeUp,
		state:        StateUnsynced,
		timeLeft:     float64(opts.FullDuration),
		wake:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Run subscribes to the anchor path, performs the initial sync, and starts
// the tick and resync loops. It returns once the loops are going; Close
// stops them.
func (p *Projector) Run(ctx context.Context) error {
	p.mu.Lock()
	p.state = StateSyncing
	p.mu.Unlock()

	events, cancelSub, err := p.st.Subscribe(ctx, store.TimerPath(p.quizID, p.questionID))
	if err != nil {
		return err
	}
	p.cancelSub = cancelSub

	p.Resync(ctx)
	go p.loop(ctx, events)
	return nil
}

func (p *Projector) loop(ctx context.Context, events <-chan store.Event) {
	defer close(p.done)
	tick := p.clock.NewTicker(p.tickEvery)
	defer tick.Stop()
	resync := p.clock.NewTicker(p.resyncEvery)
	defer resync.Stop()

	for {
		select {
		case <-tick.Chan():
			p.tick()
		case <-resync.Chan():
			p.Resync(ctx)
		case evt, ok := <-events:
			if !ok {
				return
			}
			p.apply(evt.Doc, evt.Doc != nil)
		case <-p.wake:
			p.Resync(ctx)
		case <-p.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Wake requests an immediate resync, for foreground-visibility or network
// "online" transitions. Safe to call from any goroutine; coalesces bursts.
func (p *Projector) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Resync re-reads the authoritative anchor and the store clock. Applying the
// same anchor twice is idempotent: it neither refires OnTimeUp nor restarts
// a correctly counting period.
func (p *Projector) Resync(ctx context.Context) {
	if serverNow, err := p.st.ServerNow(ctx); err == nil {
		p.mu.Lock()
		p.offsetMS = serverNow - p.clock.Now().UnixMilli()
		p.mu.Unlock()
	}
	doc, ok, err := p.st.Get(ctx, store.TimerPath(p.quizID, p.questionID))
	if err != nil {
		log.Debug().Err(err).Str("question_id", p.questionID).Msg("anchor read failed, keeping last state")
		return
	}
	p.apply(doc, ok)
}

// Close cancels the anchor subscription and stops both loops. Idempotent.
// Skipping this leaks intervals that keep firing OnTimeUp after the view is
// gone.
func (p *Projector) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		if p.cancelSub != nil {
			p.cancelSub()
		}
		close(p.quit)
		<-p.done
	})
}

// Snapshot returns the current render state.
func (p *Projector) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{QuestionID: p.questionID, State: p.state, TimeLeft: p.timeLeft}
}

// State returns the current machine state; the answer gate keys off it.
func (p *Projector) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// now is the local clock corrected by the last observed store offset, so a
// skewed client converges on the authoritative countdown within one resync.
func (p *Projector) nowLocked() time.Time {
	return p.clock.Now().Add(time.Duration(p.offsetMS) * time.Millisecond)
}

// apply recomputes the machine from an anchor read or push. exists=false
// means no anchor record: answers locked, timer paused at full duration.
func (p *Projector) apply(doc store.Document, exists bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var fireTimeUp bool
	if !exists {
		p.hasAnchor = false
		p.anchor = domain.QuestionTimer{}
		p.state = StatePaused
		p.timeLeft = float64(p.fullDuration)
		p.fired = false
	} else {
		anchor := AnchorFromDoc(doc)
		changed := !p.hasAnchor || anchor != p.anchor
		p.anchor = anchor
		p.hasAnchor = true

		switch {
		case anchor.IsActive:
			remaining := anchor.Remaining(p.nowLocked())
			if remaining > 0 {
				if p.state != StateRunning || changed {
					// Entering a fresh running period re-arms OnTimeUp;
					// re-applying the identical anchor must not.
					if changed {
						p.fired = false
					}
					p.state = StateRunning
				}
				p.timeLeft = remaining
			} else {
				fireTimeUp = p.state == StateRunning && !p.fired
				if fireTimeUp {
					p.fired = true
				}
				p.state = StateExpired
				p.timeLeft = 0
			}
		default:
			p.state = StatePaused
			p.timeLeft = float64(anchor.Duration)
			p.fired = false
		}
	}
	snap := Snapshot{QuestionID: p.questionID, State: p.state, TimeLeft: p.timeLeft}
	p.mu.Unlock()

	p.emit(snap, fireTimeUp)
}

// tick advances the smooth local projection between authoritative
// corrections. Only the running state ticks.
func (p *Projector) tick() {
	p.mu.Lock()
	if p.closed || p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	remaining := p.anchor.Remaining(p.nowLocked())
	p.timeLeft = remaining
	var fireTimeUp bool
	if remaining <= 0 {
		p.state = StateExpired
		p.timeLeft = 0
		fireTimeUp = !p.fired
		p.fired = true
	}
	snap := Snapshot{QuestionID: p.questionID, State: p.state, TimeLeft: p.timeLeft}
	p.mu.Unlock()

	p.emit(snap, fireTimeUp)
}

func (p *Projector) emit(snap Snapshot, fireTimeUp bool) {
	if p.onTick != nil {
		p.onTick(snap)
	}
	if fireTimeUp && p.onTimeUp != nil {
		p.onTimeUp()
	}
}
