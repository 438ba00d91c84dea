package game

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const DefaultTickRate = 60 // simulation steps per second

// degradedLogEvery throttles the degraded-framerate warning.
const degradedLogEvery = 5 * time.Second

// Stepper advances a simulation by dt seconds.
type Stepper interface {
	Step(dt float64)
}

// LoopStats is a point-in-time view of the loop counters.
type LoopStats struct {
	Ticks    uint64        `json:"ticks"`
	Degraded uint64        `json:"degraded"`
	Interval time.Duration `json:"interval"`
}

// Loop drives a Stepper at a fixed cadence. Elapsed wall time accumulates
// until it reaches the tick interval; the step then receives the whole
// accumulated delta, so a late tick covers more than one interval.
type Loop struct {
	sim      Stepper
	interval time.Duration
	log      *zap.SugaredLogger
	now      func() time.Time

	mu         sync.Mutex
	acc        time.Duration
	lastWarn   time.Time
	onDegraded func(elapsed time.Duration)

	ticks    atomic.Uint64
	degraded atomic.Uint64
}

// NewLoop creates a Loop running sim tickRate times per second.
func NewLoop(sim Stepper, tickRate int, log *zap.SugaredLogger) *Loop {
	if tickRate <= 0 {
		tickRate = DefaultTickRate
	}
	return &Loop{
		sim:      sim,
		interval: time.Second / time.Duration(tickRate),
		log:      log,
		now:      time.Now,
	}
}

// OnDegraded registers a callback invoked for every tick that ran with at
// least two intervals' worth of accumulated time.
func (l *Loop) OnDegraded(fn func(elapsed time.Duration)) {
	l.mu.Lock()
	l.onDegraded = fn
	l.mu.Unlock()
}

// Run polls the clock until ctx is cancelled. It never blocks on I/O.
func (l *Loop) Run(ctx context.Context) {
	poll := time.NewTicker(l.interval / 4)
	defer poll.Stop()

	last := l.now()
	for {
		select {
		case <-ctx.Done():
			l.log.Infow("loop stopped", "ticks", l.ticks.Load(), "degraded", l.degraded.Load())
			return
		case <-poll.C:
			now := l.now()
			l.advance(now.Sub(last))
			last = now
		}
	}
}

// advance adds elapsed to the accumulator and steps once if a full interval
// has built up. It reports whether a step ran.
func (l *Loop) advance(elapsed time.Duration) bool {
	l.mu.Lock()
	l.acc += elapsed
	if l.acc < l.interval {
		l.mu.Unlock()
		return false
	}
	dt := l.acc
	l.acc = 0

	var onDegraded func(time.Duration)
	if dt >= 2*l.interval {
		l.degraded.Add(1)
		onDegraded = l.onDegraded
		if now := l.now(); now.Sub(l.lastWarn) >= degradedLogEvery {
			l.lastWarn = now
			l.log.Warnw("tick running behind", "elapsed", dt, "interval", l.interval, "degraded_total", l.degraded.Load())
		}
	}
	l.mu.Unlock()

	l.sim.Step(dt.Seconds())
	l.ticks.Add(1)
	if onDegraded != nil {
		onDegraded(dt)
	}
	return true
}

// Stats returns the loop counters.
func (l *Loop) Stats() LoopStats {
	return LoopStats{
		Ticks:    l.ticks.Load(),
		Degraded: l.degraded.Load(),
		Interval: l.interval,
	}
}
