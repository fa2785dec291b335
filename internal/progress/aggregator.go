package progress

import (
	"sync"
	"time"
)

const (
	// DefaultInterval is the minimum wall-clock gap between throttled updates.
	DefaultInterval = 500 * time.Millisecond
	// DefaultByteStep forces an update once this many additional bytes arrive.
	DefaultByteStep int64 = 10 * 1024 * 1024
)

type eventKind int

const (
	eventSample eventKind = iota
	eventStart
	eventComplete
)

type event struct {
	kind   eventKind
	phase  string
	at     time.Time
	sample Sample
}

// Options configures an Aggregator.
type Options struct {
	// Interval is the time-based throttle. Default: 500ms.
	Interval time.Duration
	// ByteStep is the byte-based throttle. Default: 10 MiB.
	ByteStep int64
}

// Aggregator turns a high-frequency stream of samples into throttled updates
// for a single observer.
//
// Producers call Report, Start and Complete; those calls only append to an
// in-memory queue and never wait on the observer. Consecutive samples are
// coalesced so the queue stays bounded by the number of phase markers. A
// single consumer goroutine drains the queue and invokes the observer.
type Aggregator struct {
	emit     func(Update)
	interval time.Duration
	byteStep int64
	now      func() time.Time

	mu      sync.Mutex
	queue   []event
	closed  bool
	notify  chan struct{}
	stopped chan struct{}

	// Consumer-only state.
	phase        string
	phaseStart   time.Time
	baseline     int64
	haveBaseline bool
	last         Sample
	haveLast     bool
	lastEmitAt   time.Time
	lastEmitted  int64
	// high is the largest byte count emitted in the current phase.
	high int64
}

// NewAggregator creates an aggregator and starts its consumer goroutine.
// Call Stop to flush pending events and release the goroutine.
func NewAggregator(opts Options, emit func(Update)) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ByteStep <= 0 {
		opts.ByteStep = DefaultByteStep
	}
	if emit == nil {
		emit = func(Update) {}
	}
	a := &Aggregator{
		emit:     emit,
		interval: opts.Interval,
		byteStep: opts.ByteStep,
		now:      time.Now,
		notify:   make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	go a.run()
	return a
}

// Start begins a new phase. Rate and throttle state reset, and an immediate
// update announcing the phase is emitted.
func (a *Aggregator) Start(phase string) {
	a.push(event{kind: eventStart, phase: phase, at: a.now()})
}

// Report queues a raw sample. It never blocks on the observer.
func (a *Aggregator) Report(s Sample) {
	if s.At.IsZero() {
		s.At = a.now()
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if n := len(a.queue); n > 0 && a.queue[n-1].kind == eventSample {
		a.queue[n-1].sample = s
	} else {
		a.queue = append(a.queue, event{kind: eventSample, sample: s})
	}
	a.mu.Unlock()
	a.wake()
}

// Complete emits the final update of the current phase, bypassing throttling.
// When the total was never known it is taken to be the bytes seen so far.
func (a *Aggregator) Complete() {
	a.push(event{kind: eventComplete, at: a.now()})
}

// Stop drains outstanding events, delivers them, and waits for the consumer
// goroutine to exit. It is safe to call more than once.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		a.mu.Unlock()
		a.wake()
	} else {
		a.mu.Unlock()
	}
	<-a.stopped
}

func (a *Aggregator) push(ev event) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.queue = append(a.queue, ev)
	a.mu.Unlock()
	a.wake()
}

func (a *Aggregator) wake() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *Aggregator) run() {
	defer close(a.stopped)
	for range a.notify {
		a.mu.Lock()
		batch := a.queue
		a.queue = nil
		closed := a.closed
		a.mu.Unlock()

		for _, ev := range batch {
			a.handle(ev)
		}
		if closed {
			return
		}
	}
}

func (a *Aggregator) handle(ev event) {
	switch ev.kind {
	case eventStart:
		a.phase = ev.phase
		a.phaseStart = ev.at
		a.haveBaseline = false
		a.haveLast = false
		a.lastEmitted = 0
		a.high = 0
		a.lastEmitAt = ev.at
		a.emit(Update{Phase: a.phase, Percent: -1, Total: -1})

	case eventSample:
		s := ev.sample
		if a.haveLast && s.Bytes < a.last.Bytes {
			// The producer restarted from a lower offset. The rate window
			// restarts with it; emission waits until it passes the high mark.
			a.phaseStart = s.At
			a.haveBaseline = false
		}
		if !a.haveBaseline {
			a.baseline = s.Bytes
			a.haveBaseline = true
		}
		first := !a.haveLast
		a.last = s
		a.haveLast = true
		if s.Bytes < a.high {
			return
		}
		if first || s.At.Sub(a.lastEmitAt) >= a.interval || s.Bytes-a.lastEmitted >= a.byteStep {
			a.emitSample(s)
		}

	case eventComplete:
		final := a.last
		if !a.haveLast {
			final = Sample{At: ev.at}
		}
		if final.Total <= 0 {
			final.Total = final.Bytes
		}
		if final.Bytes < final.Total {
			final.Bytes = final.Total
		}
		if final.Bytes < a.high {
			final.Bytes = a.high
		}
		if final.At.IsZero() || ev.at.After(final.At) {
			final.At = ev.at
		}
		u := a.update(final)
		u.Percent = 100
		a.emit(u)
		a.lastEmitAt = final.At
		a.lastEmitted = final.Bytes
		a.high = final.Bytes
	}
}

func (a *Aggregator) emitSample(s Sample) {
	a.emit(a.update(s))
	a.lastEmitAt = s.At
	a.lastEmitted = s.Bytes
	if s.Bytes > a.high {
		a.high = s.Bytes
	}
}

func (a *Aggregator) update(s Sample) Update {
	var rate float64
	if elapsed := s.At.Sub(a.phaseStart).Seconds(); elapsed > 0 && a.haveBaseline {
		rate = float64(s.Bytes-a.baseline) / elapsed
	}
	if rate < 0 {
		rate = 0
	}
	return Update{
		Phase:          a.phase,
		Percent:        Percent(s.Bytes, s.Total),
		Bytes:          s.Bytes,
		Total:          s.Total,
		BytesPerSecond: rate,
	}
}
