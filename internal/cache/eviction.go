package cache

import (
	"log"
	"sync"
	"time"
)

// Evictor is the background loop that drops expired cache entries. It checks
// every interval, stops cooperatively, and never prevents normal process
// exit.
type Evictor struct {
	service  *Service
	interval time.Duration

	// onIdle, when set, is called after a check finds nothing cached,
	// letting a serving process shut itself down when idle.
	onIdle func()

	// onEvict is called with each evicted project path so owners of
	// per-project state outside the cache can release it too.
	onEvict func(projectPath string)

	logger *log.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// EvictorOption configures an Evictor.
type EvictorOption func(*Evictor)

// WithIdleShutdown makes the evictor call fn when a check finds the cache
// empty.
func WithIdleShutdown(fn func()) EvictorOption {
	return func(ev *Evictor) { ev.onIdle = fn }
}

// WithEvictHook makes the evictor call fn for every evicted project.
func WithEvictHook(fn func(projectPath string)) EvictorOption {
	return func(ev *Evictor) { ev.onEvict = fn }
}

// NewEvictor creates an evictor for service checking every interval.
func NewEvictor(service *Service, interval time.Duration, opts ...EvictorOption) *Evictor {
	ev := &Evictor{
		service:  service,
		interval: interval,
		logger:   log.New(log.Writer(), "evictor: ", log.LstdFlags),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// Start launches the eviction loop.
func (ev *Evictor) Start() {
	go ev.run()
}

// Stop flips the cooperative stop flag and waits for the loop to finish.
// Safe to call more than once.
func (ev *Evictor) Stop() {
	ev.stopOnce.Do(func() { close(ev.stop) })
	<-ev.done
}

func (ev *Evictor) run() {
	defer close(ev.done)

	ticker := time.NewTicker(ev.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ev.stop:
			return
		case <-ticker.C:
		}

		evicted := ev.service.evictExpired()
		for _, path := range evicted {
			ev.logger.Printf("evicted idle project %s", path)
			if ev.onEvict != nil {
				ev.onEvict(path)
			}
		}

		if ev.onIdle != nil && ev.service.Len() == 0 {
			ev.onIdle()
		}
	}
}
