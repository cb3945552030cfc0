package room

import (
	"sync"
	"time"

	"github.com/tabcast/signaling-server/internal/ratelimit"
)

// Sweeper periodically evicts idle rooms from a Registry. Start is idempotent
// (a second call while running is a no-op) and Stop cancels the pending tick,
// blocking until the loop has exited.
type Sweeper struct {
	reg       *Registry
	interval  time.Duration
	threshold time.Duration
	clock     ratelimit.Clock

	// OnSweep, if set, is invoked after each pass with the number of rooms
	// removed. Set it before Start.
	OnSweep func(removed int)

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewSweeper(reg *Registry, interval, threshold time.Duration) *Sweeper {
	return &Sweeper{
		reg:       reg,
		interval:  interval,
		threshold: threshold,
		clock:     reg.clock,
	}
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Sweeper) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			removed := s.reg.SweepIdleRooms(s.clock.Now(), s.threshold)
			if removed > 0 && s.OnSweep != nil {
				s.OnSweep(removed)
			}
		}
	}
}
