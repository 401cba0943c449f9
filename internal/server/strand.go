package server

import (
	"sync"

	"github.com/rs/zerolog"
)

// Strand runs posted functions one at a time in submission order on its own
// goroutine. The queue is unbounded so Post never blocks.
type Strand struct {
	log zerolog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// NewStrand starts a strand.
func NewStrand(log zerolog.Logger) *Strand {
	s := &Strand{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

// Post queues fn. It returns false once the strand is stopped.
func (s *Strand) Post(fn func()) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop drops queued functions and ends the goroutine after the function in
// progress, if any, returns. Safe to call more than once.
func (s *Strand) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)
}

// Pending returns the number of queued functions.
func (s *Strand) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Strand) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.stopped || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			fn := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.run(fn)
		}
	}
}

func (s *Strand) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Recovered panic in strand task")
		}
	}()
	fn()
}
