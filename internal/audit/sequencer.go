package audit

import (
	"log/slog"
	"sync"
)

// Event is a lifecycle event waiting to be appended.
type Event struct {
	Operation string
	Payload   any
}

// Sequencer is the single writer in front of a Ledger. Workers Post events
// from any goroutine; one goroutine appends them in arrival order.
type Sequencer struct {
	ledger *Ledger
	logger *slog.Logger
	events chan Event
	done   chan struct{}
	failed chan struct{}

	mu      sync.Mutex
	err     error
	dropped int
}

// NewSequencer starts the draining goroutine. buffer bounds how many posted
// events may wait before Post blocks.
func NewSequencer(l *Ledger, buffer int, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 0 {
		buffer = 0
	}
	s := &Sequencer{
		ledger: l,
		logger: logger,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sequencer) run() {
	defer close(s.done)
	for ev := range s.events {
		s.mu.Lock()
		broken := s.err != nil
		if broken {
			s.dropped++
		}
		s.mu.Unlock()
		if broken {
			continue
		}

		if _, err := s.ledger.Append(ev.Operation, ev.Payload); err != nil {
			s.logger.Error("audit append failed", "operation", ev.Operation, "error", err)
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			close(s.failed)
		}
	}
}

// Post queues an event. It must not be called after Close.
func (s *Sequencer) Post(ev Event) {
	s.events <- ev
}

// Failed is closed after the first append failure.
func (s *Sequencer) Failed() <-chan struct{} {
	return s.failed
}

// Err returns the first append failure, if any.
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops accepting events, waits for queued ones to be appended and
// returns the first append failure.
func (s *Sequencer) Close() error {
	close(s.events)
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped > 0 {
		s.logger.Error("audit events dropped after ledger failure", "count", s.dropped)
	}
	return s.err
}
