package liveness

import (
	"context"
	"log"
	"time"
)

// Sweeper periodically runs the reconciler so machines flip offline even
// when no operator is watching. The request-path reconciliation stays in
// place; the sweep only bounds staleness.
type Sweeper struct {
	rec      *Reconciler
	interval time.Duration
	stop     chan struct{}
}

func NewSweeper(rec *Reconciler, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		rec:      rec,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) Stop() {
	close(s.stop)
}

func (s *Sweeper) run() {
	// Run immediately on start
	s.sweep()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.rec.Reconcile(ctx); err != nil {
		log.Printf("liveness sweep failed: %v", err)
	}
}
