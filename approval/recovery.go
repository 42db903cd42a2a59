/*
recovery.go - Background re-apply of requests stuck in approved

PURPOSE:
  An approved request whose apply transaction never ran (process crash,
  lost connection) stays approved. The sweeper periodically finds such
  requests and runs the apply step again; each ends applied or failed.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Only touches requests that have sat in approved for at least
    GracePeriod, so it never races a live Approve call
  - Disabled unless an interval is configured

USAGE:
  sweeper := approval.NewRecoverySweeper(svc, time.Minute)
  sweeper.Start()
  // ... later
  sweeper.Stop()
*/
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/core"
)

// DefaultGracePeriod is how long a request may sit in approved before the
// sweeper considers it stuck.
const DefaultGracePeriod = 5 * time.Minute

// RecoverStuck re-applies approved requests last updated more than
// olderThan ago. It returns how many it processed.
func (s *Service) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	stuck, err := s.Store.ListApprovalsStuckSince(ctx, core.ApprovalApproved, s.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, req := range stuck {
		result, err := s.apply(ctx, req.ID)
		if err != nil {
			s.Logger.Error().Err(err).Str("request_id", req.ID).Msg("recovery apply failed")
			continue
		}
		processed++
		s.Logger.Info().
			Str("request_id", req.ID).
			Str("status", string(result.Status)).
			Msg("recovered approved request")
	}
	return processed, nil
}

// RecoverySweeper runs RecoverStuck on an interval.
type RecoverySweeper struct {
	Service       *Service
	CheckInterval time.Duration
	GracePeriod   time.Duration
	Logger        zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRecoverySweeper(svc *Service, interval time.Duration) *RecoverySweeper {
	return &RecoverySweeper{
		Service:       svc,
		CheckInterval: interval,
		GracePeriod:   DefaultGracePeriod,
		Logger:        svc.Logger.With().Str("worker", "recovery").Logger(),
	}
}

// Start begins sweeping. A non-positive interval leaves it disabled.
func (rs *RecoverySweeper) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.CheckInterval <= 0 {
		rs.Logger.Info().Msg("recovery sweeper disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run()

	rs.Logger.Info().Dur("interval", rs.CheckInterval).Msg("recovery sweeper started")
}

func (rs *RecoverySweeper) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info().Msg("recovery sweeper stopped")
}

func (rs *RecoverySweeper) run() {
	defer rs.wg.Done()

	rs.RunNow()
	for {
		select {
		case <-rs.ticker.C:
			rs.RunNow()
		case <-rs.stop:
			return
		}
	}
}

// RunNow performs one sweep.
func (rs *RecoverySweeper) RunNow() {
	n, err := rs.Service.RecoverStuck(context.Background(), rs.GracePeriod)
	if err != nil {
		rs.Logger.Error().Err(err).Msg("recovery sweep failed")
		return
	}
	if n > 0 {
		rs.Logger.Info().Int("processed", n).Msg("recovery sweep completed")
	}
}
