// Package maintenance runs the periodic upkeep a fleet-shared ledger
// needs but a per-process one doesn't: InMemoryLedger already evicts
// lazily on every RecordFailure/Get (ledger.go), but
// internal/azstore.TableLedger defers its TTL/cap sweep to an explicit
// out-of-band pass so a hot RecordFailure never pays for a table scan.
// Grounded on the teacher pack's use of robfig/cron/v3 for scheduled
// jobs (Generativebots-ocx-backend-go-svc's cron-driven reconciliation
// loops).
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/qwormhole/qwormhole/internal/azstore"
	"github.com/qwormhole/qwormhole/internal/obslog"
)

// LedgerSweeper periodically sweeps a TableLedger's stale/overflowing
// entries.
type LedgerSweeper struct {
	ledger *azstore.TableLedger
	ttl    time.Duration
	cap    int
	cron   *cron.Cron
}

// NewLedgerSweeper builds a sweeper for ledger using ttl/cap, passed to
// TableLedger.Sweep as given (no defaults are substituted: a cap of 0
// skips the cap pass, and a ttl of 0 expires every row older than the
// sweep time), running on spec following the standard five-field cron
// syntax (e.g. "0 * * * *" for hourly).
func NewLedgerSweeper(ledger *azstore.TableLedger, ttl time.Duration, cap int, spec string) (*LedgerSweeper, error) {
	s := &LedgerSweeper{ledger: ledger, ttl: ttl, cap: cap, cron: cron.New()}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running the sweep on its schedule. Non-blocking.
func (s *LedgerSweeper) Start() { s.cron.Start() }

// Stop halts the schedule without blocking; the returned context is done
// once any in-flight sweep has finished.
func (s *LedgerSweeper) Stop() context.Context { return s.cron.Stop() }

func (s *LedgerSweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := s.ledger.Sweep(ctx, s.ttl, s.cap); err != nil {
		obslog.L().Error("ledger_sweep_failed", "error", err)
		return
	}
	obslog.L().Info("ledger_swept", "ttl", s.ttl, "cap", s.cap)
}
