package processor

import (
	"context"
	"time"
)

// Reconcile retries tagging for records whose digest is stored but whose tag
// never stuck. Only tag_applied changes; outcomes and digests are left
// untouched. Returns the number of records tagged this pass.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	records, err := s.store.ListUntagged(ctx, s.cfg.ReconcileBatchSize)
	if err != nil {
		return 0, err
	}

	tagged := 0
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return tagged, err
		}

		if err := s.tagger.Apply(ctx, rec); err != nil {
			tagFailures.Inc()
			s.logger.Printf("WARN reconcile tagging %s: %v", rec.ObjectKey(), err)
			continue
		}
		if err := s.store.MarkTagged(ctx, rec.ObjectKey(), true); err != nil {
			s.logger.Printf("WARN reconcile mark tagged %s: %v", rec.ObjectKey(), err)
			continue
		}
		tagsApplied.Inc()
		tagged++
	}

	if tagged > 0 {
		s.logger.Printf("INFO reconciliation tagged %d records", tagged)
	}
	return tagged, nil
}

// runLoops drives the periodic reconciliation and retention sweeps until the
// context is cancelled.
func (s *Service) runLoops(ctx context.Context) {
	reconcileEvery := s.cfg.ReconcileInterval
	if reconcileEvery <= 0 {
		reconcileEvery = 5 * time.Minute
	}
	sweepEvery := s.cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = time.Hour
	}

	reconcile := time.NewTicker(reconcileEvery)
	defer reconcile.Stop()
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcile.C:
			if _, err := s.Reconcile(ctx); err != nil {
				s.logger.Printf("WARN reconciliation pass: %v", err)
			}
		case <-sweep.C:
			deleted, err := s.store.SweepExpired(ctx)
			if err != nil {
				s.logger.Printf("WARN retention sweep: %v", err)
				continue
			}
			if deleted > 0 {
				s.logger.Printf("INFO retention sweep removed %d expired rows", deleted)
			}
		}
	}
}
