package sweep

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/ChannelPass/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// trials expires lapsed account trials and paid periods. It runs after the
// subscriber passes and is independent of them.
func (r *run) trials(ctx context.Context) error {
	if r.s.Accounts == nil {
		return nil
	}
	trials, periods, err := r.s.Accounts.ExpireLapsed(ctx, r.now)
	if err != nil {
		metrics.SweepProcessedTotal.WithLabelValues(PassTrial, outcomeFailed).Inc()
		return fmt.Errorf("trial pass: %w", err)
	}
	r.mu.Lock()
	r.report.TrialsExpired = trials
	r.report.PeriodsExpired = periods
	r.mu.Unlock()

	if n := trials + periods; n > 0 {
		metrics.SweepProcessedTotal.WithLabelValues(PassTrial, outcomeDone).Add(float64(n))
		log.Infof("[Sweep] Expired %d trials and %d paid periods", trials, periods)
	}
	return nil
}
