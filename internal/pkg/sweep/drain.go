package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/app/repository"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/apperr"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/audit"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/failedops"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/lifecycle"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"
)

// Drain outcomes.
const (
	DrainResolved    = "resolved"
	DrainObsolete    = "obsolete"
	DrainRescheduled = "rescheduled"
	DrainManual      = "manual"
	DrainSkipped     = "skipped"
	DrainFailed      = "failed"
)

type DrainReport struct {
	Resolved    int           `json:"resolved"`
	Obsolete    int           `json:"obsolete"`
	Rescheduled int           `json:"rescheduled"`
	Manual      int           `json:"manual"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
}

func (r *DrainReport) String() string {
	return fmt.Sprintf("resolved=%d obsolete=%d rescheduled=%d manual=%d skipped=%d failed=%d took=%s",
		r.Resolved, r.Obsolete, r.Rescheduled, r.Manual, r.Skipped, r.Failed, r.Duration)
}

func (r *DrainReport) add(outcome string) {
	switch outcome {
	case DrainResolved:
		r.Resolved++
	case DrainObsolete:
		r.Obsolete++
	case DrainRescheduled:
		r.Rescheduled++
	case DrainManual:
		r.Manual++
	case DrainSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Drainer re-attempts queued critical effects and performs the transitions
// they were holding back.
type Drainer struct {
	Queue       *failedops.Queue
	Subscribers repository.SubscriberRepository
	Projects    repository.ProjectRepository
	Effects     *lifecycle.Effector
	Audit       *audit.Recorder
	Locker      Locker
	Workers     int
	BatchSize   int
	LockTTL     time.Duration
	Now         func() time.Time
}

func (d *Drainer) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// Run processes one batch of due operations.
func (d *Drainer) Run(ctx context.Context) (*DrainReport, error) {
	start := time.Now()
	report := &DrainReport{}
	limit := d.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	workers := d.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	locker := d.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}
	ttl := d.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	ops, err := d.Queue.Due(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("load due operations: %w", err)
	}
	if len(ops) == 0 {
		log.Debug("[Drain] Nothing due")
		return report, nil
	}
	log.Infof("[Drain] Processing %d due operations", len(ops))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range ops {
		op := ops[i]
		g.Go(func() error {
			outcome := DrainSkipped
			release, ok, err := locker.TryLock(gctx, "subscriber:"+strconv.FormatUint(uint64(op.SubscriberID), 10), ttl)
			switch {
			case err != nil:
				log.Warnf("[Drain] Lock for subscriber %d failed: %v", op.SubscriberID, err)
				outcome = DrainFailed
			case ok:
				outcome = d.process(gctx, &op)
				release()
			}
			metrics.DrainOutcomesTotal.WithLabelValues(op.Action, outcome).Inc()
			mu.Lock()
			report.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	log.Infof("[Drain] Finished: %s", report)
	return report, nil
}

func (d *Drainer) process(ctx context.Context, op *models.FailedOperation) string {
	sub, err := d.Subscribers.GetByID(ctx, op.SubscriberID)
	if errors.Is(err, apperr.ErrNotFound) {
		return d.resolve(ctx, op, DrainObsolete)
	}
	if err != nil {
		log.Warnf("[Drain] Load subscriber %d: %v", op.SubscriberID, err)
		return DrainFailed
	}

	switch op.Action {
	case models.FailedActionKickExpired:
		return d.kick(ctx, op, sub)
	case models.FailedActionGrantAccess:
		return d.grant(ctx, op, sub)
	default:
		reason := fmt.Sprintf("unknown action %q", op.Action)
		if err := d.Queue.FlagManual(ctx, op.ID, reason); err != nil {
			log.Errorf("[Drain] Could not flag operation %d: %v", op.ID, err)
			return DrainFailed
		}
		log.Errorf("[Drain] Operation %d flagged for manual intervention: %s", op.ID, reason)
		return DrainManual
	}
}

// kick retries a revocation the sweep could not complete. A subscriber that
// renewed or changed status in the meantime no longer needs it.
func (d *Drainer) kick(ctx context.Context, op *models.FailedOperation, sub *models.Subscriber) string {
	now := d.now()
	if !sub.IsActive() || sub.ExpiryDate == nil || !sub.ExpiryDate.Before(now) {
		return d.dropKick(ctx, op, sub)
	}
	project, err := d.Projects.GetByID(ctx, sub.ProjectID)
	if err != nil {
		return d.reschedule(ctx, op, err)
	}
	if err := d.Effects.RevokeAccess(ctx, sub, project); err != nil {
		return d.reschedule(ctx, op, err)
	}

	if err := d.Subscribers.MarkExpired(ctx, sub.ID, now); err != nil && !errors.Is(err, apperr.ErrConflict) {
		log.Errorf("[Drain] Subscriber %d revoked but not marked expired: %v", sub.ID, err)
		return DrainFailed
	} else if err != nil {
		log.Infof("[Drain] Subscriber %d renewed while being expired, restoring access", sub.ID)
		restoreAfterRace(ctx, d.Subscribers, d.Effects, project, sub.ID)
	} else {
		metrics.TransitionsTotal.WithLabelValues(string(lifecycle.EventExpire)).Inc()
		d.Audit.Record(ctx, audit.Entry{
			Actor:        audit.ActorDrain,
			Action:       string(lifecycle.EventExpire),
			ResourceType: audit.ResourceSubscriber,
			ResourceID:   sub.ID,
			Before:       map[string]interface{}{"status": sub.Status, "expiry_date": sub.ExpiryDate},
			After:        map[string]interface{}{"status": models.SubscriberStatusExpired, "attempts": op.Attempts + 1},
		})
		text, kb := lifecycle.Render(lifecycle.EffectNotifyExpired, lifecycle.MessageData{ProjectName: project.Name, ExpiryDate: sub.ExpiryDate})
		d.Effects.Notify(ctx, sub, project, text, kb)
	}
	return d.resolve(ctx, op, DrainResolved)
}

// dropKick settles a kick that is no longer wanted. The failed attempt may
// have banned the user without the unban, so the ban is lifted first; a
// renewed subscriber keeps the row until that succeeds.
func (d *Drainer) dropKick(ctx context.Context, op *models.FailedOperation, sub *models.Subscriber) string {
	log.Infof("[Drain] kick_expired for subscriber %d is obsolete (%s)", sub.ID, sub.Status)
	project, err := d.Projects.GetByID(ctx, sub.ProjectID)
	if err == nil {
		err = d.Effects.LiftBan(ctx, sub, project)
	}
	if err != nil {
		if sub.IsActive() {
			return d.reschedule(ctx, op, fmt.Errorf("lift ban of renewed subscriber: %w", err))
		}
		log.Warnf("[Drain] Could not lift ban of subscriber %d (%s): %v", sub.ID, sub.Status, err)
	}
	return d.resolve(ctx, op, DrainObsolete)
}

// grant retries issuing an invite and sends the message that was held back.
func (d *Drainer) grant(ctx context.Context, op *models.FailedOperation, sub *models.Subscriber) string {
	if !sub.IsActive() {
		log.Infof("[Drain] grant_access for subscriber %d is obsolete (%s)", sub.ID, sub.Status)
		return d.resolve(ctx, op, DrainObsolete)
	}
	var payload lifecycle.GrantPayload
	if len(op.Payload) > 0 {
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			log.Warnf("[Drain] Bad payload on operation %d, granting with defaults: %v", op.ID, err)
		}
	}
	// an invite minted after the failure already is the fresh one
	fresh := payload.Fresh && (sub.InviteLinkIssuedAt == nil || !sub.InviteLinkIssuedAt.After(op.CreatedAt))

	project, err := d.Projects.GetByID(ctx, sub.ProjectID)
	if err != nil {
		return d.reschedule(ctx, op, err)
	}
	link, err := d.Effects.GrantAccess(ctx, sub, project, fresh)
	if err != nil {
		return d.reschedule(ctx, op, err)
	}

	notify := payload.Notify
	if notify == "" {
		notify = lifecycle.EffectNotifyInvite
	}
	text, kb := lifecycle.Render(notify, lifecycle.MessageData{ProjectName: project.Name, ExpiryDate: sub.ExpiryDate, InviteLink: link})
	d.Effects.Notify(ctx, sub, project, text, kb)
	return d.resolve(ctx, op, DrainResolved)
}

func (d *Drainer) resolve(ctx context.Context, op *models.FailedOperation, outcome string) string {
	if err := d.Queue.Resolve(ctx, op.ID); err != nil {
		log.Errorf("[Drain] Could not resolve operation %d: %v", op.ID, err)
		return DrainFailed
	}
	return outcome
}

func (d *Drainer) reschedule(ctx context.Context, op *models.FailedOperation, cause error) string {
	manual, err := d.Queue.Reschedule(ctx, op, cause)
	if err != nil {
		log.Errorf("[Drain] Could not reschedule operation %d: %v", op.ID, err)
		return DrainFailed
	}
	if manual {
		log.Errorf("[Drain] %s for subscriber %d needs manual intervention after %d attempts: %v", op.Action, op.SubscriberID, op.Attempts, cause)
		return DrainManual
	}
	log.Warnf("[Drain] %s for subscriber %d failed (attempt %d), next try %s: %v", op.Action, op.SubscriberID, op.Attempts, op.NextRetryAt.Format(time.RFC3339), cause)
	return DrainRescheduled
}
