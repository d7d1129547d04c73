// Package sweep runs the scheduled expiry/reminder sweep and the
// failed-operation drain.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/app/repository"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/apperr"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/audit"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/lifecycle"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers   = 4
	DefaultBatchSize = 100
	DefaultLockTTL   = 2 * time.Minute
)

// Pass names, also used as metric labels.
const (
	PassReminder3d    = "remind_3d"
	PassReminderFinal = "remind_final"
	PassExpire        = "expire"
	PassTrial         = "trial"
)

// Unit outcomes.
const (
	outcomeDone    = "done"
	outcomeQueued  = "queued"
	outcomeSkipped = "skipped"
	outcomeFailed  = "failed"
)

// Report summarises one sweep run.
type Report struct {
	RunID          string        `json:"run_id"`
	Reminded3d     int           `json:"reminded_3d"`
	RemindedFinal  int           `json:"reminded_final"`
	Expired        int           `json:"expired"`
	Queued         int           `json:"queued"`
	Skipped        int           `json:"skipped"`
	Failed         int           `json:"failed"`
	TrialsExpired  int64         `json:"trials_expired"`
	PeriodsExpired int64         `json:"periods_expired"`
	Duration       time.Duration `json:"duration"`
}

func (r *Report) String() string {
	return fmt.Sprintf("run=%s reminded_3d=%d reminded_final=%d expired=%d queued=%d skipped=%d failed=%d trials=%d periods=%d took=%s",
		r.RunID, r.Reminded3d, r.RemindedFinal, r.Expired, r.Queued, r.Skipped, r.Failed, r.TrialsExpired, r.PeriodsExpired, r.Duration)
}

// Sweeper reminds and expires active subscribers. Every pass is safe to run
// again in the same window.
type Sweeper struct {
	Subscribers repository.SubscriberRepository
	Projects    repository.ProjectRepository
	Accounts    repository.AccountSubscriptionRepository
	Effects     *lifecycle.Effector
	Audit       *audit.Recorder
	Locker      Locker
	Workers     int
	BatchSize   int
	LockTTL     time.Duration
	Now         func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Sweeper) workers() int {
	if s.Workers > 0 {
		return s.Workers
	}
	return DefaultWorkers
}

func (s *Sweeper) batchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return DefaultBatchSize
}

func (s *Sweeper) locker() Locker {
	if s.Locker == nil {
		s.Locker = NewLocalLocker()
	}
	return s.Locker
}

// run carries the state of one sweep invocation.
type run struct {
	s        *Sweeper
	now      time.Time
	mu       sync.Mutex
	report   *Report
	projects map[uint]*models.Project
}

// Run executes the 3-day, final and expire passes, then the trial pass. A
// pass error stops the run; unit failures are counted and left for the next
// run or the drain.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	r := &run{
		s:        s,
		now:      s.now(),
		report:   &Report{RunID: uuid.NewString()},
		projects: make(map[uint]*models.Project),
	}
	log.Infof("[Sweep] Run %s started at %s", r.report.RunID, r.now.Format(time.RFC3339))

	defer func() {
		r.report.Duration = time.Since(start)
		metrics.SweepDuration.Observe(r.report.Duration.Seconds())
	}()

	if err := r.reminders(ctx, false); err != nil {
		return r.report, err
	}
	if err := r.reminders(ctx, true); err != nil {
		return r.report, err
	}
	if err := r.expire(ctx); err != nil {
		return r.report, err
	}
	if err := r.trials(ctx); err != nil {
		return r.report, err
	}

	log.Infof("[Sweep] Finished: %s", r.report)
	return r.report, nil
}

// forEach pages through list by id and processes each page with a bounded
// worker group.
func (r *run) forEach(ctx context.Context, pass string, list func(afterID uint, limit int) ([]models.Subscriber, error), unit func(ctx context.Context, sub *models.Subscriber) string) error {
	var afterID uint
	limit := r.s.batchSize()
	for {
		batch, err := list(afterID, limit)
		if err != nil {
			return fmt.Errorf("%s pass: list subscribers: %w", pass, err)
		}
		if len(batch) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.s.workers())
		for i := range batch {
			sub := batch[i]
			g.Go(func() error {
				outcome := r.locked(gctx, pass, &sub, unit)
				metrics.SweepProcessedTotal.WithLabelValues(pass, outcome).Inc()
				r.count(pass, outcome)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		afterID = batch[len(batch)-1].ID
		if len(batch) < limit {
			return nil
		}
	}
}

func (r *run) locked(ctx context.Context, pass string, sub *models.Subscriber, unit func(ctx context.Context, sub *models.Subscriber) string) string {
	ttl := r.s.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	release, ok, err := r.s.locker().TryLock(ctx, "subscriber:"+strconv.FormatUint(uint64(sub.ID), 10), ttl)
	if err != nil {
		log.Warnf("[Sweep] Lock for subscriber %d failed: %v", sub.ID, err)
		return outcomeFailed
	}
	if !ok {
		log.Debugf("[Sweep] Subscriber %d is being processed elsewhere", sub.ID)
		return outcomeSkipped
	}
	defer release()
	return unit(ctx, sub)
}

func (r *run) count(pass, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch outcome {
	case outcomeDone:
		switch pass {
		case PassReminder3d:
			r.report.Reminded3d++
		case PassReminderFinal:
			r.report.RemindedFinal++
		case PassExpire:
			r.report.Expired++
		}
	case outcomeQueued:
		r.report.Queued++
	case outcomeSkipped:
		r.report.Skipped++
	case outcomeFailed:
		r.report.Failed++
	}
}

func (r *run) project(ctx context.Context, id uint) (*models.Project, error) {
	r.mu.Lock()
	p, ok := r.projects[id]
	r.mu.Unlock()
	if ok {
		return p, nil
	}
	p, err := r.s.Projects.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.projects[id] = p
	r.mu.Unlock()
	return p, nil
}

func (r *run) reminders(ctx context.Context, final bool) error {
	pass, ev, effect := PassReminder3d, lifecycle.EventRemind3d, lifecycle.EffectRemind3d
	after, until := r.now.Add(lifecycle.FinalReminderWindow), r.now.Add(lifecycle.ReminderWindow)
	if final {
		pass, ev, effect = PassReminderFinal, lifecycle.EventRemindFinal, lifecycle.EffectRemindFinal
		after, until = r.now, r.now.Add(lifecycle.FinalReminderWindow)
	}

	list := func(afterID uint, limit int) ([]models.Subscriber, error) {
		return r.s.Subscribers.ListReminderWindow(ctx, after, until, final, afterID, limit)
	}
	return r.forEach(ctx, pass, list, func(ctx context.Context, sub *models.Subscriber) string {
		// the row may have changed since it was listed
		current, err := r.s.Subscribers.GetByID(ctx, sub.ID)
		if err != nil {
			log.Warnf("[Sweep] Reload of subscriber %d failed: %v", sub.ID, err)
			return outcomeFailed
		}
		d := lifecycle.Decide(lifecycle.Input{Subscriber: current, Event: ev, Now: r.now})
		if !d.Allowed {
			return outcomeSkipped
		}
		project, err := r.project(ctx, current.ProjectID)
		if err != nil {
			log.Warnf("[Sweep] Project of subscriber %d: %v", current.ID, err)
			return outcomeFailed
		}

		text, kb := lifecycle.Render(effect, lifecycle.MessageData{ProjectName: project.Name, ExpiryDate: current.ExpiryDate})
		if !r.s.Effects.Notify(ctx, current, project, text, kb) {
			// flag stays unset, the next run tries again
			return outcomeFailed
		}
		if err := r.s.Subscribers.MarkReminderSent(ctx, current.ID, final); err != nil {
			log.Errorf("[Sweep] Reminder sent to subscriber %d but flag not stored: %v", current.ID, err)
			return outcomeFailed
		}
		return outcomeDone
	})
}

func (r *run) expire(ctx context.Context) error {
	list := func(afterID uint, limit int) ([]models.Subscriber, error) {
		return r.s.Subscribers.ListExpired(ctx, r.now, afterID, limit)
	}
	return r.forEach(ctx, PassExpire, list, func(ctx context.Context, sub *models.Subscriber) string {
		return expireOne(ctx, r.s.Subscribers, r.s.Effects, r.s.Audit, r.project, sub.ID, r.now, audit.ActorSweep)
	})
}

// expireOne revokes access and only then records the expiry. A failed revoke
// leaves the subscriber active and queues a kick_expired operation.
func expireOne(ctx context.Context, subs repository.SubscriberRepository, effects *lifecycle.Effector, rec *audit.Recorder, projectOf func(context.Context, uint) (*models.Project, error), id uint, now time.Time, actor string) string {
	sub, err := subs.GetByID(ctx, id)
	if err != nil {
		log.Warnf("[Sweep] Reload of subscriber %d failed: %v", id, err)
		return outcomeFailed
	}
	d := lifecycle.Decide(lifecycle.Input{Subscriber: sub, Event: lifecycle.EventExpire, Now: now})
	if !d.Allowed {
		return outcomeSkipped
	}
	project, err := projectOf(ctx, sub.ProjectID)
	if err != nil {
		log.Warnf("[Sweep] Project of subscriber %d: %v", sub.ID, err)
		return outcomeFailed
	}

	if err := effects.RevokeAccess(ctx, sub, project); err != nil {
		log.Errorf("[Sweep] Revoke of subscriber %d failed, staying active: %v", sub.ID, err)
		effects.QueueKick(ctx, sub, project, err)
		return outcomeQueued
	}

	if err := subs.MarkExpired(ctx, sub.ID, now); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			log.Infof("[Sweep] Subscriber %d renewed while being expired, restoring access", sub.ID)
			restoreAfterRace(ctx, subs, effects, project, sub.ID)
			return outcomeSkipped
		}
		log.Errorf("[Sweep] Subscriber %d revoked but not marked expired: %v", sub.ID, err)
		return outcomeFailed
	}
	metrics.TransitionsTotal.WithLabelValues(string(lifecycle.EventExpire)).Inc()

	rec.Record(ctx, audit.Entry{
		Actor:        actor,
		Action:       string(lifecycle.EventExpire),
		ResourceType: audit.ResourceSubscriber,
		ResourceID:   sub.ID,
		Before:       map[string]interface{}{"status": sub.Status, "expiry_date": sub.ExpiryDate},
		After:        map[string]interface{}{"status": models.SubscriberStatusExpired},
	})

	text, kb := lifecycle.Render(lifecycle.EffectNotifyExpired, lifecycle.MessageData{ProjectName: project.Name, ExpiryDate: sub.ExpiryDate})
	effects.Notify(ctx, sub, project, text, kb)
	log.Infof("[Sweep] Subscriber %d expired and removed from channel %d", sub.ID, project.ChannelID)
	return outcomeDone
}

// restoreAfterRace runs when the expiry lost to a concurrent renewal after
// the user was already removed from the channel.
func restoreAfterRace(ctx context.Context, subs repository.SubscriberRepository, effects *lifecycle.Effector, project *models.Project, id uint) {
	current, err := subs.GetByID(ctx, id)
	if err != nil {
		log.Errorf("[Sweep] Subscriber %d renewed after removal but could not be reloaded: %v", id, err)
		return
	}
	effects.RestoreAccess(ctx, current, project)
}
