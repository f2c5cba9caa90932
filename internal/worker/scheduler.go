package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/wb-go/wbf/retry"
	"go.uber.org/zap"

	"jobnotifier/internal/config"
	"jobnotifier/internal/errors"
	"jobnotifier/internal/models"
	"jobnotifier/internal/notify"
	"jobnotifier/internal/storage"
)

// Enqueuer accepts notifications for asynchronous delivery
type Enqueuer interface {
	Enqueue(item *models.NotificationItem) error
}

const (
	PassExpiryReminders = "expiry_reminders"
	PassExpirePostings  = "expire_postings"
	PassCompanyStats    = "company_statistics"
	PassCleanup         = "cleanup"
)

// Report summarises one maintenance tick
type Report struct {
	StartedAt          time.Time
	Reminded           int
	Expired            int
	Missing            int
	CompaniesRefreshed int
	Cleaned            int
	Failed             []string
}

// intervalSchedule fires every fixed duration. cron.Every rounds to whole
// seconds, which is too coarse for short intervals.
type intervalSchedule struct {
	every time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.every)
}

// Scheduler runs the periodic job posting maintenance passes.
type Scheduler struct {
	postings  storage.JobPostingRepository
	companies storage.CompanyRepository
	cleaner   storage.Cleaner
	queue     Enqueuer
	cfg       config.MaintenanceConfig
	schedule  cron.Schedule
	log       *zap.SugaredLogger
	now       func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

var readStrategy = retry.Strategy{
	Attempts: 3,
	Delay:    100 * time.Millisecond,
	Backoff:  2,
}

// NewScheduler builds a scheduler. cleaner may be nil, in which case the
// cleanup pass is skipped.
func NewScheduler(
	postings storage.JobPostingRepository,
	companies storage.CompanyRepository,
	cleaner storage.Cleaner,
	queue Enqueuer,
	cfg config.MaintenanceConfig,
	log *zap.SugaredLogger,
) (*Scheduler, error) {
	var schedule cron.Schedule = intervalSchedule{every: cfg.Interval}
	if cfg.Schedule != "" {
		parsed, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid maintenance schedule %q", cfg.Schedule)
		}
		schedule = parsed
	} else if cfg.Interval <= 0 {
		return nil, errors.Wrapf(errors.ErrInvalidArgument, "maintenance interval must be positive, got %s", cfg.Interval)
	}

	return &Scheduler{
		postings:  postings,
		companies: companies,
		cleaner:   cleaner,
		queue:     queue,
		cfg:       cfg,
		schedule:  schedule,
		log:       log.Named("maintenance"),
		now:       time.Now,
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
	s.log.Infow("scheduler started",
		"interval", s.cfg.Interval,
		"schedule", s.cfg.Schedule,
		"run_on_start", s.cfg.RunOnStart)
}

// Stop ends the loop and waits for a running tick to finish
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
	s.log.Infow("scheduler stopped")
}

// Done is closed when the loop has exited
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) stopped(ctx context.Context) bool {
	select {
	case <-s.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	if s.cfg.RunOnStart && !s.stopped(ctx) {
		s.RunOnce(ctx)
	}

	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))

		select {
		case <-timer.C:
			if s.stopped(ctx) {
				return
			}
			s.RunOnce(ctx)
		case <-s.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// RunOnce performs every maintenance pass. A failing pass is logged and
// does not prevent the others from running.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	now := s.now()
	report := Report{StartedAt: now}

	s.runPass(&report, PassExpiryReminders, func() error { return s.sendExpiryReminders(ctx, now, &report) })
	s.runPass(&report, PassExpirePostings, func() error { return s.expirePostings(ctx, now, &report) })
	s.runPass(&report, PassCompanyStats, func() error { return s.refreshCompanyStatistics(ctx, &report) })
	s.runPass(&report, PassCleanup, func() error { return s.cleanup(ctx, now, &report) })

	s.log.Infow("maintenance tick finished",
		"reminded", report.Reminded,
		"expired", report.Expired,
		"missing", report.Missing,
		"companies_refreshed", report.CompaniesRefreshed,
		"cleaned", report.Cleaned,
		"failed", strings.Join(report.Failed, ","),
		"duration", time.Since(now))
	return report
}

func (s *Scheduler) runPass(report *Report, name string, pass func() error) {
	defer func() {
		if r := recover(); r != nil {
			report.Failed = append(report.Failed, name)
			s.log.Errorw("maintenance pass panicked", "pass", name, "panic", fmt.Sprint(r))
		}
	}()

	if err := pass(); err != nil {
		report.Failed = append(report.Failed, name)
		s.log.Errorw("maintenance pass failed", "pass", name, "error", err)
	}
}

func (s *Scheduler) sendExpiryReminders(ctx context.Context, now time.Time, report *Report) error {
	var postings []*models.JobPosting
	err := retry.DoContext(ctx, readStrategy, func() error {
		var getErr error
		postings, getErr = s.postings.GetExpiringWithin(ctx, now, s.cfg.ExpiryLookAhead)
		return getErr
	})
	if err != nil {
		return errors.Wrap(err, "load expiring postings")
	}

	for _, p := range postings {
		if strings.TrimSpace(p.ContactEmail) == "" {
			continue
		}
		if err := s.queue.Enqueue(notify.JobExpiryReminder(*p, now)); err != nil {
			return errors.Wrapf(err, "enqueue expiry reminder for posting %s", p.ID)
		}
		report.Reminded++
	}
	return nil
}

func (s *Scheduler) expirePostings(ctx context.Context, now time.Time, report *Report) error {
	var postings []*models.JobPosting
	err := retry.DoContext(ctx, readStrategy, func() error {
		var getErr error
		postings, getErr = s.postings.GetExpired(ctx, now)
		return getErr
	})
	if err != nil {
		return errors.Wrap(err, "load expired postings")
	}

	failed := 0
	for _, p := range postings {
		found, err := s.postings.MarkExpired(ctx, p.ID)
		switch {
		case err != nil:
			failed++
			s.log.Warnw("failed to mark posting expired", "posting_id", p.ID, "error", err)
		case !found:
			report.Missing++
			s.log.Debugw("posting disappeared before it could be expired", "posting_id", p.ID)
		default:
			report.Expired++
		}
	}

	if failed > 0 {
		return errors.Newf("%d of %d postings could not be marked expired", failed, len(postings))
	}
	return nil
}

func (s *Scheduler) refreshCompanyStatistics(ctx context.Context, report *Report) error {
	var companies []*models.Company
	err := retry.DoContext(ctx, readStrategy, func() error {
		var getErr error
		companies, getErr = s.companies.ListCompanies(ctx, s.cfg.BatchSize)
		return getErr
	})
	if err != nil {
		return errors.Wrap(err, "load companies")
	}

	failed := 0
	for _, c := range companies {
		found, err := s.companies.RefreshStatistics(ctx, c.ID)
		if err != nil {
			failed++
			s.log.Warnw("failed to refresh company statistics", "company_id", c.ID, "error", err)
			continue
		}
		if found {
			report.CompaniesRefreshed++
		}
	}

	if failed > 0 {
		return errors.Newf("%d of %d companies could not be refreshed", failed, len(companies))
	}
	return nil
}

func (s *Scheduler) cleanup(ctx context.Context, now time.Time, report *Report) error {
	if s.cleaner == nil {
		return nil
	}

	removed, err := s.cleaner.Cleanup(ctx, now.Add(-s.cfg.CleanupRetention))
	report.Cleaned += removed
	if err != nil {
		return errors.Wrap(err, "cleanup")
	}
	return nil
}
