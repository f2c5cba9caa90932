package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"jobnotifier/internal/config"
	"jobnotifier/internal/errors"
	"jobnotifier/internal/models"
	"jobnotifier/internal/notify"
	"jobnotifier/internal/storage"
)

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeQueue struct {
	mu    sync.Mutex
	items []*models.NotificationItem
	err   error
}

func (q *fakeQueue) Enqueue(item *models.NotificationItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) all() []*models.NotificationItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.NotificationItem(nil), q.items...)
}

// postingsRepo overrides selected repository calls on top of a memory store
type postingsRepo struct {
	storage.JobPostingRepository

	getExpiring func(ctx context.Context, now time.Time, window time.Duration) ([]*models.JobPosting, error)
	getExpired  func(ctx context.Context, now time.Time) ([]*models.JobPosting, error)
	markExpired func(ctx context.Context, id string) (bool, error)
	calls       atomic.Int32
}

func (r *postingsRepo) GetExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]*models.JobPosting, error) {
	r.calls.Add(1)
	if r.getExpiring != nil {
		return r.getExpiring(ctx, now, window)
	}
	return r.JobPostingRepository.GetExpiringWithin(ctx, now, window)
}

func (r *postingsRepo) GetExpired(ctx context.Context, now time.Time) ([]*models.JobPosting, error) {
	if r.getExpired != nil {
		return r.getExpired(ctx, now)
	}
	return r.JobPostingRepository.GetExpired(ctx, now)
}

func (r *postingsRepo) MarkExpired(ctx context.Context, id string) (bool, error) {
	if r.markExpired != nil {
		return r.markExpired(ctx, id)
	}
	return r.JobPostingRepository.MarkExpired(ctx, id)
}

func testConfig() config.MaintenanceConfig {
	return config.MaintenanceConfig{
		Interval:         time.Hour,
		ExpiryLookAhead:  7 * 24 * time.Hour,
		CleanupRetention: 90 * 24 * time.Hour,
		BatchSize:        100,
	}
}

func newTestScheduler(t *testing.T, repo storage.JobPostingRepository, store *storage.MemoryStorage, q Enqueuer, cfg config.MaintenanceConfig) (*Scheduler, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	s, err := NewScheduler(repo, store, store, q, cfg, zap.New(core).Sugar())
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	return s, logs
}

func seed(t *testing.T, store *storage.MemoryStorage, p models.JobPosting) {
	t.Helper()
	require.NoError(t, store.CreatePosting(context.Background(), &p))
}

func TestScheduler_EnqueuesExpiryReminder(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	seed(t, store, models.JobPosting{ID: "j1", Title: "Welder", ContactEmail: "hr@acme.test", ExpiresAt: now.Add(5 * 24 * time.Hour), IsActive: true})
	seed(t, store, models.JobPosting{ID: "j2", Title: "No contact", ExpiresAt: now.Add(3 * 24 * time.Hour), IsActive: true})
	seed(t, store, models.JobPosting{ID: "j3", Title: "Far away", ContactEmail: "far@acme.test", ExpiresAt: now.Add(30 * 24 * time.Hour), IsActive: true})

	q := &fakeQueue{}
	s, _ := newTestScheduler(t, store, store, q, testConfig())

	report := s.RunOnce(context.Background())

	items := q.all()
	require.Len(t, items, 1)
	assert.Equal(t, "hr@acme.test", items[0].Recipient)
	assert.Equal(t, notify.TemplateJobExpiryReminder, items[0].TemplateID)
	assert.Equal(t, "Welder", items[0].Data["JobTitle"])
	assert.Equal(t, 5, items[0].Data["DaysUntilExpiry"])
	assert.Equal(t, 1, report.Reminded)
	assert.Empty(t, report.Failed)
}

func TestScheduler_MarksExpiredPostingsInactive(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	seed(t, store, models.JobPosting{ID: "old", Title: "Old", ExpiresAt: now.Add(-time.Hour), IsActive: true})

	s, _ := newTestScheduler(t, store, store, &fakeQueue{}, testConfig())
	report := s.RunOnce(context.Background())

	p, err := store.GetPosting(context.Background(), "old")
	require.NoError(t, err)
	assert.False(t, p.IsActive)
	assert.Equal(t, 1, report.Expired)
}

func TestScheduler_ToleratesMissingPosting(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	repo := &postingsRepo{
		JobPostingRepository: store,
		getExpired: func(context.Context, time.Time) ([]*models.JobPosting, error) {
			return []*models.JobPosting{{ID: "ghost", IsActive: true}}, nil
		},
	}

	s, logs := newTestScheduler(t, repo, store, &fakeQueue{}, testConfig())
	report := s.RunOnce(context.Background())

	assert.Equal(t, 1, report.Missing)
	assert.Zero(t, report.Expired)
	assert.Empty(t, report.Failed)
	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestScheduler_FailingPassDoesNotSkipOthers(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	seed(t, store, models.JobPosting{ID: "old", ExpiresAt: now.Add(-time.Hour), IsActive: true})
	require.NoError(t, store.CreateCompany(context.Background(), &models.Company{ID: "acme"}))

	repo := &postingsRepo{
		JobPostingRepository: store,
		getExpiring: func(context.Context, time.Time, time.Duration) ([]*models.JobPosting, error) {
			return nil, errors.New("store unavailable")
		},
	}

	s, logs := newTestScheduler(t, repo, store, &fakeQueue{}, testConfig())
	report := s.RunOnce(context.Background())

	assert.Equal(t, []string{PassExpiryReminders}, report.Failed)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.CompaniesRefreshed)

	failures := logs.FilterMessage("maintenance pass failed").All()
	require.Len(t, failures, 1)
	assert.Equal(t, zapcore.ErrorLevel, failures[0].Level)
	assert.Equal(t, PassExpiryReminders, failures[0].ContextMap()["pass"])
}

func TestScheduler_RecoversPanickingPass(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	repo := &postingsRepo{
		JobPostingRepository: store,
		markExpired: func(context.Context, string) (bool, error) {
			panic("driver bug")
		},
	}
	seed(t, store, models.JobPosting{ID: "old", ExpiresAt: now.Add(-time.Hour), IsActive: true})

	s, _ := newTestScheduler(t, repo, store, &fakeQueue{}, testConfig())

	var report Report
	require.NotPanics(t, func() { report = s.RunOnce(context.Background()) })
	assert.Equal(t, []string{PassExpirePostings}, report.Failed)
}

func TestScheduler_MarkExpiredErrorsFailThePass(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	repo := &postingsRepo{
		JobPostingRepository: store,
		markExpired: func(_ context.Context, id string) (bool, error) {
			if id == "bad" {
				return false, errors.New("write conflict")
			}
			return store.MarkExpired(context.Background(), id)
		},
	}
	seed(t, store, models.JobPosting{ID: "bad", ExpiresAt: now.Add(-2 * time.Hour), IsActive: true})
	seed(t, store, models.JobPosting{ID: "good", ExpiresAt: now.Add(-time.Hour), IsActive: true})

	s, _ := newTestScheduler(t, repo, store, &fakeQueue{}, testConfig())
	report := s.RunOnce(context.Background())

	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, []string{PassExpirePostings}, report.Failed)
}

func TestScheduler_CleanupUsesRetention(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	seed(t, store, models.JobPosting{ID: "ancient", ExpiresAt: now.Add(-120 * 24 * time.Hour), IsActive: false})
	seed(t, store, models.JobPosting{ID: "recent", ExpiresAt: now.Add(-10 * 24 * time.Hour), IsActive: false})

	s, _ := newTestScheduler(t, store, store, &fakeQueue{}, testConfig())
	report := s.RunOnce(context.Background())

	assert.Equal(t, 1, report.Cleaned)
	gone, err := store.GetPosting(context.Background(), "ancient")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestScheduler_CancelExitsWaitPromptly(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	repo := &postingsRepo{JobPostingRepository: store}

	s, _ := newTestScheduler(t, repo, store, &fakeQueue{}, testConfig())
	s.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not exit after cancel")
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, repo.calls.Load(), "no maintenance pass should have started")
}

func TestScheduler_StopExitsWaitPromptly(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	repo := &postingsRepo{JobPostingRepository: store}

	s, _ := newTestScheduler(t, repo, store, &fakeQueue{}, testConfig())
	s.now = time.Now
	s.Start(context.Background())

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Zero(t, repo.calls.Load())
}

func TestScheduler_TicksOnInterval(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	repo := &postingsRepo{JobPostingRepository: store}

	cfg := testConfig()
	cfg.Interval = 20 * time.Millisecond
	cfg.RunOnStart = true

	s, _ := newTestScheduler(t, repo, store, &fakeQueue{}, cfg)
	s.now = time.Now
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return repo.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestNewScheduler_Schedules(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	log := zap.NewNop().Sugar()

	cfg := testConfig()
	cfg.Schedule = "*/15 * * * *"
	s, err := NewScheduler(store, store, nil, &fakeQueue{}, cfg, log)
	require.NoError(t, err)
	next := s.schedule.Next(time.Date(2026, 1, 1, 10, 7, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC), next)

	cfg.Schedule = "not a cron"
	_, err = NewScheduler(store, store, nil, &fakeQueue{}, cfg, log)
	assert.Error(t, err)

	cfg.Schedule = ""
	cfg.Interval = 0
	_, err = NewScheduler(store, store, nil, &fakeQueue{}, cfg, log)
	assert.True(t, errors.Is(err, errors.ErrInvalidArgument))
}

func TestScheduler_ClosedQueueFailsReminderPass(t *testing.T) {
	store := storage.NewMemoryStorage(0)
	seed(t, store, models.JobPosting{ID: "j1", ContactEmail: "hr@acme.test", ExpiresAt: now.Add(24 * time.Hour), IsActive: true})

	q := &fakeQueue{err: errors.ErrClosed}
	s, _ := newTestScheduler(t, store, store, q, testConfig())
	report := s.RunOnce(context.Background())

	assert.Equal(t, []string{PassExpiryReminders}, report.Failed)
}

func newTestProcessor(q Enqueuer) (*Processor, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return NewProcessor(nil, q, zap.New(core).Sugar()), logs
}

func TestProcessor_EnqueuesDecodedItem(t *testing.T) {
	q := &fakeQueue{}
	p, _ := newTestProcessor(q)

	retryAt := now
	body, err := json.Marshal(models.NotificationItem{
		ID:          "n1",
		Recipient:   "user@example.com",
		Subject:     "Hi",
		Priority:    models.PriorityHigh,
		RetryCount:  2,
		NextRetryAt: &retryAt,
	})
	require.NoError(t, err)

	require.NoError(t, p.handleMessage(context.Background(), amqp091.Delivery{Body: body}))

	items := q.all()
	require.Len(t, items, 1)
	assert.Equal(t, "n1", items[0].ID)
	assert.Equal(t, models.PriorityHigh, items[0].Priority)
	assert.Zero(t, items[0].RetryCount)
	assert.Nil(t, items[0].NextRetryAt)
}

func TestProcessor_AcksMalformedBody(t *testing.T) {
	q := &fakeQueue{}
	p, logs := newTestProcessor(q)

	assert.NoError(t, p.handleMessage(context.Background(), amqp091.Delivery{Body: []byte("{not json")}))
	assert.NoError(t, p.handleMessage(context.Background(), amqp091.Delivery{Body: []byte(`{"subject":"no recipient"}`)}))

	assert.Empty(t, q.all())
	assert.Equal(t, 2, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

func TestProcessor_ClosedQueueRequeues(t *testing.T) {
	q := &fakeQueue{err: errors.ErrClosed}
	p, _ := newTestProcessor(q)

	err := p.handleMessage(context.Background(), amqp091.Delivery{Body: []byte(`{"recipient":"a@b.c"}`)})
	assert.True(t, errors.Is(err, errors.ErrClosed))
}
