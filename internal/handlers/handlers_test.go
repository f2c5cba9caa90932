package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"jobnotifier/internal/errors"
	"jobnotifier/internal/models"
	"jobnotifier/internal/notify"
	"jobnotifier/internal/queue"
	"jobnotifier/internal/storage"
)

type fakeQueue struct {
	mu     sync.Mutex
	items  []*models.NotificationItem
	closed bool
}

func (q *fakeQueue) Enqueue(item *models.NotificationItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.Wrap(errors.ErrClosed, "closed")
	}
	if item.ID == "" {
		item.ID = "generated-id"
	}
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Stats() queue.Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{Enqueued: int64(len(q.items)), Pending: len(q.items)}
}

type testServer struct {
	handler http.Handler
	store   *storage.MemoryStorage
	queue   *fakeQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := storage.NewMemoryStorage(10)
	q := &fakeQueue{}
	return &testServer{
		handler: NewRouter(RouterConfig{Queue: q, Store: store, Log: zap.NewNop().Sugar(), RequestTimeout: 5 * time.Second}),
		store:   store,
		queue:   q,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestCreateNotification(t *testing.T) {
	tests := []struct {
		name string
		body any
		want int
	}{
		{"valid", models.CreateNotificationRequest{Recipient: "a@b.c", Subject: "Hi", Message: "Hello", Priority: models.PriorityHigh}, http.StatusAccepted},
		{"template only", models.CreateNotificationRequest{Recipient: "a@b.c", TemplateID: notify.TemplateNewsletter}, http.StatusAccepted},
		{"missing recipient", models.CreateNotificationRequest{Message: "Hello"}, http.StatusBadRequest},
		{"missing content", models.CreateNotificationRequest{Recipient: "a@b.c"}, http.StatusBadRequest},
		{"bad channel", models.CreateNotificationRequest{Recipient: "a@b.c", Message: "x", Channel: "pigeon"}, http.StatusBadRequest},
		{"bad json", "not an object", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t)
			rec := s.do(t, http.MethodPost, "/api/notifications", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.want == http.StatusAccepted {
				assert.Len(t, s.queue.items, 1)
				assert.Equal(t, "generated-id", decode[map[string]string](t, rec)["id"])
			} else {
				assert.Empty(t, s.queue.items)
			}
		})
	}
}

func TestCreateNotification_QueueClosed(t *testing.T) {
	s := newTestServer(t)
	s.queue.closed = true

	rec := s.do(t, http.MethodPost, "/api/notifications", models.CreateNotificationRequest{Recipient: "a@b.c", Message: "x"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewsletter(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/notifications/newsletter", models.NewsletterRequest{
		Subject:    "June",
		Content:    "<p>news</p>",
		Recipients: []string{"a@b.c", " ", "d@e.f"},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 2, decode[map[string]int](t, rec)["queued"])
	for _, item := range s.queue.items {
		assert.Equal(t, models.PriorityLow, item.Priority)
	}
}

func TestStatsAndDeadLetters(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.StoreDeadLetter(context.Background(), models.NotificationItem{ID: "dead-1"}, "bounced"))

	rec := s.do(t, http.MethodGet, "/api/notifications/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[queue.Stats](t, rec).Enqueued)

	rec = s.do(t, http.MethodGet, "/api/notifications/dead-letters?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	letters := decode[[]models.DeadLetter](t, rec)
	require.Len(t, letters, 1)
	assert.Equal(t, "dead-1", letters[0].Item.ID)
	assert.Equal(t, "bounced", letters[0].Reason)

	rec = s.do(t, http.MethodGet, "/api/notifications/dead-letters?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobPostingLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/companies", models.CreateCompanyRequest{Name: "Acme", Email: "hr@acme.test"})
	require.Equal(t, http.StatusCreated, rec.Code)
	company := decode[models.Company](t, rec)

	rec = s.do(t, http.MethodPost, "/api/jobs", models.CreateJobPostingRequest{
		Title:     "Welder",
		CompanyID: company.ID,
		ExpiresAt: time.Now().Add(10 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	posting := decode[models.JobPosting](t, rec)
	assert.True(t, posting.IsActive)
	assert.Equal(t, "Acme", posting.CompanyName)
	assert.Equal(t, "hr@acme.test", posting.ContactEmail)

	rec = s.do(t, http.MethodGet, "/api/jobs/"+posting.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Welder", decode[models.JobPosting](t, rec).Title)

	rec = s.do(t, http.MethodPost, "/api/jobs/"+posting.ID+"/applications", models.JobApplicationRequest{
		ApplicantName:  "Ana",
		ApplicantEmail: "ana@example.com",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, s.queue.items, 1)
	item := s.queue.items[0]
	assert.Equal(t, "ana@example.com", item.Recipient)
	assert.Equal(t, notify.TemplateJobApplication, item.TemplateID)
	assert.Equal(t, models.PriorityHigh, item.Priority)

	stored, err := s.store.GetPosting(context.Background(), posting.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ApplicationCount)

	rec = s.do(t, http.MethodGet, "/api/jobs?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.JobPosting](t, rec), 1)
}

func TestCreatePosting_Validation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/jobs", models.CreateJobPostingRequest{ExpiresAt: time.Now().Add(time.Hour)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/jobs", models.CreateJobPostingRequest{Title: "No expiry"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/jobs", models.CreateJobPostingRequest{Title: "x", CompanyID: "ghost", ExpiresAt: time.Now().Add(time.Hour)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApply_Errors(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.CreatePosting(ctx, &models.JobPosting{ID: "closed", Title: "Closed", ExpiresAt: time.Now().Add(-time.Hour)}))

	apply := models.JobApplicationRequest{ApplicantName: "Bo", ApplicantEmail: "bo@example.com"}

	rec := s.do(t, http.MethodPost, "/api/jobs/missing/applications", apply)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/jobs/closed/applications", apply)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/jobs/closed/applications", models.JobApplicationRequest{ApplicantEmail: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, s.queue.items)
}

func TestCompanyVerification(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.CreateCompany(ctx, &models.Company{ID: "acme", Name: "Acme", Email: "ops@acme.test"}))
	require.NoError(t, s.store.CreateCompany(ctx, &models.Company{ID: "silent", Name: "Silent"}))

	rec := s.do(t, http.MethodPost, "/api/companies/acme/verification", models.CompanyVerificationRequest{Verified: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[models.Company](t, rec).IsVerified)

	require.Len(t, s.queue.items, 1)
	assert.Equal(t, notify.TemplateCompanyVerified, s.queue.items[0].TemplateID)
	assert.Equal(t, "ops@acme.test", s.queue.items[0].Recipient)

	rec = s.do(t, http.MethodPost, "/api/companies/silent/verification", models.CompanyVerificationRequest{Verified: false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, s.queue.items, 1)

	rec = s.do(t, http.MethodPost, "/api/companies/ghost/verification", models.CompanyVerificationRequest{Verified: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListCompanies(t *testing.T) {
	s := newTestServer(t)
	for _, name := range []string{"A", "B", "C"} {
		rec := s.do(t, http.MethodPost, "/api/companies", models.CreateCompanyRequest{Name: name})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := s.do(t, http.MethodGet, "/api/companies?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Company](t, rec), 2)

	rec = s.do(t, http.MethodPost, "/api/companies", models.CreateCompanyRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsultation(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/consultations", models.ConsultationRequest{
		ClientName:  "Bo",
		ClientEmail: "bo@example.com",
		Topic:       "work visas",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode[map[string]string](t, rec)
	assert.NotEmpty(t, body["consultation_id"])

	require.Len(t, s.queue.items, 1)
	item := s.queue.items[0]
	assert.Equal(t, notify.TemplateConsultationConfirmation, item.TemplateID)
	assert.Equal(t, body["consultation_id"], item.Data["ConsultationId"])

	rec = s.do(t, http.MethodPost, "/api/consultations", models.ConsultationRequest{ClientName: "Bo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
