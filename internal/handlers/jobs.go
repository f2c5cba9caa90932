package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobnotifier/internal/models"
	"jobnotifier/internal/notify"
	"jobnotifier/internal/storage"
)

type JobHandler struct {
	postings  storage.JobPostingRepository
	companies storage.CompanyRepository
	queue     NotificationQueue
	log       *zap.SugaredLogger
}

func NewJobHandler(postings storage.JobPostingRepository, companies storage.CompanyRepository, q NotificationQueue, log *zap.SugaredLogger) *JobHandler {
	return &JobHandler{
		postings:  postings,
		companies: companies,
		queue:     q,
		log:       log,
	}
}

func (h *JobHandler) CreatePosting(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req models.CreateJobPostingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "Title is required", http.StatusBadRequest)
		return
	}
	if req.ExpiresAt.IsZero() {
		http.Error(w, "expires_at is required", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	posting := &models.JobPosting{
		ID:           uuid.NewString(),
		Title:        req.Title,
		CompanyID:    req.CompanyID,
		CompanyName:  req.CompanyName,
		ContactEmail: req.ContactEmail,
		ContactPhone: req.ContactPhone,
		Location:     req.Location,
		PostedAt:     now,
		ExpiresAt:    req.ExpiresAt,
		IsActive:     req.ExpiresAt.After(now),
		UpdatedAt:    now,
	}

	if req.CompanyID != "" {
		company, err := h.companies.GetCompany(ctx, req.CompanyID)
		if err != nil {
			h.log.Errorw("failed to get company", "company_id", req.CompanyID, "error", err)
			http.Error(w, "Failed to get company", http.StatusInternalServerError)
			return
		}
		if company == nil {
			http.Error(w, "Company not found", http.StatusBadRequest)
			return
		}
		if posting.CompanyName == "" {
			posting.CompanyName = company.Name
		}
		if posting.ContactEmail == "" {
			posting.ContactEmail = company.Email
		}
	}

	if err := h.postings.CreatePosting(ctx, posting); err != nil {
		h.log.Errorw("failed to create posting", "error", err)
		http.Error(w, "Failed to create job posting", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, posting)
}

func (h *JobHandler) ListPostings(w http.ResponseWriter, r *http.Request) {
	postings, err := h.postings.ListPostings(r.Context())
	if err != nil {
		h.log.Errorw("failed to list postings", "error", err)
		http.Error(w, "Failed to get job postings", http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("active") == "true" {
		active := postings[:0]
		for _, p := range postings {
			if p.IsActive {
				active = append(active, p)
			}
		}
		postings = active
	}

	writeJSON(w, http.StatusOK, postings)
}

func (h *JobHandler) GetPosting(w http.ResponseWriter, r *http.Request) {
	posting, ok := h.loadPosting(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, posting)
}

// Apply records an application and queues the applicant's confirmation.
func (h *JobHandler) Apply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req models.JobApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if !strings.Contains(req.ApplicantEmail, "@") {
		http.Error(w, "A valid applicant_email is required", http.StatusBadRequest)
		return
	}

	posting, ok := h.loadPosting(w, r)
	if !ok {
		return
	}
	if !posting.IsActive {
		http.Error(w, "Job posting is no longer active", http.StatusConflict)
		return
	}

	found, err := h.postings.RecordApplication(ctx, posting.ID)
	if err != nil {
		h.log.Errorw("failed to record application", "posting_id", posting.ID, "error", err)
		http.Error(w, "Failed to record application", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "Job posting not found", http.StatusNotFound)
		return
	}

	item := notify.JobApplicationConfirmation(*posting, req.ApplicantEmail, req.ApplicantName, time.Now())
	if !enqueue(w, h.queue, h.log, item) {
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"posting_id":      posting.ID,
		"notification_id": item.ID,
	})
}

func (h *JobHandler) loadPosting(w http.ResponseWriter, r *http.Request) (*models.JobPosting, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "ID is required", http.StatusBadRequest)
		return nil, false
	}

	posting, err := h.postings.GetPosting(r.Context(), id)
	if err != nil {
		h.log.Errorw("failed to get posting", "posting_id", id, "error", err)
		http.Error(w, "Failed to get job posting", http.StatusInternalServerError)
		return nil, false
	}
	if posting == nil {
		http.Error(w, "Job posting not found", http.StatusNotFound)
		return nil, false
	}
	return posting, true
}
