package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"jobnotifier/internal/storage"
)

type RouterConfig struct {
	Queue          NotificationQueue
	Store          storage.Store
	Log            *zap.SugaredLogger
	RequestTimeout time.Duration
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log.Named("http")

	notifyHandler := NewNotifyHandler(cfg.Queue, cfg.Store, log)
	jobHandler := NewJobHandler(cfg.Store, cfg.Store, cfg.Queue, log)
	companyHandler := NewCompanyHandler(cfg.Store, cfg.Queue, log)
	consultationHandler := NewConsultationHandler(cfg.Queue, log)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  zap.NewStdLog(log.Desugar()),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Route("/api/notifications", func(r chi.Router) {
		r.Post("/", notifyHandler.CreateNotification)
		r.Post("/newsletter", notifyHandler.SendNewsletter)
		r.Get("/stats", notifyHandler.GetStats)
		r.Get("/dead-letters", notifyHandler.GetDeadLetters)
	})

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", jobHandler.CreatePosting)
		r.Get("/", jobHandler.ListPostings)
		r.Get("/{id}", jobHandler.GetPosting)
		r.Post("/{id}/applications", jobHandler.Apply)
	})

	r.Route("/api/companies", func(r chi.Router) {
		r.Post("/", companyHandler.CreateCompany)
		r.Get("/", companyHandler.ListCompanies)
		r.Post("/{id}/verification", companyHandler.SetVerification)
	})

	r.Post("/api/consultations", consultationHandler.RequestConsultation)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return r
}
