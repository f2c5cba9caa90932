package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"jobnotifier/internal/config"
	"jobnotifier/internal/errors"
	"jobnotifier/internal/models"
)

// JobPostingRepository stores job postings. Getters return nil, nil for an
// unknown id; mutations report whether the record existed.
type JobPostingRepository interface {
	CreatePosting(ctx context.Context, posting *models.JobPosting) error
	GetPosting(ctx context.Context, id string) (*models.JobPosting, error)
	UpdatePosting(ctx context.Context, id string, updateFn func(*models.JobPosting)) error
	ListPostings(ctx context.Context) ([]*models.JobPosting, error)

	// GetExpiringWithin returns active postings with now < ExpiresAt <= now+window
	GetExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]*models.JobPosting, error)
	// GetExpired returns active postings with ExpiresAt <= now
	GetExpired(ctx context.Context, now time.Time) ([]*models.JobPosting, error)
	MarkExpired(ctx context.Context, id string) (bool, error)
	RecordApplication(ctx context.Context, id string) (bool, error)
}

type CompanyRepository interface {
	CreateCompany(ctx context.Context, company *models.Company) error
	GetCompany(ctx context.Context, id string) (*models.Company, error)
	ListCompanies(ctx context.Context, limit int) ([]*models.Company, error)
	// RefreshStatistics recomputes job and application counters from postings
	RefreshStatistics(ctx context.Context, id string) (bool, error)
	SetVerified(ctx context.Context, id string, verified bool) (*models.Company, error)
}

// DeadLetterStore keeps notifications dropped by the email queue
type DeadLetterStore interface {
	StoreDeadLetter(ctx context.Context, item models.NotificationItem, reason string) error
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)
}

// Cleaner removes inactive postings that expired before cutoff and dead
// letters dropped before cutoff, returning how many records were removed.
type Cleaner interface {
	Cleanup(ctx context.Context, cutoff time.Time) (int, error)
}

// Store is everything the service persists
type Store interface {
	JobPostingRepository
	CompanyRepository
	DeadLetterStore
	Cleaner
}

// Open returns the store selected by cfg.Driver
func Open(ctx context.Context, cfg config.StorageConfig, log *zap.SugaredLogger) (Store, error) {
	switch cfg.Driver {
	case config.StorageMemory, "":
		log.Infow("using in-memory storage")
		return NewMemoryStorage(cfg.DeadLetterLimit), nil
	case config.StorageRedis:
		return NewRedisStorage(ctx, cfg, log)
	}
	return nil, errors.Wrapf(errors.ErrInvalidArgument, "unknown storage driver %q", cfg.Driver)
}

func isExpiringWithin(p *models.JobPosting, now time.Time, window time.Duration) bool {
	return p.IsActive && p.ExpiresAt.After(now) && !p.ExpiresAt.After(now.Add(window))
}

func isExpired(p *models.JobPosting, now time.Time) bool {
	return p.IsActive && !p.ExpiresAt.After(now)
}

func isStale(p *models.JobPosting, cutoff time.Time) bool {
	return !p.IsActive && p.ExpiresAt.Before(cutoff)
}

func applyStatistics(c *models.Company, postings []*models.JobPosting, now time.Time) {
	c.JobCount, c.ActiveJobCount, c.ApplicationCount = 0, 0, 0
	for _, p := range postings {
		if p.CompanyID != c.ID {
			continue
		}
		c.JobCount++
		if p.IsActive {
			c.ActiveJobCount++
		}
		c.ApplicationCount += p.ApplicationCount
	}
	c.StatsUpdatedAt = &now
}
