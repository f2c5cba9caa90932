package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobnotifier/internal/errors"
	"jobnotifier/internal/models"
)

type MemoryStorage struct {
	mu              sync.RWMutex
	postings        map[string]*models.JobPosting
	companies       map[string]*models.Company
	deadLetters     []models.DeadLetter
	deadLetterLimit int
	now             func() time.Time
}

func NewMemoryStorage(deadLetterLimit int) *MemoryStorage {
	return &MemoryStorage{
		postings:        make(map[string]*models.JobPosting),
		companies:       make(map[string]*models.Company),
		deadLetterLimit: deadLetterLimit,
		now:             time.Now,
	}
}

func (s *MemoryStorage) CreatePosting(ctx context.Context, posting *models.JobPosting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *posting
	s.postings[posting.ID] = &cp
	return nil
}

func (s *MemoryStorage) GetPosting(ctx context.Context, id string) (*models.JobPosting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	posting, exists := s.postings[id]
	if !exists {
		return nil, nil
	}
	cp := *posting
	return &cp, nil
}

func (s *MemoryStorage) UpdatePosting(ctx context.Context, id string, updateFn func(*models.JobPosting)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	posting, exists := s.postings[id]
	if !exists {
		return errors.Wrapf(errors.ErrNotFound, "posting %s", id)
	}

	updateFn(posting)
	posting.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStorage) ListPostings(ctx context.Context) ([]*models.JobPosting, error) {
	return s.filterPostings(func(*models.JobPosting) bool { return true }), nil
}

func (s *MemoryStorage) GetExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]*models.JobPosting, error) {
	return s.filterPostings(func(p *models.JobPosting) bool { return isExpiringWithin(p, now, window) }), nil
}

func (s *MemoryStorage) GetExpired(ctx context.Context, now time.Time) ([]*models.JobPosting, error) {
	return s.filterPostings(func(p *models.JobPosting) bool { return isExpired(p, now) }), nil
}

func (s *MemoryStorage) filterPostings(keep func(*models.JobPosting) bool) []*models.JobPosting {
	s.mu.RLock()
	defer s.mu.RUnlock()

	postings := make([]*models.JobPosting, 0, len(s.postings))
	for _, p := range s.postings {
		if keep(p) {
			cp := *p
			postings = append(postings, &cp)
		}
	}
	sort.Slice(postings, func(i, j int) bool { return postings[i].ExpiresAt.Before(postings[j].ExpiresAt) })
	return postings
}

func (s *MemoryStorage) MarkExpired(ctx context.Context, id string) (bool, error) {
	err := s.UpdatePosting(ctx, id, func(p *models.JobPosting) { p.IsActive = false })
	if errors.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *MemoryStorage) RecordApplication(ctx context.Context, id string) (bool, error) {
	err := s.UpdatePosting(ctx, id, func(p *models.JobPosting) { p.ApplicationCount++ })
	if errors.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *MemoryStorage) CreateCompany(ctx context.Context, company *models.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *company
	s.companies[company.ID] = &cp
	return nil
}

func (s *MemoryStorage) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	company, exists := s.companies[id]
	if !exists {
		return nil, nil
	}
	cp := *company
	return &cp, nil
}

func (s *MemoryStorage) ListCompanies(ctx context.Context, limit int) ([]*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	companies := make([]*models.Company, 0, len(s.companies))
	for _, c := range s.companies {
		cp := *c
		companies = append(companies, &cp)
	}
	sortCompanies(companies)
	if limit > 0 && len(companies) > limit {
		companies = companies[:limit]
	}
	return companies, nil
}

func (s *MemoryStorage) RefreshStatistics(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	company, exists := s.companies[id]
	if !exists {
		return false, nil
	}

	postings := make([]*models.JobPosting, 0, len(s.postings))
	for _, p := range s.postings {
		postings = append(postings, p)
	}
	applyStatistics(company, postings, s.now())
	return true, nil
}

func (s *MemoryStorage) SetVerified(ctx context.Context, id string, verified bool) (*models.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	company, exists := s.companies[id]
	if !exists {
		return nil, errors.Wrapf(errors.ErrNotFound, "company %s", id)
	}
	company.IsVerified = verified
	cp := *company
	return &cp, nil
}

func (s *MemoryStorage) StoreDeadLetter(ctx context.Context, item models.NotificationItem, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadLetters = append(s.deadLetters, models.DeadLetter{Item: item, Reason: reason, DroppedAt: s.now()})
	if s.deadLetterLimit > 0 && len(s.deadLetters) > s.deadLetterLimit {
		s.deadLetters = append([]models.DeadLetter(nil), s.deadLetters[len(s.deadLetters)-s.deadLetterLimit:]...)
	}
	return nil
}

// ListDeadLetters returns the newest dead letters first
func (s *MemoryStorage) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.deadLetters)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.DeadLetter, 0, n)
	for i := len(s.deadLetters) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.deadLetters[i])
	}
	return out, nil
}

func (s *MemoryStorage) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.postings {
		if isStale(p, cutoff) {
			delete(s.postings, id)
			removed++
		}
	}

	kept := s.deadLetters[:0]
	for _, dl := range s.deadLetters {
		if dl.DroppedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, dl)
	}
	s.deadLetters = kept

	return removed, nil
}

func sortCompanies(companies []*models.Company) {
	sort.Slice(companies, func(i, j int) bool {
		if !companies[i].CreatedAt.Equal(companies[j].CreatedAt) {
			return companies[i].CreatedAt.Before(companies[j].CreatedAt)
		}
		return companies[i].ID < companies[j].ID
	})
}
