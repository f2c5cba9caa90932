package storage

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	wbfredis "github.com/wb-go/wbf/redis"
	wbfretry "github.com/wb-go/wbf/retry"
	"go.uber.org/zap"

	"jobnotifier/internal/config"
	"jobnotifier/internal/errors"
	"jobnotifier/internal/models"
)

const (
	keyPostingPrefix  = "posting:"
	keyPostingsAll    = "postings:all"
	keyPostingsExpiry = "postings:expiry"
	keyCompanyPrefix  = "company:"
	keyCompaniesAll   = "companies:all"
	keyDeadLetters    = "notifications:dead"
)

// maxWatchAttempts bounds optimistic transaction retries on a contended key
const maxWatchAttempts = 25

var redisRetry = wbfretry.Strategy{
	Attempts: 3,
	Delay:    100 * time.Millisecond,
	Backoff:  2,
}

type RedisStorage struct {
	client          *redis.Client
	log             *zap.SugaredLogger
	deadLetterLimit int
	now             func() time.Time
}

func NewRedisStorage(ctx context.Context, cfg config.StorageConfig, log *zap.SugaredLogger) (*RedisStorage, error) {
	wbfClient := wbfredis.New(cfg.RedisURL, "", 0)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connectStrategy := wbfretry.Strategy{
		Attempts: 5,
		Delay:    1 * time.Second,
		Backoff:  2,
	}

	err := wbfretry.DoContext(ctx, connectStrategy, func() error {
		return wbfClient.Ping(ctx)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to Redis at %s", cfg.RedisURL)
	}

	log = log.Named("storage.redis")
	log.Infow("connected to Redis", "addr", cfg.RedisURL)

	return &RedisStorage{
		client:          wbfClient.Client,
		log:             log,
		deadLetterLimit: cfg.DeadLetterLimit,
		now:             time.Now,
	}, nil
}

func (s *RedisStorage) do(ctx context.Context, fn func() error) error {
	return wbfretry.DoContext(ctx, redisRetry, fn)
}

// watch runs fn in a WATCH transaction on key and reruns it while another
// writer changes the key first.
func (s *RedisStorage) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchAttempts; i++ {
		err := s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		s.log.Debugw("concurrent write detected, retrying transaction", "key", key, "attempt", i+1)
	}
	return errors.Newf("key %s kept changing during %d transaction attempts", key, maxWatchAttempts)
}

func companyPostingsKey(companyID string) string {
	return keyCompanyPrefix + companyID + ":postings"
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func scoreString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func writePosting(ctx context.Context, pipe redis.Pipeliner, posting *models.JobPosting, data []byte) {
	pipe.Set(ctx, keyPostingPrefix+posting.ID, data, 0)
	pipe.SAdd(ctx, keyPostingsAll, posting.ID)
	if posting.CompanyID != "" {
		pipe.SAdd(ctx, companyPostingsKey(posting.CompanyID), posting.ID)
	}
	if posting.IsActive {
		pipe.ZAdd(ctx, keyPostingsExpiry, &redis.Z{Score: score(posting.ExpiresAt), Member: posting.ID})
	} else {
		pipe.ZRem(ctx, keyPostingsExpiry, posting.ID)
	}
}

func (s *RedisStorage) savePosting(ctx context.Context, posting *models.JobPosting) error {
	data, err := json.Marshal(posting)
	if err != nil {
		return errors.Wrap(err, "failed to marshal posting")
	}

	return s.do(ctx, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writePosting(ctx, pipe, posting, data)
			return nil
		})
		return err
	})
}

func (s *RedisStorage) CreatePosting(ctx context.Context, posting *models.JobPosting) error {
	if err := s.savePosting(ctx, posting); err != nil {
		return errors.Wrapf(err, "failed to store posting %s", posting.ID)
	}
	return nil
}

func (s *RedisStorage) GetPosting(ctx context.Context, id string) (*models.JobPosting, error) {
	var posting *models.JobPosting
	if err := s.getJSON(ctx, keyPostingPrefix+id, &posting); err != nil {
		return nil, errors.Wrapf(err, "failed to get posting %s", id)
	}
	return posting, nil
}

// getJSON leaves *dst nil when the key does not exist
func (s *RedisStorage) getJSON(ctx context.Context, key string, dst any) error {
	var data []byte
	err := s.do(ctx, func() error {
		result, getErr := s.client.Get(ctx, key).Bytes()
		if getErr != nil && getErr != redis.Nil {
			return getErr
		}
		data = result
		return nil
	})
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// UpdatePosting applies updateFn inside a WATCH transaction, so a concurrent
// writer to the same posting makes it reread and reapply instead of being
// overwritten. updateFn may run more than once.
func (s *RedisStorage) UpdatePosting(ctx context.Context, id string, updateFn func(*models.JobPosting)) error {
	key := keyPostingPrefix + id
	missing := false

	err := s.do(ctx, func() error {
		missing = false
		return s.watch(ctx, key, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				missing = true
				return nil
			}
			if err != nil {
				return err
			}

			var posting models.JobPosting
			if err := json.Unmarshal(raw, &posting); err != nil {
				return errors.Wrap(err, "failed to unmarshal posting")
			}
			updateFn(&posting)
			posting.UpdatedAt = s.now()

			data, err := json.Marshal(&posting)
			if err != nil {
				return errors.Wrap(err, "failed to marshal posting")
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				writePosting(ctx, pipe, &posting, data)
				return nil
			})
			return err
		})
	})
	if err != nil {
		return errors.Wrapf(err, "failed to update posting %s", id)
	}
	if missing {
		return errors.Wrapf(errors.ErrNotFound, "posting %s", id)
	}
	return nil
}

func (s *RedisStorage) loadPostings(ctx context.Context, ids []string) []*models.JobPosting {
	postings := make([]*models.JobPosting, 0, len(ids))
	for _, id := range ids {
		posting, err := s.GetPosting(ctx, id)
		if err != nil {
			s.log.Warnw("skipping unreadable posting", "id", id, "error", err)
			continue
		}
		if posting != nil {
			postings = append(postings, posting)
		}
	}
	return postings
}

func (s *RedisStorage) members(ctx context.Context, key string) ([]string, error) {
	var ids []string
	err := s.do(ctx, func() error {
		var err error
		ids, err = s.client.SMembers(ctx, key).Result()
		return err
	})
	return ids, err
}

func (s *RedisStorage) ListPostings(ctx context.Context) ([]*models.JobPosting, error) {
	ids, err := s.members(ctx, keyPostingsAll)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get posting ids")
	}
	return s.loadPostings(ctx, ids), nil
}

func (s *RedisStorage) postingsByExpiry(ctx context.Context, lo, hi string, keep func(*models.JobPosting) bool) ([]*models.JobPosting, error) {
	var ids []string
	err := s.do(ctx, func() error {
		var err error
		ids, err = s.client.ZRangeByScore(ctx, keyPostingsExpiry, &redis.ZRangeBy{Min: lo, Max: hi}).Result()
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to query posting expiry index")
	}

	all := s.loadPostings(ctx, ids)
	postings := all[:0]
	for _, p := range all {
		if keep(p) {
			postings = append(postings, p)
		}
	}
	return postings, nil
}

func (s *RedisStorage) GetExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]*models.JobPosting, error) {
	return s.postingsByExpiry(ctx, "("+scoreString(now), scoreString(now.Add(window)), func(p *models.JobPosting) bool {
		return isExpiringWithin(p, now, window)
	})
}

func (s *RedisStorage) GetExpired(ctx context.Context, now time.Time) ([]*models.JobPosting, error) {
	return s.postingsByExpiry(ctx, "-inf", scoreString(now), func(p *models.JobPosting) bool {
		return isExpired(p, now)
	})
}

func (s *RedisStorage) MarkExpired(ctx context.Context, id string) (bool, error) {
	err := s.UpdatePosting(ctx, id, func(p *models.JobPosting) { p.IsActive = false })
	if errors.IsNotFound(err) {
		// Another writer removed it; drop the index entry too
		if err := s.do(ctx, func() error { return s.client.ZRem(ctx, keyPostingsExpiry, id).Err() }); err != nil {
			s.log.Warnw("failed to remove missing posting from expiry index", "id", id, "error", err)
		}
		return false, nil
	}
	return err == nil, err
}

func (s *RedisStorage) RecordApplication(ctx context.Context, id string) (bool, error) {
	err := s.UpdatePosting(ctx, id, func(p *models.JobPosting) { p.ApplicationCount++ })
	if errors.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *RedisStorage) saveCompany(ctx context.Context, company *models.Company) error {
	data, err := json.Marshal(company)
	if err != nil {
		return errors.Wrap(err, "failed to marshal company")
	}

	return s.do(ctx, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, keyCompanyPrefix+company.ID, data, 0)
			pipe.SAdd(ctx, keyCompaniesAll, company.ID)
			return nil
		})
		return err
	})
}

// updateCompany is the company counterpart of UpdatePosting. It returns nil
// when the company does not exist; updateFn may run more than once.
func (s *RedisStorage) updateCompany(ctx context.Context, id string, updateFn func(*models.Company) error) (*models.Company, error) {
	key := keyCompanyPrefix + id
	var updated *models.Company

	err := s.do(ctx, func() error {
		updated = nil
		return s.watch(ctx, key, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return nil
			}
			if err != nil {
				return err
			}

			var company models.Company
			if err := json.Unmarshal(raw, &company); err != nil {
				return errors.Wrap(err, "failed to unmarshal company")
			}
			if err := updateFn(&company); err != nil {
				return err
			}

			data, err := json.Marshal(&company)
			if err != nil {
				return errors.Wrap(err, "failed to marshal company")
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.SAdd(ctx, keyCompaniesAll, company.ID)
				return nil
			})
			if err == nil {
				updated = &company
			}
			return err
		})
	})
	return updated, err
}

func (s *RedisStorage) CreateCompany(ctx context.Context, company *models.Company) error {
	if err := s.saveCompany(ctx, company); err != nil {
		return errors.Wrapf(err, "failed to store company %s", company.ID)
	}
	return nil
}

func (s *RedisStorage) GetCompany(ctx context.Context, id string) (*models.Company, error) {
	var company *models.Company
	if err := s.getJSON(ctx, keyCompanyPrefix+id, &company); err != nil {
		return nil, errors.Wrapf(err, "failed to get company %s", id)
	}
	return company, nil
}

func (s *RedisStorage) ListCompanies(ctx context.Context, limit int) ([]*models.Company, error) {
	ids, err := s.members(ctx, keyCompaniesAll)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get company ids")
	}

	companies := make([]*models.Company, 0, len(ids))
	for _, id := range ids {
		company, err := s.GetCompany(ctx, id)
		if err != nil {
			s.log.Warnw("skipping unreadable company", "id", id, "error", err)
			continue
		}
		if company != nil {
			companies = append(companies, company)
		}
	}

	sortCompanies(companies)
	if limit > 0 && len(companies) > limit {
		companies = companies[:limit]
	}
	return companies, nil
}

func (s *RedisStorage) RefreshStatistics(ctx context.Context, id string) (bool, error) {
	company, err := s.updateCompany(ctx, id, func(c *models.Company) error {
		ids, err := s.members(ctx, companyPostingsKey(id))
		if err != nil {
			return errors.Wrapf(err, "failed to get postings of company %s", id)
		}
		applyStatistics(c, s.loadPostings(ctx, ids), s.now())
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "failed to store statistics of company %s", id)
	}
	return company != nil, nil
}

func (s *RedisStorage) SetVerified(ctx context.Context, id string, verified bool) (*models.Company, error) {
	company, err := s.updateCompany(ctx, id, func(c *models.Company) error {
		c.IsVerified = verified
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to update company %s", id)
	}
	if company == nil {
		return nil, errors.Wrapf(errors.ErrNotFound, "company %s", id)
	}
	return company, nil
}

func (s *RedisStorage) StoreDeadLetter(ctx context.Context, item models.NotificationItem, reason string) error {
	dl := models.DeadLetter{Item: item, Reason: reason, DroppedAt: s.now()}
	data, err := json.Marshal(dl)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dead letter")
	}

	return s.do(ctx, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZAdd(ctx, keyDeadLetters, &redis.Z{Score: score(dl.DroppedAt), Member: data})
			if s.deadLetterLimit > 0 {
				pipe.ZRemRangeByRank(ctx, keyDeadLetters, 0, int64(-s.deadLetterLimit-1))
			}
			return nil
		})
		return err
	})
}

// ListDeadLetters returns the newest dead letters first
func (s *RedisStorage) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	var raw []string
	err := s.do(ctx, func() error {
		var err error
		raw, err = s.client.ZRevRange(ctx, keyDeadLetters, 0, stop).Result()
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead letters")
	}

	letters := make([]models.DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl models.DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			s.log.Warnw("skipping unreadable dead letter", "error", err)
			continue
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

func (s *RedisStorage) Cleanup(ctx context.Context, cutoff time.Time) (int, error) {
	postings, err := s.ListPostings(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, p := range postings {
		if !isStale(p, cutoff) {
			continue
		}
		err := s.do(ctx, func() error {
			_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, keyPostingPrefix+p.ID)
				pipe.SRem(ctx, keyPostingsAll, p.ID)
				pipe.ZRem(ctx, keyPostingsExpiry, p.ID)
				if p.CompanyID != "" {
					pipe.SRem(ctx, companyPostingsKey(p.CompanyID), p.ID)
				}
				return nil
			})
			return err
		})
		if err != nil {
			return removed, errors.Wrapf(err, "failed to delete posting %s", p.ID)
		}
		removed++
	}

	var n int64
	err = s.do(ctx, func() error {
		var err error
		n, err = s.client.ZRemRangeByScore(ctx, keyDeadLetters, "-inf", "("+scoreString(cutoff)).Result()
		return err
	})
	if err != nil {
		return removed, errors.Wrap(err, "failed to remove old dead letters")
	}
	return removed + int(n), nil
}
