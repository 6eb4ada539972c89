// Package progress buffers a student's in-progress answers between server
// round-trips so a reload or navigation does not lose them. It is never the
// source of truth: the session row's question order and start time win.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exam-session-backend/internal/config"
)

// ErrNotFound is returned by Load when no entry is buffered.
var ErrNotFound = errors.New("no saved progress")

// Entry is one buffered snapshot of a student's exam.
type Entry struct {
	ExamID       string            `json:"examId"`
	Answers      map[string]string `json:"answers"`
	CurrentIndex int               `json:"currentIndex"`
	SavedAt      time.Time         `json:"savedAt"`
}

// Resumable reports whether the entry holds at least one non-empty answer.
func Resumable(e *Entry) bool {
	if e == nil {
		return false
	}
	for _, v := range e.Answers {
		if v != "" {
			return true
		}
	}
	return false
}

// Merge keeps only the entry's answers whose question is still in questionIDs.
func Merge(e *Entry, questionIDs []uuid.UUID) map[string]string {
	merged := make(map[string]string)
	if e == nil {
		return merged
	}
	for _, id := range questionIDs {
		if v := e.Answers[id.String()]; v != "" {
			merged[id.String()] = v
		}
	}
	return merged
}

// Store persists entries.
type Store interface {
	Save(ctx context.Context, studentID int, e *Entry) error
	Load(ctx context.Context, examID string, studentID int) (*Entry, error)
	Delete(ctx context.Context, examID string, studentID int) error
}

// RedisStore keeps each entry as a JSON string with a TTL.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Save(ctx context.Context, studentID int, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return s.rdb.Set(ctx, config.CacheKey.StudentProgressKey(e.ExamID, studentID), raw, s.ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context, examID string, studentID int) (*Entry, error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.StudentProgressKey(examID, studentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) Delete(ctx context.Context, examID string, studentID int) error {
	return s.rdb.Del(ctx, config.CacheKey.StudentProgressKey(examID, studentID)).Err()
}

type pendingKey struct {
	examID    string
	studentID int
}

type pendingWrite struct {
	entry *Entry
	timer *time.Timer
}

// Cache coalesces rapid Put calls for the same student and exam into one
// store write after the debounce interval. The last Put wins.
type Cache struct {
	store    Store
	debounce time.Duration
	now      func() time.Time
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[pendingKey]*pendingWrite
}

// NewCache creates a Cache. A zero debounce writes through.
func NewCache(store Store, debounce time.Duration, log zerolog.Logger) *Cache {
	return &Cache{
		store:    store,
		debounce: debounce,
		now:      time.Now,
		log:      log.With().Str("component", "progress_cache").Logger(),
		pending:  make(map[pendingKey]*pendingWrite),
	}
}

// Put schedules e to be written. SavedAt is stamped here.
func (c *Cache) Put(ctx context.Context, studentID int, e Entry) error {
	if e.Answers == nil {
		e.Answers = map[string]string{}
	}
	e.SavedAt = c.now()

	if c.debounce <= 0 {
		return c.store.Save(ctx, studentID, &e)
	}

	key := pendingKey{examID: e.ExamID, studentID: studentID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[key]; ok {
		p.entry = &e
		p.timer.Reset(c.debounce)
		return nil
	}
	p := &pendingWrite{entry: &e}
	p.timer = time.AfterFunc(c.debounce, func() { c.flushKey(key) })
	c.pending[key] = p
	return nil
}

func (c *Cache) flushKey(key pendingKey) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.Save(ctx, key.studentID, p.entry); err != nil {
		c.log.Warn().Err(err).
			Str("exam_id", key.examID).
			Int("student_id", key.studentID).
			Msg("Failed to save progress")
	}
}

// Flush writes every pending entry now.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[pendingKey]*pendingWrite)
	c.mu.Unlock()

	var errs []error
	for key, p := range pending {
		p.timer.Stop()
		if err := c.store.Save(ctx, key.studentID, p.entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load returns the newest entry, preferring one still waiting to be written.
func (c *Cache) Load(ctx context.Context, examID string, studentID int) (*Entry, error) {
	c.mu.Lock()
	if p, ok := c.pending[pendingKey{examID: examID, studentID: studentID}]; ok {
		e := *p.entry
		c.mu.Unlock()
		return &e, nil
	}
	c.mu.Unlock()

	return c.store.Load(ctx, examID, studentID)
}

// Clear drops both the pending write and the stored entry.
func (c *Cache) Clear(ctx context.Context, examID string, studentID int) error {
	key := pendingKey{examID: examID, studentID: studentID}

	c.mu.Lock()
	if p, ok := c.pending[key]; ok {
		p.timer.Stop()
		delete(c.pending, key)
	}
	c.mu.Unlock()

	return c.store.Delete(ctx, examID, studentID)
}
