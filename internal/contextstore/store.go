// Package contextstore owns ContextThread lifecycle: creation, TTL and
// capacity enforcement, per-thread serialized mutation, and eviction into the
// cold archive. A thread belongs to exactly one user.
package contextstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"aimesh/internal/types"
)

// Exchange is one (request, response) record appended to a thread.
type Exchange struct {
	RequestID  string    `json:"request_id"`
	ResponseID string    `json:"response_id"`
	At         time.Time `json:"at"`
}

// thread is the store-private mutable record. Its mutex serializes all
// mutation of a single thread; different threads proceed independently.
type thread struct {
	mu         sync.Mutex
	id         string
	userID     string
	exchanges  []Exchange
	context    map[string]string
	createdAt  time.Time
	lastAccess time.Time
}

// ThreadSnapshot is a read-only copy of a thread's state.
type ThreadSnapshot struct {
	ID         string
	UserID     string
	Exchanges  []Exchange
	Context    map[string]string
	CreatedAt  time.Time
	LastAccess time.Time
}

// Store is the exclusive owner of context threads.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*thread
	byUser  map[string][]string // thread ids per user, creation order

	ttl        time.Duration
	maxPerUser int

	archive *Archive // optional cold storage for evicted threads
	logger  *zap.Logger
	sink    types.EventSink

	cron     *cron.Cron
	reaperID cron.EntryID

	now func() time.Time // injectable for tests
}

// New creates a context store. archive may be nil to disable cold storage.
func New(ttl time.Duration, maxPerUser int, archive *Archive, logger *zap.Logger, sink types.EventSink) *Store {
	if maxPerUser < 1 {
		maxPerUser = 1
	}
	if sink == nil {
		sink = types.NopSink{}
	}
	return &Store{
		threads:    make(map[string]*thread),
		byUser:     make(map[string][]string),
		ttl:        ttl,
		maxPerUser: maxPerUser,
		archive:    archive,
		logger:     logger,
		sink:       sink,
		now:        time.Now,
	}
}

// GetOrCreate resolves a thread for a request. With a threadID it returns the
// live, unexpired thread (updating last-access) or ErrThreadNotFound; without
// one it creates a fresh thread, evicting the user's oldest thread when the
// per-user cap would be exceeded.
func (s *Store) GetOrCreate(userID, threadID string) (ThreadSnapshot, error) {
	if threadID != "" {
		return s.touch(userID, threadID)
	}

	now := s.now()
	th := &thread{
		id:         uuid.NewString(),
		userID:     userID,
		context:    make(map[string]string),
		createdAt:  now,
		lastAccess: now,
	}

	s.mu.Lock()
	for len(s.byUser[userID]) >= s.maxPerUser {
		oldest := s.byUser[userID][0]
		s.evictLocked(oldest, "capacity")
	}
	s.threads[th.id] = th
	s.byUser[userID] = append(s.byUser[userID], th.id)
	s.mu.Unlock()

	s.logger.Debug("context thread created",
		zap.String("thread", th.id),
		zap.String("user", userID))
	return th.snapshot(), nil
}

// touch returns an existing thread, enforcing ownership and TTL.
func (s *Store) touch(userID, threadID string) (ThreadSnapshot, error) {
	s.mu.RLock()
	th, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok || th.userID != userID {
		return ThreadSnapshot{}, fmt.Errorf("%w: %s", types.ErrThreadNotFound, threadID)
	}

	th.mu.Lock()
	if s.expiredLocked(th) {
		th.mu.Unlock()
		// The reaper will collect it; attaching to it is already forbidden.
		return ThreadSnapshot{}, fmt.Errorf("%w: %s expired", types.ErrThreadNotFound, threadID)
	}
	th.lastAccess = s.now()
	snap := th.snapshotLocked()
	th.mu.Unlock()
	return snap, nil
}

// expiredLocked reports TTL expiry. Caller holds th.mu.
func (s *Store) expiredLocked(th *thread) bool {
	return s.ttl > 0 && s.now().Sub(th.lastAccess) > s.ttl
}

// AppendExchange atomically appends one exchange and merges contextDelta into
// the shared map, last write wins per key. Appends against one thread are
// strictly ordered by arrival.
func (s *Store) AppendExchange(threadID, requestID, responseID string, contextDelta map[string]string) error {
	s.mu.RLock()
	th, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrThreadNotFound, threadID)
	}

	th.mu.Lock()
	defer th.mu.Unlock()
	if s.expiredLocked(th) {
		return fmt.Errorf("%w: %s expired", types.ErrThreadNotFound, threadID)
	}
	th.exchanges = append(th.exchanges, Exchange{
		RequestID:  requestID,
		ResponseID: responseID,
		At:         s.now(),
	})
	for k, v := range contextDelta {
		th.context[k] = v
	}
	th.lastAccess = s.now()
	return nil
}

// Snapshot returns a read-only copy of a live thread.
func (s *Store) Snapshot(threadID string) (ThreadSnapshot, error) {
	s.mu.RLock()
	th, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return ThreadSnapshot{}, fmt.Errorf("%w: %s", types.ErrThreadNotFound, threadID)
	}
	return th.snapshot(), nil
}

// ThreadCount returns the number of live threads.
func (s *Store) ThreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

// ThreadsFor returns one user's live thread ids in creation order.
func (s *Store) ThreadsFor(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.byUser[userID]...)
}

func (th *thread) snapshot() ThreadSnapshot {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.snapshotLocked()
}

func (th *thread) snapshotLocked() ThreadSnapshot {
	ctx := make(map[string]string, len(th.context))
	for k, v := range th.context {
		ctx[k] = v
	}
	return ThreadSnapshot{
		ID:         th.id,
		UserID:     th.userID,
		Exchanges:  append([]Exchange(nil), th.exchanges...),
		Context:    ctx,
		CreatedAt:  th.createdAt,
		LastAccess: th.lastAccess,
	}
}

// =============================================================================
// EVICTION AND REAPING
// =============================================================================

// evictLocked archives and removes one thread. Caller holds s.mu.
func (s *Store) evictLocked(threadID, reason string) {
	th, ok := s.threads[threadID]
	if !ok {
		return
	}
	if s.archive != nil {
		if err := s.archive.Store(th.snapshot(), reason); err != nil {
			s.logger.Warn("failed to archive evicted thread",
				zap.String("thread", threadID), zap.Error(err))
		}
	}
	delete(s.threads, threadID)
	ids := s.byUser[th.userID]
	for i, id := range ids {
		if id == threadID {
			s.byUser[th.userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byUser[th.userID]) == 0 {
		delete(s.byUser, th.userID)
	}

	s.sink.Emit(types.Event{
		Type: types.EventThreadEvicted,
		At:   s.now(),
		Fields: map[string]interface{}{
			"thread": threadID,
			"user":   th.userID,
			"reason": reason,
		},
	})
}

// Reap evicts every expired thread and returns how many were collected.
func (s *Store) Reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, th := range s.threads {
		th.mu.Lock()
		if s.expiredLocked(th) {
			expired = append(expired, id)
		}
		th.mu.Unlock()
	}
	for _, id := range expired {
		s.evictLocked(id, "ttl")
	}
	if len(expired) > 0 {
		s.logger.Debug("reaper collected expired threads", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// StartReaper schedules Reap on the given cron spec (e.g. "@every 1m").
func (s *Store) StartReaper(schedule string) error {
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	id, err := c.AddFunc(schedule, func() { s.Reap() })
	if err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}
	s.cron = c
	s.reaperID = id
	c.Start()
	return nil
}

// StopReaper stops the background reaper, waiting for a running sweep.
func (s *Store) StopReaper() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.cron = nil
}
