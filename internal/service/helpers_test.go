package service

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/castrelay/castrelay/internal/models"
	"github.com/castrelay/castrelay/internal/service/discord"
)

// memStore is an in-memory Store. Reads return copies so callers observe the
// same read-then-save semantics as the database-backed implementation.
type memStore struct {
	mu      sync.Mutex
	nextID  uint
	content map[uint]models.ContentItem
	targets map[uint]models.PlatformTarget
	users   map[uint]models.User

	saveContentErr error
}

func newMemStore() *memStore {
	return &memStore{
		nextID:  1,
		content: make(map[uint]models.ContentItem),
		targets: make(map[uint]models.PlatformTarget),
		users:   make(map[uint]models.User),
	}
}

func (s *memStore) addContent(item models.ContentItem) uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == 0 {
		item.ID = s.nextID
		s.nextID++
	}
	s.content[item.ID] = item
	return item.ID
}

func (s *memStore) addUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *memStore) GetContent(ctx context.Context, id uint) (*models.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.content[id]
	if !ok || item.DeletedAt.Valid {
		return nil, gorm.ErrRecordNotFound
	}
	out := item
	return &out, nil
}

func (s *memStore) GetContentAny(ctx context.Context, id uint) (*models.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.content[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := item
	return &out, nil
}

func (s *memStore) GetContentByRemoteEventID(ctx context.Context, eventID string) (*models.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.content {
		if item.RemoteEventID != nil && *item.RemoteEventID == eventID {
			out := item
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *memStore) DueContent(ctx context.Context, now time.Time, limit int) ([]models.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []models.ContentItem
	for _, item := range s.content {
		if item.DeletedAt.Valid {
			continue
		}
		due := (item.Status == models.ContentStatusScheduled && !item.ScheduledFor.After(now)) ||
			item.Status == models.ContentStatusQueued
		if due {
			items = append(items, item)
		}
		if len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (s *memStore) StaleSyncContent(ctx context.Context, platform string, olderThan time.Time, limit int) ([]models.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []models.ContentItem
	for _, item := range s.content {
		eligible := item.ContentType == models.ContentTypeEvent || item.TargetsPlatform(platform)
		if !eligible {
			continue
		}
		if item.DeletedAt.Valid {
			// Pending remote delete.
			if item.RemoteEventID != nil {
				items = append(items, item)
			}
		} else if item.RemoteEventID == nil || item.LastSyncedAt == nil || item.LastSyncedAt.Before(olderThan) {
			items = append(items, item)
		}
		if len(items) >= limit {
			break
		}
	}
	return items, nil
}

func (s *memStore) SaveContent(ctx context.Context, item *models.ContentItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveContentErr != nil {
		return s.saveContentErr
	}
	if item.ID == 0 {
		item.ID = s.nextID
		s.nextID++
	}
	s.content[item.ID] = *item
	return nil
}

func (s *memStore) SoftDeleteContent(ctx context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.content[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	item.DeletedAt = gorm.DeletedAt{Time: time.Now(), Valid: true}
	s.content[id] = item
	return nil
}

func (s *memStore) GetTarget(ctx context.Context, id uint) (*models.PlatformTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := t
	return &out, nil
}

func (s *memStore) FindTarget(ctx context.Context, contentID uint, platform string) (*models.PlatformTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.ContentID == contentID && t.Platform == platform {
			out := t
			return &out, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *memStore) TargetsForContent(ctx context.Context, contentID uint) ([]models.PlatformTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var targets []models.PlatformTarget
	for _, t := range s.targets {
		if t.ContentID == contentID {
			targets = append(targets, t)
		}
	}
	return targets, nil
}

func (s *memStore) CreateTarget(ctx context.Context, t *models.PlatformTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == 0 {
		t.ID = s.nextID
		s.nextID++
	}
	s.targets[t.ID] = *t
	return nil
}

func (s *memStore) SaveTarget(ctx context.Context, t *models.PlatformTarget) error {
	return s.CreateTarget(ctx, t)
}

func (s *memStore) DueRetryTargets(ctx context.Context, now time.Time, limit int) ([]models.PlatformTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var targets []models.PlatformTarget
	for _, t := range s.targets {
		if t.Status != models.TargetStatusRetrying || t.NextRetryAt == nil || t.NextRetryAt.After(now) {
			continue
		}
		if item, ok := s.content[t.ContentID]; !ok || item.DeletedAt.Valid {
			continue
		}
		targets = append(targets, t)
		if len(targets) >= limit {
			break
		}
	}
	return targets, nil
}

func (s *memStore) GetUser(ctx context.Context, id uint) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	out := u
	return &out, nil
}

func (s *memStore) SaveUser(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = *u
	return nil
}

// memLocker grants every acquire unless a key is marked held.
type memLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
	released []string
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]bool)}
}

func (l *memLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return true, nil
}

func (l *memLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	l.released = append(l.released, key)
	return nil
}

type eventCall struct {
	op      string
	guildID string
	eventID string
	params  *discord.EventParams
}

// recordingEventAPI captures remote event calls.
type recordingEventAPI struct {
	mu      sync.Mutex
	calls   []eventCall
	nextID  string
	failAll error
}

func newRecordingEventAPI() *recordingEventAPI {
	return &recordingEventAPI{nextID: "evt-1"}
}

func (a *recordingEventAPI) CreateEvent(ctx context.Context, guildID string, params *discord.EventParams) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAll != nil {
		return "", a.failAll
	}
	a.calls = append(a.calls, eventCall{op: "create", guildID: guildID, params: params})
	return a.nextID, nil
}

func (a *recordingEventAPI) UpdateEvent(ctx context.Context, guildID, eventID string, params *discord.EventParams) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAll != nil {
		return a.failAll
	}
	a.calls = append(a.calls, eventCall{op: "update", guildID: guildID, eventID: eventID, params: params})
	return nil
}

func (a *recordingEventAPI) DeleteEvent(ctx context.Context, guildID, eventID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAll != nil {
		return a.failAll
	}
	a.calls = append(a.calls, eventCall{op: "delete", guildID: guildID, eventID: eventID})
	return nil
}

func (a *recordingEventAPI) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// staticTokens resolves every lookup to a fixed credential.
type staticTokens struct {
	creds *Credentials
	err   error
}

func (t *staticTokens) Resolve(ctx context.Context, userID uint, platform string) (*Credentials, error) {
	if t.err != nil {
		return nil, t.err
	}
	if t.creds != nil {
		return t.creds, nil
	}
	return &Credentials{AccessToken: "test-token"}, nil
}

// nopRecorder counts recorded errors.
type nopRecorder struct {
	mu    sync.Mutex
	count int
}

func (r *nopRecorder) RecordError(level, source, title, message string, options ...ErrorLogOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	return nil
}
