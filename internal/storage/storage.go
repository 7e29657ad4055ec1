package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/framesieve/framesieve/internal/models"
)

var (
	// ErrEventNotFound maps to a 404 at the API boundary.
	ErrEventNotFound = errors.New("event not found")
	// ErrNoFrames means an event exists but has no stored frames at all.
	// Distinct from missing embeddings, which is a valid fallback state.
	ErrNoFrames = errors.New("event has no frames")
)

// Store persists events, their extracted frame metadata, and per-frame
// embeddings. Embeddings live for the lifetime of the parent event and are
// removed with it.
type Store interface {
	CreateEvent(ctx context.Context, event models.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (models.Event, error)
	DeleteEvent(ctx context.Context, id uuid.UUID) error

	SaveFrames(ctx context.Context, frames []models.StoredFrame) error
	ListFrames(ctx context.Context, eventID uuid.UUID) ([]models.StoredFrame, error)

	SaveEmbeddings(ctx context.Context, embeddings []models.FrameEmbedding) error
	ListEmbeddings(ctx context.Context, eventID uuid.UUID) ([]models.FrameEmbedding, error)
}

// MemoryStore is an in-process Store used by tests and single-shot CLI runs
// that have no database configured.
type MemoryStore struct {
	mu         sync.RWMutex
	events     map[uuid.UUID]models.Event
	frames     map[uuid.UUID][]models.StoredFrame
	embeddings map[uuid.UUID][]models.FrameEmbedding
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     make(map[uuid.UUID]models.Event),
		frames:     make(map[uuid.UUID][]models.StoredFrame),
		embeddings: make(map[uuid.UUID][]models.FrameEmbedding),
	}
}

func (m *MemoryStore) CreateEvent(_ context.Context, event models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.ID] = event
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id uuid.UUID) (models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return models.Event{}, ErrEventNotFound
	}
	return ev, nil
}

func (m *MemoryStore) DeleteEvent(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return ErrEventNotFound
	}
	delete(m.events, id)
	delete(m.frames, id)
	delete(m.embeddings, id)
	return nil
}

func (m *MemoryStore) SaveFrames(_ context.Context, frames []models.StoredFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range frames {
		m.frames[f.EventID] = append(m.frames[f.EventID], f)
	}
	return nil
}

func (m *MemoryStore) ListFrames(_ context.Context, eventID uuid.UUID) ([]models.StoredFrame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	frames := append([]models.StoredFrame(nil), m.frames[eventID]...)
	sort.Slice(frames, func(i, j int) bool { return frames[i].Index < frames[j].Index })
	return frames, nil
}

func (m *MemoryStore) SaveEmbeddings(_ context.Context, embeddings []models.FrameEmbedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range embeddings {
		m.embeddings[e.EventID] = append(m.embeddings[e.EventID], e)
	}
	return nil
}

func (m *MemoryStore) ListEmbeddings(_ context.Context, eventID uuid.UUID) ([]models.FrameEmbedding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	embs := append([]models.FrameEmbedding(nil), m.embeddings[eventID]...)
	sort.Slice(embs, func(i, j int) bool { return embs[i].FrameIndex < embs[j].FrameIndex })
	return embs, nil
}
