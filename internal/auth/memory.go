package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/electrothon/attendance/internal/models"
)

// MemoryStore is an in-process UserStore.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*models.User
}

// NewMemoryStore creates an empty in-process user store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[uuid.UUID]*models.User)}
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemoryStore) Create(_ context.Context, p CreateUserParams) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, p.Email) {
			return nil, ErrEmailTaken
		}
	}
	now := time.Now().UTC()
	u := &models.User{
		ID:         uuid.New(),
		Email:      p.Email,
		Password:   p.PasswordHash,
		FullName:   p.FullName,
		Role:       p.Role,
		SchoolCode: p.SchoolCode,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) SetFaceKey(_ context.Context, id uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrUserNotFound
	}
	u.FaceKey = key
	u.UpdatedAt = time.Now().UTC()
	return nil
}
