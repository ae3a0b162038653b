package userstore

import (
	"context"
	"sync"

	"follow-export/server/internal/model"
)

// InMemoryStore 是基于内存的用户存储实现：主表 + handle 二级索引显式维护。
// 注意：重启即丢数据，只适合测试与临时会话。
type InMemoryStore struct {
	mu       sync.RWMutex
	users    map[string]model.PersistedUser
	byHandle map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:    make(map[string]model.PersistedUser),
		byHandle: make(map[string]string),
	}
}

// Upsert 先校验整批，再在同一把锁内应用，读者看不到半批状态。
func (s *InMemoryStore) Upsert(ctx context.Context, users []model.PersistedUser) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(users); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range users {
		if prev, ok := s.users[u.RestID]; ok && prev.Handle != u.Handle {
			// handle 变了：旧索引项只在仍指向本记录时移除
			if s.byHandle[prev.Handle] == u.RestID {
				delete(s.byHandle, prev.Handle)
			}
		}
		s.users[u.RestID] = u
		if u.Handle != "" {
			s.byHandle[u.Handle] = u.RestID
		}
	}
	return nil
}

func (s *InMemoryStore) LookupByHandle(_ context.Context, handle string) (*model.PersistedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHandle[handle]
	if !ok {
		return nil, nil
	}
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *InMemoryStore) Get(_ context.Context, restID string) (*model.PersistedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[restID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *InMemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

func (s *InMemoryStore) Close() error { return nil }
