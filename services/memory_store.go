// services/memory_store.go
package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/Coding-for-Machine/Video-Pipeline/models"
)

// MemoryStore is the AssetStore used by tests and local runs without
// Cassandra. Copies in, copies out, so callers never share the stored value.
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[string]models.VideoAsset
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assets: make(map[string]models.VideoAsset)}
}

func (s *MemoryStore) Create(ctx context.Context, asset *models.VideoAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := asset.ID.String()
	if _, exists := s.assets[id]; exists {
		return fmt.Errorf("asset %s already exists", id)
	}
	s.assets[id] = cloneAsset(asset)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, videoID string) (*models.VideoAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	asset, ok := s.assets[videoID]
	if !ok {
		return nil, fmt.Errorf("video not found: %s", videoID)
	}
	copied := cloneAsset(&asset)
	return &copied, nil
}

func (s *MemoryStore) Update(ctx context.Context, asset *models.VideoAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := asset.ID.String()
	if _, ok := s.assets[id]; !ok {
		return fmt.Errorf("video not found: %s", id)
	}
	s.assets[id] = cloneAsset(asset)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]models.VideoAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]models.VideoAsset, 0, len(s.assets))
	for _, a := range s.assets {
		if len(assets) == limit {
			break
		}
		assets = append(assets, cloneAsset(&a))
	}
	return assets, nil
}

func (s *MemoryStore) Delete(ctx context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[videoID]; !ok {
		return fmt.Errorf("video not found: %s", videoID)
	}
	delete(s.assets, videoID)
	return nil
}

func cloneAsset(asset *models.VideoAsset) models.VideoAsset {
	copied := *asset
	copied.Renditions = append([]models.Rendition(nil), asset.Renditions...)
	copied.History = append([]models.StatusHistory(nil), asset.History...)
	return copied
}

var _ AssetStore = (*MemoryStore)(nil)
