// services/video_service.go
package services

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/Coding-for-Machine/Video-Pipeline/models"
	"github.com/gocql/gocql"
)

// AssetStore persists VideoAsset records. Mutations are whole-document
// updates by id; only one job per video id is ever in flight, which is what
// keeps concurrent writers off the same record.
type AssetStore interface {
	Create(ctx context.Context, asset *models.VideoAsset) error
	Get(ctx context.Context, videoID string) (*models.VideoAsset, error)
	Update(ctx context.Context, asset *models.VideoAsset) error
	List(ctx context.Context, limit int) ([]models.VideoAsset, error)
	Delete(ctx context.Context, videoID string) error
}

// VideoService owns asset lifecycle outside the pipeline stages: ingestion,
// reads for the delivery endpoints, deletion with file cleanup.
type VideoService struct {
	store AssetStore
}

func NewVideoService(store AssetStore) *VideoService {
	return &VideoService{store: store}
}

func (s *VideoService) Store() AssetStore {
	return s.store
}

// RegisterUpload creates the asset record for a file already resident on the
// shared filesystem. The record starts in UPLOADED with one history entry.
func (s *VideoService) RegisterUpload(ctx context.Context, id gocql.UUID, title, description, sourcePath string) (*models.VideoAsset, error) {
	if title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if sourcePath == "" {
		return nil, fmt.Errorf("source path is required")
	}

	asset := models.NewVideoAsset(id, title, description, sourcePath)
	if err := s.store.Create(ctx, asset); err != nil {
		return nil, fmt.Errorf("create asset: %w", err)
	}
	return asset, nil
}

func (s *VideoService) GetVideo(ctx context.Context, videoID string) (*models.VideoAsset, error) {
	return s.store.Get(ctx, videoID)
}

func (s *VideoService) ListVideos(ctx context.Context, limit int) ([]models.VideoAsset, error) {
	return s.store.List(ctx, limit)
}

// DeleteVideo removes the record and then best-effort deletes every file it
// references. Individual file removal failures are logged, not fatal.
func (s *VideoService) DeleteVideo(ctx context.Context, videoID string) error {
	asset, err := s.store.Get(ctx, videoID)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, videoID); err != nil {
		return err
	}

	for _, path := range asset.FilePaths() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("delete %s: could not remove %s: %v", videoID, path, err)
		}
	}
	return nil
}
