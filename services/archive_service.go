// services/archive_service.go
package services

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"strings"

	"github.com/Coding-for-Machine/Video-Pipeline/models"
	"github.com/minio/minio-go/v7"
)

// ArchiveService mirrors a published asset's outputs into MinIO so the
// delivery tier can serve them from object storage. Runs after PUBLISHED;
// an archive failure never un-publishes the asset.
type ArchiveService struct {
	minio  *minio.Client
	layout Layout
}

func NewArchiveService(minioClient *minio.Client, layout Layout) *ArchiveService {
	return &ArchiveService{minio: minioClient, layout: layout}
}

func (s *ArchiveService) ArchivePublished(ctx context.Context, asset *models.VideoAsset) error {
	videoID := asset.ID.String()

	if asset.MP4Path != "" {
		if err := s.put(ctx, "videos-processed", fmt.Sprintf("%s/%s.mp4", videoID, videoID), asset.MP4Path, "video/mp4"); err != nil {
			return err
		}
	}
	if asset.ThumbnailPath != "" {
		if err := s.put(ctx, "thumbnails", fmt.Sprintf("%s/thumbnail.png", videoID), asset.ThumbnailPath, "image/png"); err != nil {
			return err
		}
	}
	if asset.HLSManifestPath != "" {
		if err := s.put(ctx, "videos-processed", fmt.Sprintf("%s/hls/%s.m3u8", videoID, videoID), asset.HLSManifestPath, "application/vnd.apple.mpegurl"); err != nil {
			return err
		}
		if err := s.archiveHLSDir(ctx, videoID); err != nil {
			return err
		}
	}

	log.Printf("archive done: %s", videoID)
	return nil
}

// archiveHLSDir walks the per-video rung directory and uploads playlists and
// segments under the same relative keys.
func (s *ArchiveService) archiveHLSDir(ctx context.Context, videoID string) error {
	root := filepath.Dir(s.layout.RungPlaylistPath(videoID, "any"))

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		contentType := "video/mp2t"
		if strings.HasSuffix(path, ".m3u8") {
			contentType = "application/vnd.apple.mpegurl"
		}
		key := fmt.Sprintf("%s/hls/%s/%s", videoID, videoID, filepath.ToSlash(rel))
		return s.put(ctx, "videos-processed", key, path, contentType)
	})
}

func (s *ArchiveService) put(ctx context.Context, bucket, key, path, contentType string) error {
	_, err := s.minio.FPutObject(ctx, bucket, key, path, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("archive %s to %s/%s: %w", path, bucket, key, err)
	}
	return nil
}
