// services/cassandra_store.go
package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Coding-for-Machine/Video-Pipeline/models"
	"github.com/gocql/gocql"
)

// CassandraStore keeps assets in the video_assets table. Renditions, history
// and stats ride along as JSON text columns.
type CassandraStore struct {
	session *gocql.Session
}

func NewCassandraStore(session *gocql.Session) *CassandraStore {
	return &CassandraStore{session: session}
}

func (s *CassandraStore) Create(ctx context.Context, asset *models.VideoAsset) error {
	renditions, history, stats, err := marshalAssetJSON(asset)
	if err != nil {
		return err
	}

	query := `INSERT INTO video_assets (id, title, description, source_path, mp4_path,
		thumbnail_path, hls_manifest_path, duration_seconds, width, height, status,
		renditions_json, history_json, stats_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return s.session.Query(query,
		asset.ID, asset.Title, asset.Description, asset.SourcePath, asset.MP4Path,
		asset.ThumbnailPath, asset.HLSManifestPath, asset.DurationSeconds,
		asset.Width, asset.Height, string(asset.Status),
		renditions, history, stats, asset.CreatedAt, asset.UpdatedAt,
	).WithContext(ctx).Exec()
}

func (s *CassandraStore) Get(ctx context.Context, videoID string) (*models.VideoAsset, error) {
	id, err := gocql.ParseUUID(videoID)
	if err != nil {
		return nil, fmt.Errorf("invalid video id: %w", err)
	}

	var asset models.VideoAsset
	var status, renditions, history, stats string

	query := `SELECT id, title, description, source_path, mp4_path, thumbnail_path,
		hls_manifest_path, duration_seconds, width, height, status,
		renditions_json, history_json, stats_json, created_at, updated_at
		FROM video_assets WHERE id = ?`

	err = s.session.Query(query, id).WithContext(ctx).Scan(
		&asset.ID, &asset.Title, &asset.Description, &asset.SourcePath, &asset.MP4Path,
		&asset.ThumbnailPath, &asset.HLSManifestPath, &asset.DurationSeconds,
		&asset.Width, &asset.Height, &status,
		&renditions, &history, &stats, &asset.CreatedAt, &asset.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("video not found: %w", err)
	}

	asset.Status = models.VideoStatus(status)
	if err := unmarshalAssetJSON(&asset, renditions, history, stats); err != nil {
		return nil, err
	}
	return &asset, nil
}

func (s *CassandraStore) Update(ctx context.Context, asset *models.VideoAsset) error {
	renditions, history, stats, err := marshalAssetJSON(asset)
	if err != nil {
		return err
	}

	query := `UPDATE video_assets SET title = ?, description = ?, source_path = ?,
		mp4_path = ?, thumbnail_path = ?, hls_manifest_path = ?, duration_seconds = ?,
		width = ?, height = ?, status = ?, renditions_json = ?, history_json = ?,
		stats_json = ?, updated_at = ? WHERE id = ?`

	return s.session.Query(query,
		asset.Title, asset.Description, asset.SourcePath,
		asset.MP4Path, asset.ThumbnailPath, asset.HLSManifestPath, asset.DurationSeconds,
		asset.Width, asset.Height, string(asset.Status), renditions, history,
		stats, asset.UpdatedAt, asset.ID,
	).WithContext(ctx).Exec()
}

func (s *CassandraStore) List(ctx context.Context, limit int) ([]models.VideoAsset, error) {
	query := `SELECT id, title, description, thumbnail_path, hls_manifest_path,
		duration_seconds, status, created_at FROM video_assets LIMIT ?`
	iter := s.session.Query(query, limit).WithContext(ctx).Iter()

	var assets []models.VideoAsset
	var asset models.VideoAsset
	var status string

	for iter.Scan(&asset.ID, &asset.Title, &asset.Description, &asset.ThumbnailPath,
		&asset.HLSManifestPath, &asset.DurationSeconds, &status, &asset.CreatedAt) {
		asset.Status = models.VideoStatus(status)
		assets = append(assets, asset)
		asset = models.VideoAsset{}
	}

	if err := iter.Close(); err != nil {
		return nil, err
	}
	return assets, nil
}

func (s *CassandraStore) Delete(ctx context.Context, videoID string) error {
	id, err := gocql.ParseUUID(videoID)
	if err != nil {
		return fmt.Errorf("invalid video id: %w", err)
	}
	return s.session.Query("DELETE FROM video_assets WHERE id = ?", id).WithContext(ctx).Exec()
}

func marshalAssetJSON(asset *models.VideoAsset) (renditions, history, stats string, err error) {
	r, err := json.Marshal(asset.Renditions)
	if err != nil {
		return "", "", "", err
	}
	h, err := json.Marshal(asset.History)
	if err != nil {
		return "", "", "", err
	}
	st, err := json.Marshal(asset.Stats)
	if err != nil {
		return "", "", "", err
	}
	return string(r), string(h), string(st), nil
}

func unmarshalAssetJSON(asset *models.VideoAsset, renditions, history, stats string) error {
	if renditions != "" {
		if err := json.Unmarshal([]byte(renditions), &asset.Renditions); err != nil {
			return fmt.Errorf("decode renditions: %w", err)
		}
	}
	if history != "" {
		if err := json.Unmarshal([]byte(history), &asset.History); err != nil {
			return fmt.Errorf("decode history: %w", err)
		}
	}
	if stats != "" {
		if err := json.Unmarshal([]byte(stats), &asset.Stats); err != nil {
			return fmt.Errorf("decode stats: %w", err)
		}
	}
	return nil
}

var _ AssetStore = (*CassandraStore)(nil)
