// services/layout.go
package services

import (
	"fmt"
	"path/filepath"
)

// Layout maps video ids to the on-disk tree every worker shares:
//
//	<root>/original/<filename>
//	<root>/processed/<videoId>.mp4
//	<root>/thumbnails/<videoId>.png
//	<root>/hls/<videoId>.m3u8
//	<root>/hls/<videoId>/<rung>.m3u8
//	<root>/hls/<videoId>/<rung>_%03d.ts
//
// Paths are namespaced by video id, so concurrent workers never collide on
// different assets.
type Layout struct {
	Root string
}

func (l Layout) OriginalDir() string {
	return filepath.Join(l.Root, "original")
}

func (l Layout) MP4Path(videoID string) string {
	return filepath.Join(l.Root, "processed", videoID+".mp4")
}

func (l Layout) ThumbnailPath(videoID string) string {
	return filepath.Join(l.Root, "thumbnails", videoID+".png")
}

func (l Layout) MasterManifestPath(videoID string) string {
	return filepath.Join(l.Root, "hls", videoID+".m3u8")
}

func (l Layout) RungPlaylistPath(videoID, rung string) string {
	return filepath.Join(l.Root, "hls", videoID, rung+".m3u8")
}

func (l Layout) RungSegmentPattern(videoID, rung string) string {
	return filepath.Join(l.Root, "hls", videoID, fmt.Sprintf("%s_%%03d.ts", rung))
}

// RungPlaylistURI is the rung reference written into the master manifest,
// relative to the manifest's own directory.
func (l Layout) RungPlaylistURI(videoID, rung string) string {
	return videoID + "/" + rung + ".m3u8"
}
