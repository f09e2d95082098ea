// database/cassandra.go
package database

import (
	"log"
	"time"

	"github.com/gocql/gocql"
)

// NewCassandraDB connects to Cassandra, creating the keyspace and the
// video_assets table when they do not exist yet.
func NewCassandraDB(hosts []string) (*gocql.Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Consistency = gocql.Quorum
	cluster.ProtoVersion = 4
	cluster.ConnectTimeout = 10 * time.Second
	cluster.Timeout = 10 * time.Second

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := createKeyspace(session); err != nil {
		return nil, err
	}

	cluster.Keyspace = "video_pipeline"
	keyspaceSession, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	if err := createTables(keyspaceSession); err != nil {
		return nil, err
	}

	log.Println("cassandra connected")
	return keyspaceSession, nil
}

func createKeyspace(session *gocql.Session) error {
	query := `
	CREATE KEYSPACE IF NOT EXISTS video_pipeline
	WITH replication = {
		'class': 'SimpleStrategy',
		'replication_factor': 1
	}`
	return session.Query(query).Exec()
}

func createTables(session *gocql.Session) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS video_assets (
			id UUID PRIMARY KEY,
			title TEXT,
			description TEXT,
			source_path TEXT,
			mp4_path TEXT,
			thumbnail_path TEXT,
			hls_manifest_path TEXT,
			duration_seconds DOUBLE,
			width INT,
			height INT,
			status TEXT,
			renditions_json TEXT,
			history_json TEXT,
			stats_json TEXT,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`,
	}

	for _, query := range tables {
		if err := session.Query(query).Exec(); err != nil {
			return err
		}
	}

	return nil
}
