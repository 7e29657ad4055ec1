package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/framesieve/framesieve/internal/models"
)

// PostgresStore is the production Store. Embedding vectors are kept in a
// pgvector column; frame and embedding rows cascade on event deletion.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *PostgresStore) CreateEvent(ctx context.Context, event models.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, name, video_path, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		event.ID, event.Name, event.VideoPath, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id uuid.UUID) (models.Event, error) {
	var ev models.Event
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, video_path, created_at FROM events WHERE id = $1`,
		id).Scan(&ev.ID, &ev.Name, &ev.VideoPath, &ev.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, ErrEventNotFound
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to get event: %w", err)
	}
	return ev, nil
}

func (s *PostgresStore) DeleteEvent(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (s *PostgresStore) SaveFrames(ctx context.Context, frames []models.StoredFrame) error {
	batch := &pgx.Batch{}
	for _, f := range frames {
		batch.Queue(
			`INSERT INTO event_frames (event_id, frame_index, frame_path, timestamp_ms)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (event_id, frame_index) DO UPDATE
			 SET frame_path = EXCLUDED.frame_path, timestamp_ms = EXCLUDED.timestamp_ms`,
			f.EventID, f.Index, f.Path, f.TimestampMS)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save frames: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListFrames(ctx context.Context, eventID uuid.UUID) ([]models.StoredFrame, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, frame_index, frame_path, timestamp_ms
		 FROM event_frames WHERE event_id = $1 ORDER BY frame_index`,
		eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	defer rows.Close()

	var frames []models.StoredFrame
	for rows.Next() {
		var f models.StoredFrame
		if err := rows.Scan(&f.EventID, &f.Index, &f.Path, &f.TimestampMS); err != nil {
			return nil, fmt.Errorf("failed to scan frame row: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

func (s *PostgresStore) SaveEmbeddings(ctx context.Context, embeddings []models.FrameEmbedding) error {
	batch := &pgx.Batch{}
	for _, e := range embeddings {
		batch.Queue(
			`INSERT INTO frame_embeddings (event_id, frame_index, embedding, model_version)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (event_id, frame_index) DO UPDATE
			 SET embedding = EXCLUDED.embedding, model_version = EXCLUDED.model_version`,
			e.EventID, e.FrameIndex, pgvector.NewVector(e.Vector), e.ModelVersion)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save embeddings: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEmbeddings(ctx context.Context, eventID uuid.UUID) ([]models.FrameEmbedding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, frame_index, embedding, model_version
		 FROM frame_embeddings WHERE event_id = $1 ORDER BY frame_index`,
		eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddings: %w", err)
	}
	defer rows.Close()

	var embeddings []models.FrameEmbedding
	for rows.Next() {
		var e models.FrameEmbedding
		var vec pgvector.Vector
		if err := rows.Scan(&e.EventID, &e.FrameIndex, &vec, &e.ModelVersion); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		e.Vector = vec.Slice()
		embeddings = append(embeddings, e)
	}
	return embeddings, rows.Err()
}

// InitSchema creates the pgvector extension and tables if they don't exist.
func InitSchema(ctx context.Context, connString string) error {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	_, err = conn.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS events (
            id UUID PRIMARY KEY,
            name VARCHAR(255) NOT NULL,
            video_path VARCHAR(1024) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL
        );

        CREATE TABLE IF NOT EXISTS event_frames (
            id SERIAL PRIMARY KEY,
            event_id UUID REFERENCES events(id) ON DELETE CASCADE,
            frame_index INTEGER NOT NULL,
            frame_path VARCHAR(1024) NOT NULL,
            timestamp_ms BIGINT NOT NULL,
            UNIQUE(event_id, frame_index)
        );

        CREATE TABLE IF NOT EXISTS frame_embeddings (
            id SERIAL PRIMARY KEY,
            event_id UUID REFERENCES events(id) ON DELETE CASCADE,
            frame_index INTEGER NOT NULL,
            embedding vector(512) NOT NULL,
            model_version VARCHAR(128) NOT NULL,
            UNIQUE(event_id, frame_index)
        );
    `)
	if err != nil {
		return fmt.Errorf("failed to create database schema: %w", err)
	}

	_, err = conn.Exec(ctx, `
        CREATE INDEX IF NOT EXISTS idx_event_frames_event_id ON event_frames(event_id);
        CREATE INDEX IF NOT EXISTS idx_frame_embeddings_event_id ON frame_embeddings(event_id);
    `)
	if err != nil {
		return fmt.Errorf("failed to create database indexes: %w", err)
	}
	return nil
}
