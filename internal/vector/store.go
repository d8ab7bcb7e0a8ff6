// Package vector stores embeddings in PostgreSQL with the pgvector extension.
package vector

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// minIndexRows is the row count below which CreateIndex is skipped; ivfflat
// lists trained on too few rows give poor recall.
const minIndexRows = 1000

// Store handles vector storage operations with PostgreSQL + pgvector
type Store struct {
	db         *sqlx.DB
	logger     *zap.Logger
	name       string
	table      string // quoted
	dimensions int
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Table           string
	Dimensions      int
}

// NewStore connects to the database, checks for pgvector and creates the
// embeddings table when it does not exist.
func NewStore(config *Config, logger *zap.Logger) (*Store, error) {
	if config.Dimensions <= 0 {
		return nil, fmt.Errorf("invalid vector dimensions: %d", config.Dimensions)
	}
	if config.Table == "" {
		return nil, fmt.Errorf("table name is required")
	}

	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &Store{
		db:         db,
		logger:     logger.With(zap.String("component", "vector_store")),
		name:       config.Table,
		table:      pq.QuoteIdentifier(config.Table),
		dimensions: config.Dimensions,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	store.logger.Info("Vector store initialized successfully",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.String("table", config.Table),
		zap.Int("dimensions", config.Dimensions),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return store, nil
}

// initialize checks the connection, the pgvector extension and the table
func (s *Store) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var extensionExists bool
	query := "SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')"
	if err := s.db.GetContext(ctx, &extensionExists, query); err != nil {
		return fmt.Errorf("failed to check pgvector extension: %w", err)
	}
	if !extensionExists {
		return fmt.Errorf("pgvector extension is not installed")
	}

	if _, err := s.db.ExecContext(ctx, createTableQuery(s.table, s.dimensions)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

func createTableQuery(table string, dimensions int) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			model      TEXT NOT NULL,
			tokens     INTEGER NOT NULL DEFAULT 0,
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, table, dimensions)
}

// BatchInsert upserts records by ID. Records whose embedding does not have
// the table's dimensions are counted as failed and skipped.
func (s *Store) BatchInsert(ctx context.Context, records []*Record) (*BatchInsertResult, error) {
	start := time.Now()
	result := &BatchInsertResult{}

	valid := make([]*Record, 0, len(records))
	for _, r := range records {
		if len(r.Embedding) != s.dimensions {
			result.Failed++
			result.Errors = append(result.Errors,
				fmt.Errorf("record %q: embedding has %d dimensions, want %d", r.ID, len(r.Embedding), s.dimensions))
			continue
		}
		valid = append(valid, r)
	}
	if len(valid) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	query, args := upsertQuery(s.table, valid)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		result.Failed += int64(len(valid))
		result.Errors = append(result.Errors, err)
		s.logger.Error("Batch insert failed", zap.Error(err))
		return result, fmt.Errorf("batch insert failed: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Could not get rows affected", zap.Error(err))
		inserted = int64(len(valid))
	}
	result.Inserted = inserted
	result.Duration = time.Since(start)

	s.logger.Debug("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("failed", result.Failed),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// upsertQuery builds one multi-row INSERT ... ON CONFLICT statement. A
// repeated ID within records keeps the last occurrence, since Postgres
// rejects a statement that updates the same row twice.
func upsertQuery(table string, records []*Record) (string, []any) {
	last := make(map[string]int, len(records))
	for i, r := range records {
		last[r.ID] = i
	}

	valueStrings := make([]string, 0, len(last))
	valueArgs := make([]any, 0, len(last)*4)
	for i, r := range records {
		if last[r.ID] != i {
			continue
		}
		n := len(valueArgs)
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4))
		valueArgs = append(valueArgs, r.ID, r.Model, r.Tokens, formatEmbedding(r.Embedding))
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, model, tokens, embedding)
		VALUES %s
		ON CONFLICT (id) DO UPDATE SET
			model = EXCLUDED.model,
			tokens = EXCLUDED.tokens,
			embedding = EXCLUDED.embedding,
			updated_at = now()`,
		table, strings.Join(valueStrings, ","))
	return query, valueArgs
}

// FindSimilar returns the records nearest to embedding by cosine distance
func (s *Store) FindSimilar(ctx context.Context, embedding []float32, options *SearchOptions) ([]*SimilarityResult, error) {
	if options == nil {
		options = DefaultSearchOptions()
	}
	if len(embedding) != s.dimensions {
		return nil, fmt.Errorf("query embedding has %d dimensions, want %d", len(embedding), s.dimensions)
	}

	query, args := searchQuery(s.table, embedding, options)

	start := time.Now()
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Similarity search failed", zap.Error(err))
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []*SimilarityResult
	for rows.Next() {
		var row searchRow
		if err := rows.StructScan(&row); err != nil {
			s.logger.Error("Failed to scan similarity result", zap.Error(err))
			continue
		}

		record := Record{
			ID:        row.ID,
			Model:     row.Model,
			Tokens:    row.Tokens,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		}
		record.Embedding, err = parseEmbedding(row.Embedding)
		if err != nil {
			s.logger.Error("Failed to parse embedding", zap.String("id", record.ID), zap.Error(err))
			continue
		}
		results = append(results, &SimilarityResult{
			Record:     &record,
			Similarity: row.Similarity,
			Distance:   row.Distance,
		})
	}
	if err := rows.Err(); err != nil {
		return results, fmt.Errorf("similarity search failed: %w", err)
	}

	s.logger.Debug("Similarity search completed",
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)),
		zap.Float32("min_similarity", options.MinSimilarity))

	return results, nil
}

// searchRow is a FindSimilar result row; pgvector returns the embedding as
// text.
type searchRow struct {
	ID         string    `db:"id"`
	Model      string    `db:"model"`
	Tokens     int       `db:"tokens"`
	Embedding  string    `db:"embedding"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
	Similarity float32   `db:"similarity"`
	Distance   float32   `db:"distance"`
}

func searchQuery(table string, embedding []float32, options *SearchOptions) (string, []any) {
	where := "WHERE (1 - (embedding <=> $1)) >= $2"
	args := []any{formatEmbedding(embedding), options.MinSimilarity}

	if options.Model != "" {
		args = append(args, options.Model)
		where += fmt.Sprintf(" AND model = $%d", len(args))
	}

	limit := options.Limit
	if limit <= 0 {
		limit = 5
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT
			id, model, tokens, embedding, created_at, updated_at,
			(1 - (embedding <=> $1)) AS similarity,
			(embedding <=> $1) AS distance
		FROM %s
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, table, where, len(args))
	return query, args
}

// GetStats returns database statistics
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Table: s.name, Dimensions: s.dimensions}

	query := fmt.Sprintf(`
		SELECT
			COUNT(*) AS total,
			COUNT(DISTINCT model) AS models,
			COALESCE(SUM(tokens), 0) AS tokens
		FROM %s`, s.table)

	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalVectors,
		&stats.Models,
		&stats.TotalTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get vector stats: %w", err)
	}
	return stats, nil
}

// CreateIndex creates the ivfflat cosine index once the table holds enough
// rows to train it.
func (s *Store) CreateIndex(ctx context.Context) error {
	var count int64
	if err := s.db.GetContext(ctx, &count, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)); err != nil {
		return fmt.Errorf("failed to count vectors: %w", err)
	}

	if count < minIndexRows {
		s.logger.Info("Skipping index creation, not enough vectors", zap.Int64("count", count))
		return nil
	}

	s.logger.Info("Creating vector similarity index", zap.Int64("vector_count", count))

	index := pq.QuoteIdentifier("idx_" + s.name + "_embedding")
	query := fmt.Sprintf(`
		CREATE INDEX CONCURRENTLY IF NOT EXISTS %s
		ON %s USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d)`, index, s.table, indexLists(count))

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}

	s.logger.Info("Vector similarity index created successfully")
	return nil
}

// indexLists follows the pgvector guidance of rows/1000 lists, at least 10.
func indexLists(rows int64) int64 {
	return max(rows/1000, 10)
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// formatEmbedding renders a pgvector literal: [v1,v2,...]
func formatEmbedding(embedding []float32) string {
	var b strings.Builder
	b.Grow(len(embedding)*10 + 2)
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseEmbedding parses a pgvector literal
func parseEmbedding(embeddingStr string) ([]float32, error) {
	embeddingStr = strings.TrimSpace(embeddingStr)
	if !strings.HasPrefix(embeddingStr, "[") || !strings.HasSuffix(embeddingStr, "]") {
		return nil, fmt.Errorf("invalid vector literal: %q", embeddingStr)
	}
	embeddingStr = embeddingStr[1 : len(embeddingStr)-1]
	if strings.TrimSpace(embeddingStr) == "" {
		return []float32{}, nil
	}

	parts := strings.Split(embeddingStr, ",")
	embedding := make([]float32, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedding value %d: %w", i, err)
		}
		embedding[i] = float32(v)
	}
	return embedding, nil
}

// maskDatabaseURL hides the password of a database URL for logging
func maskDatabaseURL(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "<invalid database url>"
	}
	return u.Redacted()
}
