package db

import (
	"context"
	"fmt"
	"time"
)

// CopyConfig controls chunking and retries for bulk COPY writes, used when
// the gateway backfills a whole guild's member list on initial sync.
type CopyConfig struct {
	ChunkSize  int
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultCopyConfig() CopyConfig {
	return CopyConfig{
		ChunkSize:  500,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// CopyInto bulk-inserts rows into tableName via COPY, in chunks. Returns the
// number of rows written; on error the count covers completed chunks only.
func (d *DB) CopyInto(ctx context.Context, tableName string, columns []string, rows [][]any, cfg CopyConfig) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if cfg.ChunkSize < 1 {
		cfg = DefaultCopyConfig()
	}

	written := 0
	for i := 0; i < len(rows); i += cfg.ChunkSize {
		end := i + cfg.ChunkSize
		if end > len(rows) {
			end = len(rows)
		}

		n, err := d.copyChunk(ctx, tableName, columns, rows[i:end], cfg)
		written += n
		if err != nil {
			return written, fmt.Errorf("copy into %s failed at offset %d: %w", tableName, i, err)
		}
	}

	return written, nil
}

func (d *DB) copyChunk(ctx context.Context, tableName string, columns []string, chunk [][]any, cfg CopyConfig) (int, error) {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		copied, err := d.Pool.CopyFrom(ctx, []string{tableName}, columns, &rowSource{rows: chunk})
		if err == nil {
			return int(copied), nil
		}

		lastErr = err
		if attempt < cfg.MaxRetries-1 {
			time.Sleep(cfg.RetryDelay)
		}
	}

	return 0, lastErr
}

// rowSource implements pgx.CopyFromSource over an in-memory slice.
type rowSource struct {
	rows  [][]any
	index int
}

func (r *rowSource) Next() bool {
	r.index++
	return r.index <= len(r.rows)
}

func (r *rowSource) Values() ([]any, error) {
	return r.rows[r.index-1], nil
}

func (r *rowSource) Err() error {
	return nil
}
