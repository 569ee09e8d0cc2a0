package transport

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/errors"
	"codeberg.org/mutker/telemetryd/internal/logger"
	"github.com/mattn/go-sqlite3"
)

// sqliteSink spools batches into a local database, one row per batch.
// Inserting a batch id that is already stored is a no-op.
type sqliteSink struct {
	db     *sql.DB
	path   string
	logger logger.Logger
}

func newSQLiteSink(cfg Config, log logger.Logger) (*sqliteSink, error) {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(cfg.Path), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.Path,
			Error: err.Error(),
		})
	}

	dsn := cfg.Path + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := migrateSchema(ctx, db, cfg, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.Path).
		Int("schema_version", SchemaVersion).
		Msg("Spool database opened")

	return &sqliteSink{db: db, path: cfg.Path, logger: log}, nil
}

func (s *sqliteSink) send(ctx context.Context, b *batch.Batch) error {
	_, err := s.db.ExecContext(ctx, insertBatchSQL,
		b.ID,
		int64(b.FirstSequence),
		int64(b.LastSequence),
		b.PacketCount,
		string(b.Encoding),
		b.UncompressedSize,
		b.CreatedAt.UnixNano(),
		b.Payload,
	)
	if err != nil {
		return sendError(sqliteCode(err), "insert_batch", err)
	}
	return nil
}

// batches returns every spooled batch ordered by first sequence.
func (s *sqliteSink) batches(ctx context.Context) ([]*batch.Batch, error) {
	rows, err := s.db.QueryContext(ctx, selectBatchesSQL)
	if err != nil {
		return nil, sendError(sqliteCode(err), "select_batches", err)
	}
	defer rows.Close()

	var out []*batch.Batch
	for rows.Next() {
		var (
			b           batch.Batch
			first, last int64
			encoding    string
			createdAt   int64
		)
		if err := rows.Scan(&b.ID, &first, &last, &b.PacketCount,
			&encoding, &b.UncompressedSize, &createdAt, &b.Payload); err != nil {
			return nil, sendError(ErrProtocol, "scan_batch", err)
		}
		b.FirstSequence = uint64(first)
		b.LastSequence = uint64(last)
		b.Encoding = batch.Encoding(encoding)
		b.Compressed = b.Encoding != batch.EncodingNone
		b.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, sendError(sqliteCode(err), "select_batches", err)
	}
	return out, nil
}

func (s *sqliteSink) close() error {
	// Checkpoint WAL and cleanup on close
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to checkpoint spool WAL")
	}
	if err := s.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	s.logger.Info().Str("path", s.path).Msg("Spool database closed")
	return nil
}

// Spooled returns the batches stored by an sqlite transport.
func (t *Transport) Spooled(ctx context.Context) ([]*batch.Batch, error) {
	if t.kind != KindSQLite {
		return nil, errors.New().WithMessage(ErrInvalidConfig, "transport "+t.name+" is not an sqlite spool")
	}
	return t.sqlite.batches(ctx)
}

func sqliteCode(err error) errors.ErrorCode {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return ErrTimeout
		case sqlite3.ErrConstraint, sqlite3.ErrMismatch, sqlite3.ErrTooBig:
			return ErrProtocol
		}
	}
	return causeCode(err)
}
