package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 8 * 1024 * 1024
)

// HistorySource is the part of the history store the archiver needs.
type HistorySource interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.TradeRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditSource is the part of the audit store the archiver needs.
type AuditSource interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiverConfig controls what happens after an upload.
type ArchiverConfig struct {
	// Prune deletes archived rows once the object is stored.
	Prune bool
}

// Archiver implements domain.Archiver. Rows older than the cutoff are
// written as JSONL to archive/<kind>/<cutoff date>.jsonl. A run whose
// object already exists skips the upload, so reruns never overwrite an
// archive.
type Archiver struct {
	writer  domain.BlobWriter
	reader  domain.BlobReader
	history HistorySource
	audit   AuditSource
	cfg     ArchiverConfig
	logger  *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, history HistorySource, audit AuditSource, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:  writer,
		reader:  reader,
		history: history,
		audit:   audit,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveHistory archives trading history rows older than before.
func (a *Archiver) ArchiveHistory(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.history.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive history query: %w", err)
	}
	return archive(ctx, a, "trading_history", before, rows, a.history.DeleteBefore)
}

// ArchiveAudit archives audit rows older than before.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	rows, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	return archive(ctx, a, "audit_log", before, rows, a.audit.DeleteBefore)
}

func archive[T any](ctx context.Context, a *Archiver, kind string, before time.Time, rows []T, prune func(context.Context, time.Time) (int64, error)) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	path := archivePath(kind, before)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return 0, err
	}
	if exists {
		a.logger.WarnContext(ctx, "archive object already present, skipping upload", slog.String("path", path))
	} else {
		buf, err := marshalJSONL(rows)
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
		}
		if len(buf) > multipartThreshold {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
		}
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
		}
	}

	count := int64(len(rows))
	if a.cfg.Prune {
		deleted, err := prune(ctx, before)
		if err != nil {
			return count, fmt.Errorf("s3blob: archive %s prune: %w", kind, err)
		}
		a.logger.InfoContext(ctx, "archived rows pruned", slog.String("kind", kind), slog.Int64("deleted", deleted))
	}

	if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive %s audit log: %w", kind, err)
	}
	return count, nil
}

// archivePath partitions archives by cutoff date, e.g.
// archive/trading_history/2026-01-31.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02"))
}

// marshalJSONL writes one compact JSON document per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
