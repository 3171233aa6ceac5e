package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

// OperationArchiveStore provides the read access the archiver needs from the
// operation journal. The Postgres store satisfies it through
// ListTerminalBefore; the archiver never needs the full store interface.
type OperationArchiveStore interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.Operation, error)
}

// ArchiveImpl implements domain.Archiver by querying aged-out records,
// serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer     domain.BlobWriter
	operations OperationArchiveStore
	audit      domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, operations OperationArchiveStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:     writer,
		operations: operations,
		audit:      audit,
	}
}

// ArchiveOperations queries terminal operations last updated before the
// cutoff, serializes them to JSONL, and uploads the file to S3 at
// archive/operations/YYYY-MM.jsonl. The archival event is recorded in the
// audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveOperations(ctx context.Context, before time.Time) (int64, error) {
	ops, err := a.operations.ListTerminalBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive operations query: %w", err)
	}
	if len(ops) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(ops)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive operations marshal: %w", err)
	}

	path := archivePath("operations", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive operations upload: %w", err)
	}

	count := int64(len(ops))

	if err := a.audit.Append(ctx, "archive.operations", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive operations audit log: %w", err)
	}

	return count, nil
}

// ArchiveAuditLog queries audit entries created before the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/audit_log/YYYY-MM.jsonl. The archival event itself is recorded in
// the audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit log query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit log marshal: %w", err)
	}

	path := archivePath("audit_log", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit log upload: %w", err)
	}

	count := int64(len(entries))

	if err := a.audit.Append(ctx, "archive.audit_log", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log audit entry: %w", err)
	}

	return count, nil
}

// OperationsPath returns the S3 key an operations archive for the given
// cutoff is written to. The retention job uses it to verify the archive
// exists before deleting rows.
func OperationsPath(before time.Time) string {
	return archivePath("operations", before)
}

// AuditLogPath returns the S3 key an audit-log archive for the given cutoff
// is written to.
func AuditLogPath(before time.Time) string {
	return archivePath("audit_log", before)
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/operations/2026-08.jsonl
//	archive/audit_log/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
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

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
