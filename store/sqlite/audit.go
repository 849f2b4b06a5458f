package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	silas "github.com/DavSimFel/silas"
)

// genesisHash anchors the chain: the first entry's prev_hash.
const genesisHash = "genesis"

// AuditLogOption configures a SQLite AuditLog.
type AuditLogOption func(*AuditLog)

// WithAuditLogger sets a structured logger for the audit log.
func WithAuditLogger(l *slog.Logger) AuditLogOption {
	return func(a *AuditLog) { a.logger = l }
}

// AuditLog implements silas.AuditLog as a hash-chained append-only table.
// Each entry's hash covers its sequence number, event, payload, timestamp,
// and the previous entry's hash, so any retroactive edit breaks every
// hash after it. Checkpoints record a known-good head for incremental
// verification.
type AuditLog struct {
	db     *sql.DB
	logger *slog.Logger

	// mu serializes Log calls so two writers cannot both read the same
	// chain head and fork the chain.
	mu sync.Mutex
}

var _ silas.AuditLog = (*AuditLog)(nil)

// NewAuditLog creates an AuditLog over an existing *sql.DB.
// Pass store.DB() to share the same serialized connection.
func NewAuditLog(db *sql.DB, opts ...AuditLogOption) *AuditLog {
	a := &AuditLog{db: db, logger: nopLogger}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Log appends one event to the chain and returns its id.
func (a *AuditLog) Log(ctx context.Context, event string, data map[string]any) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal audit data: %w", err)
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var prevSeq int64
	prevHash := genesisHash
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&prevSeq, &prevHash)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("read chain head: %w", err)
	}

	id := silas.NewID()
	ts := silas.NowUnix()
	seq := prevSeq + 1
	hash := entryHash(seq, event, string(payload), ts, prevHash)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log (seq, id, event, data, ts, prev_hash, hash) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		seq, id, event, string(payload), ts, prevHash, hash,
	)
	if err != nil {
		return "", fmt.Errorf("append audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}

	a.logger.Debug("sqlite: audit logged", "event", event, "seq", seq, "duration", time.Since(start))
	return id, nil
}

// VerifyChain walks the full chain from genesis and reports integrity
// plus the number of entries checked.
func (a *AuditLog) VerifyChain(ctx context.Context) (bool, int, error) {
	return a.verifyFrom(ctx, 0, genesisHash)
}

// WriteCheckpoint records the current chain head so later verification
// can start there instead of genesis.
func (a *AuditLog) WriteCheckpoint(ctx context.Context) error {
	var seq int64
	var hash string
	err := a.db.QueryRowContext(ctx, `SELECT seq, hash FROM audit_log ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read chain head: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO audit_checkpoints (seq, hash, ts) VALUES (?, ?, ?)`,
		seq, hash, silas.NowUnix(),
	)
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	a.logger.Debug("sqlite: audit checkpoint written", "seq", seq)
	return nil
}

// VerifyFromCheckpoint verifies the chain from the most recent checkpoint
// forward. With no checkpoint it verifies the full chain.
func (a *AuditLog) VerifyFromCheckpoint(ctx context.Context) (bool, int, error) {
	var seq int64
	var hash string
	err := a.db.QueryRowContext(ctx, `SELECT seq, hash FROM audit_checkpoints ORDER BY seq DESC LIMIT 1`).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return a.VerifyChain(ctx)
	}
	if err != nil {
		return false, 0, fmt.Errorf("read checkpoint: %w", err)
	}

	// The checkpointed entry itself must still match before trusting it
	// as an anchor.
	var stored string
	err = a.db.QueryRowContext(ctx, `SELECT hash FROM audit_log WHERE seq = ?`, seq).Scan(&stored)
	if err != nil {
		return false, 0, fmt.Errorf("read checkpoint entry: %w", err)
	}
	if stored != hash {
		return false, 0, nil
	}
	return a.verifyFrom(ctx, seq, hash)
}

// verifyFrom recomputes every hash after (afterSeq, prevHash) and checks
// both the recorded prev_hash linkage and the entry hash.
func (a *AuditLog) verifyFrom(ctx context.Context, afterSeq int64, prevHash string) (bool, int, error) {
	start := time.Now()
	rows, err := a.db.QueryContext(ctx,
		`SELECT seq, event, data, ts, prev_hash, hash FROM audit_log WHERE seq > ? ORDER BY seq`, afterSeq)
	if err != nil {
		return false, 0, fmt.Errorf("read chain: %w", err)
	}
	defer rows.Close()

	checked := 0
	expectSeq := afterSeq
	for rows.Next() {
		var seq, ts int64
		var event, data, recordedPrev, recordedHash string
		if err := rows.Scan(&seq, &event, &data, &ts, &recordedPrev, &recordedHash); err != nil {
			return false, checked, fmt.Errorf("scan chain entry: %w", err)
		}
		expectSeq++
		if seq != expectSeq {
			// Gap in the sequence means an entry was deleted.
			return false, checked, nil
		}
		if recordedPrev != prevHash {
			return false, checked, nil
		}
		if entryHash(seq, event, data, ts, prevHash) != recordedHash {
			return false, checked, nil
		}
		prevHash = recordedHash
		checked++
	}
	if err := rows.Err(); err != nil {
		return false, checked, fmt.Errorf("iterate chain: %w", err)
	}
	a.logger.Debug("sqlite: audit chain verified", "checked", checked, "duration", time.Since(start))
	return true, checked, nil
}

func entryHash(seq int64, event, data string, ts int64, prevHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s\x00%d\x00%s", seq, event, data, ts, prevHash)
	return hex.EncodeToString(h.Sum(nil))
}
