package docpipeline

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AdvisoryLockManager acquires/releases per-(document,stage) non-blocking locks on the
// relational store. Grounded on teacher's ClaimNextRunnable, which already issues a raw
// `clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}` statement instead of opening a
// second connection pool; here the same "stay on the one *gorm.DB" discipline is applied to
// Postgres's session-level advisory lock functions via Raw SQL.
type AdvisoryLockManager struct {
	db *gorm.DB
}

func NewAdvisoryLockManager(db *gorm.DB) *AdvisoryLockManager {
	return &AdvisoryLockManager{db: db}
}

// LockHandle is returned by TryAcquire and must be passed to Release. It pins the *gorm.DB
// connection the lock was taken on: pg_advisory_lock is session-scoped, so release must happen
// on the same backend connection, not just the same pool.
type LockHandle struct {
	conn   *sql.Conn
	lockID uint32
}

// LockID computes the bit-exact deterministic key from spec §6: the first 8 hex chars of
// sha256(document_id + ":" + stage_name), interpreted as a uint32, masked into the signed
// 31-bit range Postgres's advisory lock functions accept.
func LockID(documentID uuid.UUID, stageName string) uint32 {
	sum := sha256.Sum256([]byte(documentID.String() + ":" + stageName))
	hexPrefix := hex.EncodeToString(sum[:4])
	n, err := strconv.ParseUint(hexPrefix, 16, 32)
	if err != nil {
		return 0
	}
	return uint32(n) & 0x7FFFFFFF
}

// TryAcquire attempts a non-blocking advisory lock. A nil handle with a nil error means the
// lock is held elsewhere; callers distinguish "first attempt" vs "retry attempt" contention
// per spec §4.3 themselves (see runner.go).
func (m *AdvisoryLockManager) TryAcquire(ctx context.Context, documentID uuid.UUID, stageName string) (*LockHandle, error) {
	lockID := LockID(documentID, stageName)
	conn := m.db.Session(&gorm.Session{NewDB: true}).WithContext(ctx)

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("docpipeline: advisory lock conn: %w", err)
	}
	rawConn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("docpipeline: advisory lock conn acquire: %w", err)
	}

	var acquired bool
	row := rawConn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", int32(lockID))
	if err := row.Scan(&acquired); err != nil {
		_ = rawConn.Close()
		return nil, fmt.Errorf("docpipeline: pg_try_advisory_lock: %w", err)
	}
	if !acquired {
		_ = rawConn.Close()
		return nil, nil
	}

	return &LockHandle{conn: rawConn, lockID: lockID}, nil
}

// Release unlocks and releases the pinned connection. Callers MUST invoke this in a
// guaranteed-release construct (defer) on every control-flow path, including panics recovered
// upstream in the Stage Runner.
func (m *AdvisoryLockManager) Release(ctx context.Context, handle *LockHandle) error {
	if handle == nil || handle.conn == nil {
		return nil
	}
	// Session-scoped unlock is best-effort: if the process crashes before this runs, Postgres
	// releases the lock automatically on session end, satisfying the crash-safety requirement.
	row := handle.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", int32(handle.lockID))
	var released bool
	_ = row.Scan(&released)
	return handle.conn.Close()
}
