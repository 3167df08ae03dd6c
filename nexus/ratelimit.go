package nexus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	columnRateLimitUserID        = "user_id"
	columnRateLimitOperation     = "operation"
	columnRateLimitLastAllowedAt = "last_allowed_at"
)

// RateLimitRecord is the durable timestamp of the most recently granted
// request for a (user, operation) pair. Records exist for cross-restart
// tolerance and audit; the in-memory cache is authoritative for the
// live process.
type RateLimitRecord struct {
	UserID        int64  `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Operation     string `gorm:"primaryKey;type:string" json:"operation"`
	LastAllowedAt int64  `gorm:"column:last_allowed_at;not null" json:"last_allowed_at"`
}

func (RateLimitRecord) TableName() string {
	return "rate_limits"
}

type rateLimitKey struct {
	userID    int64
	operation string
}

// RateLimiter enforces a minimum time gap between granted requests per
// (user, operation) pair.
//
// One process-wide mutex orders every check-and-set: a slow durable
// write while holding the lock blocks unrelated pairs. That is a known
// scalability limitation, not a correctness one; shard the lock by key
// hash if it ever becomes a bottleneck.
//
// Records are keyed by (user, operation) only. Call sites checking the
// same operation name must agree on one window; the window is an
// argument of each check, not part of the record.
type RateLimiter struct {
	db     DBI
	logger *slog.Logger

	mu    sync.Mutex
	cache map[rateLimitKey]time.Time

	// retention is a housekeeping horizon for durable records,
	// independent of any window ever checked against them.
	retention time.Duration

	// now is swappable for tests
	now func() time.Time
}

func NewRateLimiter(
	db DBI,
	logger *slog.Logger,
	retention time.Duration,
) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultRateLimitRetention
	}
	return &RateLimiter{
		db:        db,
		logger:    logger.With(loggerNameKey, "rate_limiter"),
		cache:     map[rateLimitKey]time.Time{},
		retention: retention,
		now:       time.Now,
	}
}

// Check reports whether the operation is allowed for the user right now,
// given the minimum gap between granted requests. A disallowed check
// mutates nothing. An allowed check stamps the in-memory cache before
// the durable write, so a concurrent check for the same pair sees the
// new timestamp and is disallowed even while the write is in flight.
//
// A durable-store failure is logged and the grant kept: availability of
// the guarded operation wins over durability of the audit trail.
func (r *RateLimiter) Check(
	ctx context.Context,
	userID int64,
	operation string,
	window time.Duration,
) bool {
	key := rateLimitKey{userID: userID, operation: operation}

	r.mu.Lock()
	defer r.mu.Unlock()

	currentTime := r.now()
	if last, seen := r.cache[key]; seen {
		if currentTime.Sub(last) < window {
			return false
		}
	}

	r.cache[key] = currentTime

	record := RateLimitRecord{
		UserID:        userID,
		Operation:     operation,
		LastAllowedAt: currentTime.UnixMilli(),
	}
	if _, err := r.db.Upsert(ctx, &record); err != nil {
		r.logger.ErrorContext(
			ctx,
			"failed to update rate limit record",
			columnRateLimitUserID, userID,
			columnRateLimitOperation, operation,
			tint.Err(err),
		)
	}

	return true
}

// Warm pre-loads durable records within the retention horizon into the
// in-memory cache. Called once on startup: a restarted process falls
// back to the persisted timestamps, which may be stale by up to one
// window, producing at most one extra grant per pair.
func (r *RateLimiter) Warm(ctx context.Context) error {
	horizon := r.now().Add(-r.retention).UnixMilli()

	var records []RateLimitRecord
	err := r.db.DB().WithContext(ctx).Where(
		"last_allowed_at >= ?",
		horizon,
	).Find(&records).Error
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range records {
		key := rateLimitKey{
			userID:    record.UserID,
			operation: record.Operation,
		}
		r.cache[key] = time.UnixMilli(record.LastAllowedAt)
	}
	r.logger.InfoContext(
		ctx,
		"warmed rate limit cache",
		"records", len(records),
	)
	return nil
}

// Sweep deletes durable records and cache entries older than the
// retention horizon. Storage hygiene only; correctness never depends
// on it.
func (r *RateLimiter) Sweep(ctx context.Context) error {
	cutoff := r.now().Add(-r.retention)

	rowsAffected, err := r.db.DeleteWhere(
		ctx,
		&RateLimitRecord{},
		"last_allowed_at < ?",
		cutoff.UnixMilli(),
	)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for key, last := range r.cache {
		if last.Before(cutoff) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()

	if rowsAffected > 0 {
		r.logger.InfoContext(
			ctx,
			"swept expired rate limit records",
			"rows", rowsAffected,
		)
	}
	return nil
}

// runSweeper runs Sweep on the given interval until the context is
// cancelled.
func (r *RateLimiter) runSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRateLimitSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("rate limit sweep failed", tint.Err(err))
			}
		}
	}
}
