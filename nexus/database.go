package nexus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	postgresNotifyChannelPeerConfigInvalidated = "nexus_peer_config_invalidated"
	postgresNotifyChannelStop                  = "nexus_stop"
)

var (
	dbOperationTimeout    = 30 * time.Second
	dbNotifierSendTimeout = 15 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// database wraps the GORM connection, serializing writes behind a mutex
// when concurrent writes are disabled (always the case for SQLite).
// It implements the DBI interface.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase initializes a new database instance wrapping the given
// GORM connection.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	d := &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
	return d
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) Unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	db := d.db
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	db = db.WithContext(ctx)

	if len(omit) > 0 {
		rv := db.Omit(omit...).Create(value)
		return rv.RowsAffected, rv.Error
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) (err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Transaction(fc, opts...)
	return rv
}

func (d *database) Save(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	if len(omit) > 0 {
		rv := d.db.WithContext(ctx).Omit(omit...).Save(value)
		return rv.RowsAffected, rv.Error
	}
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(
	ctx context.Context,
	model any,
	column string,
	value any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}

	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

// Upsert creates the record, updating all columns on primary-key
// conflict.
func (d *database) Upsert(ctx context.Context, value any) (
	rowsAffected int64,
	err error,
) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{UpdateAll: true},
	).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) DeleteWhere(
	ctx context.Context,
	model any,
	query any,
	conds ...any,
) (rowsAffected int64, err error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	_, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Where(query, conds...).Delete(model)
	return rv.RowsAffected, rv.Error
}

// DBI defines the interface for database operations. This is here primarily
// to enable mocking of the database operations for testing.
// [database] implements this interface for 'real' DB operations.
type DBI interface {
	Lock()
	Unlock()

	DB() *gorm.DB
	Create(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any, omit ...string) (rowsAffected int64, err error)
	Upsert(ctx context.Context, value any) (rowsAffected int64, err error)
	Update(ctx context.Context, model any, column string, value any) (
		rowsAffected int64,
		err error,
	)
	DeleteWhere(ctx context.Context, model any, query any, conds ...any) (
		rowsAffected int64,
		err error,
	)
	Transaction(
		ctx context.Context,
		fc func(tx *gorm.DB) error,
		opts ...*sql.TxOptions,
	) (err error)
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, and migrates this module's models.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, 500*time.Millisecond)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&PeerConfig{},
		&RateLimitRecord{},
		&BotState{},
	)
	if err != nil {
		return db, err
	}

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type ('sqlite' or 'postgres').
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

// DBNotifier defines the interface for notifying bot instances of
// peer-config cache invalidations and shutdown signals. SQLite deployments
// are single-instance, so the SQLite notifier applies everything locally;
// the Postgres notifier fans out via LISTEN/NOTIFY.
type DBNotifier interface {
	PeerConfigChannelName() string

	// PeerConfigInvalidated announces that the given chat's cached
	// configuration should be dropped. chatID 0 means 'all chats'.
	PeerConfigInvalidated(ctx context.Context, chatID int64) bool

	StopChannelName() string

	// Stop sends a shutdown signal to all bot instances
	Stop(context.Context) bool

	// ID returns the identifier for this notifier. DBNotifier instances
	// use this ID to filter out their own notifications.
	ID() string
	Listen(ctx context.Context, channel string) error
}

func newDBNotifier(n *Nexus) (DBNotifier, error) {
	notifyID, err := generateRandomHexString(16)
	if err != nil {
		return nil, err
	}
	log := n.logger.With(loggerNameKey, "db_notifier")
	var notifier DBNotifier
	switch n.config.DatabaseType {
	case dbTypeSQLite:
		notifier = &sqliteNotifier{
			logger:         log,
			n:              n,
			sqliteNotifyID: notifyID,
		}
	case dbTypePostgres:
		notifier = &postgresNotifier{
			n:          n,
			logger:     log,
			pgNotifyID: notifyID,
		}
	default:
		return nil, errors.New("invalid database type")
	}
	return notifier, nil
}

type sqliteNotifier struct {
	logger         *slog.Logger
	n              *Nexus
	sqliteNotifyID string
}

func (s *sqliteNotifier) Listen(_ context.Context, channel string) error {
	s.logger.Debug("listener called", "channel", channel)
	return nil
}

func (s *sqliteNotifier) ID() string {
	return s.sqliteNotifyID
}

func (s *sqliteNotifier) PeerConfigChannelName() string {
	return postgresNotifyChannelPeerConfigInvalidated
}

func (s *sqliteNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (s *sqliteNotifier) PeerConfigInvalidated(
	_ context.Context,
	chatID int64,
) bool {
	if chatID == 0 {
		s.n.peerConfig.InvalidateAll()
	} else {
		s.n.peerConfig.Invalidate(chatID)
	}
	return true
}

func (s *sqliteNotifier) Stop(_ context.Context) bool {
	select {
	case s.n.signalStop <- struct{}{}:
		return true
	default:
		s.logger.Warn("stop signal already pending")
		return false
	}
}

type postgresNotifier struct {
	logger     *slog.Logger
	n          *Nexus
	pgNotifyID string
	pool       *pgxpool.Pool
	poolOnce   sync.Once
}

func (p *postgresNotifier) ID() string {
	return p.pgNotifyID
}

func (p *postgresNotifier) PeerConfigChannelName() string {
	return postgresNotifyChannelPeerConfigInvalidated
}

func (p *postgresNotifier) StopChannelName() string {
	return postgresNotifyChannelStop
}

func (p *postgresNotifier) getPool(ctx context.Context) (*pgxpool.Pool, error) {
	var err error
	p.poolOnce.Do(
		func() {
			p.pool, err = pgxpool.New(ctx, p.n.config.Database)
		},
	)
	if err != nil {
		return nil, err
	}
	if p.pool == nil {
		return nil, errors.New("postgres pool not initialized")
	}
	return p.pool, nil
}

func (p *postgresNotifier) notify(
	ctx context.Context,
	channel string,
	payload string,
) bool {
	sendCtx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
	defer cancel()

	pool, err := p.getPool(sendCtx)
	if err != nil {
		p.logger.Error("error getting postgres pool", tint.Err(err))
		return false
	}
	_, err = pool.Exec(
		sendCtx,
		"SELECT pg_notify($1, $2)",
		channel,
		fmt.Sprintf("%s:%s", p.pgNotifyID, payload),
	)
	if err != nil {
		p.logger.Error(
			"error sending notification",
			"channel", channel,
			tint.Err(err),
		)
		return false
	}
	return true
}

func (p *postgresNotifier) PeerConfigInvalidated(
	ctx context.Context,
	chatID int64,
) bool {
	// apply locally first so the calling instance converges immediately
	if chatID == 0 {
		p.n.peerConfig.InvalidateAll()
	} else {
		p.n.peerConfig.Invalidate(chatID)
	}
	return p.notify(
		ctx,
		p.PeerConfigChannelName(),
		fmt.Sprintf("%d", chatID),
	)
}

func (p *postgresNotifier) Stop(ctx context.Context) bool {
	select {
	case p.n.signalStop <- struct{}{}:
	default:
		p.logger.Warn("stop signal already pending")
	}
	return p.notify(ctx, p.StopChannelName(), "stop")
}

// Listen subscribes to the given channel and dispatches notifications
// until the context is cancelled. Notifications originating from this
// notifier's own ID are ignored.
func (p *postgresNotifier) Listen(ctx context.Context, channel string) error {
	pool, err := p.getPool(ctx)
	if err != nil {
		return err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, fmt.Sprintf("LISTEN %s", channel))
	if err != nil {
		return err
	}
	p.logger.Info("listening", "channel", channel)

	for {
		notification, waitErr := conn.Conn().WaitForNotification(ctx)
		if waitErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return waitErr
		}

		senderID, payload, found := strings.Cut(notification.Payload, ":")
		if !found {
			p.logger.Warn(
				"malformed notification payload",
				"payload", notification.Payload,
			)
			continue
		}
		if senderID == p.pgNotifyID {
			continue
		}

		switch notification.Channel {
		case p.PeerConfigChannelName():
			var chatID int64
			if _, scanErr := fmt.Sscanf(payload, "%d", &chatID); scanErr != nil {
				p.logger.Warn(
					"bad chat id in notification",
					"payload", payload,
				)
				continue
			}
			if chatID == 0 {
				p.n.peerConfig.InvalidateAll()
			} else {
				p.n.peerConfig.Invalidate(chatID)
			}
			p.logger.Info(
				"invalidated peer config from notification",
				"chat_id", chatID,
			)
		case p.StopChannelName():
			select {
			case p.n.signalStop <- struct{}{}:
			default:
			}
		}
	}
}
