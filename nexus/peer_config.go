package nexus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/lmittmann/tint"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// keyChatID is the document key carrying the chat identifier in
// returned configuration documents.
const keyChatID = "chat_id"

var (
	columnPeerConfigChatID = "chat_id"
	columnPeerConfigParams = "params"
)

// PeerConfig is the persisted configuration document for one chat: a
// flat parameter name -> value mapping, plus the chat ID key.
//
// Documents are created on a chat's first access and never deleted;
// values mutate only through validated updates.
type PeerConfig struct {
	ChatID int64             `gorm:"primaryKey;autoIncrement:false" json:"chat_id"`
	Params datatypes.JSONMap `gorm:"not null" json:"params"`
	ModelUnixTime
}

func (PeerConfig) TableName() string {
	return "peer_config"
}

// PeerConfigStore owns all reads and writes of per-chat configuration
// documents. It keeps a read-through/write-through cache keyed by chat
// ID with no TTL; entries are dropped only via [PeerConfigStore.Invalidate]
// or [PeerConfigStore.InvalidateAll].
//
// Cache reads and the missing-key reconciliation step are not mutually
// exclusive across concurrent requests for the same chat. A race can
// cause duplicate patch writes, but both write the same defaults, so
// reconciliation converges.
type PeerConfigStore struct {
	db       DBI
	registry *ParamRegistry
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[int64]map[string]any
}

func NewPeerConfigStore(
	db DBI,
	registry *ParamRegistry,
	logger *slog.Logger,
) *PeerConfigStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerConfigStore{
		db:       db,
		registry: registry,
		logger:   logger.With(loggerNameKey, "peer_config"),
		cache:    map[int64]map[string]any{},
	}
}

// Get returns the full configuration document for the given chat,
// creating it with every registered parameter's default on first access,
// and back-filling defaults for parameters registered after the document
// was created. Persistence failures are returned to the caller.
func (s *PeerConfigStore) Get(ctx context.Context, chatID int64) (
	map[string]any,
	error,
) {
	s.mu.RLock()
	cached, ok := s.cache[chatID]
	s.mu.RUnlock()
	if ok {
		return documentCopy(chatID, cached), nil
	}

	var record PeerConfig
	err := s.db.DB().WithContext(ctx).First(
		&record,
		"chat_id = ?",
		chatID,
	).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		params := s.registry.Defaults()
		record = PeerConfig{
			ChatID: chatID,
			Params: datatypes.JSONMap(params),
		}
		if _, createErr := s.db.Create(ctx, &record); createErr != nil {
			return nil, createErr
		}
		s.logger.InfoContext(
			ctx,
			"created new configuration",
			keyChatID, chatID,
		)
		s.storeCache(chatID, params)
		return documentCopy(chatID, params), nil
	case err != nil:
		return nil, err
	}

	params := s.normalize(map[string]any(record.Params))

	missing := map[string]any{}
	for name, defaultValue := range s.registry.Defaults() {
		if _, present := params[name]; !present {
			missing[name] = defaultValue
			params[name] = defaultValue
		}
	}

	if len(missing) > 0 {
		if _, updateErr := s.db.Updates(
			ctx,
			&PeerConfig{ChatID: chatID},
			map[string]any{columnPeerConfigParams: datatypes.JSONMap(params)},
		); updateErr != nil {
			return nil, updateErr
		}
		missingNames := make([]string, 0, len(missing))
		for name := range missing {
			missingNames = append(missingNames, name)
		}
		s.logger.InfoContext(
			ctx,
			"added missing parameters to config",
			keyChatID, chatID,
			"parameters", missingNames,
		)
	}

	s.storeCache(chatID, params)
	return documentCopy(chatID, params), nil
}

// Update validates each entry against the registry, drops entries that
// fail validation, persists the surviving subset as a document patch,
// refreshes the cache, and returns the full current document. An update
// where nothing survives validation is a no-op, not an error.
func (s *PeerConfigStore) Update(
	ctx context.Context,
	chatID int64,
	updates map[string]any,
) (map[string]any, error) {
	current, err := s.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}

	validUpdates := map[string]any{}
	for name, raw := range updates {
		if _, registered := s.registry.Get(name); !registered {
			s.logger.WarnContext(
				ctx,
				"dropping update for unregistered parameter",
				keyChatID, chatID,
				"parameter", name,
			)
			continue
		}
		coerced, valid := s.registry.ValidateAndCoerce(name, raw)
		if !valid {
			s.logger.ErrorContext(
				ctx,
				"validation failed for parameter",
				keyChatID, chatID,
				"parameter", name,
				"value", raw,
			)
			continue
		}
		validUpdates[name] = coerced
	}

	if len(validUpdates) == 0 {
		return current, nil
	}

	delete(current, keyChatID)
	for name, value := range validUpdates {
		current[name] = value
	}

	if _, err = s.db.Updates(
		ctx,
		&PeerConfig{ChatID: chatID},
		map[string]any{columnPeerConfigParams: datatypes.JSONMap(current)},
	); err != nil {
		return nil, err
	}

	s.storeCache(chatID, current)
	return documentCopy(chatID, current), nil
}

// Value resolves key as a command alias first, falling back to a
// literal parameter name, and returns the stored value for the chat.
// Unknown keys, values absent from the document, and lookup errors all
// yield the given default.
func (s *PeerConfigStore) Value(
	ctx context.Context,
	chatID int64,
	key string,
	defaultValue any,
) any {
	name, ok := s.registry.ResolveAlias(key)
	if !ok {
		name = key
	}

	doc, err := s.Get(ctx, chatID)
	if err != nil {
		s.logger.ErrorContext(
			ctx,
			"error getting chat setting",
			keyChatID, chatID,
			"setting", key,
			tint.Err(err),
		)
		return defaultValue
	}

	value, present := doc[name]
	if !present {
		return defaultValue
	}
	return value
}

// BoolValue is a convenience wrapper over [PeerConfigStore.Value] for
// boolean parameters.
func (s *PeerConfigStore) BoolValue(
	ctx context.Context,
	chatID int64,
	key string,
	defaultValue bool,
) bool {
	value := s.Value(ctx, chatID, key, defaultValue)
	b, ok := value.(bool)
	if !ok {
		return defaultValue
	}
	return b
}

// Invalidate drops one chat's cached document.
func (s *PeerConfigStore) Invalidate(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, chatID)
}

// InvalidateAll drops the entire cache.
func (s *PeerConfigStore) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = map[int64]map[string]any{}
}

func (s *PeerConfigStore) storeCache(chatID int64, params map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[chatID] = params
}

// normalize re-coerces loaded values through the registry so documents
// read back from JSON keep the registered default's runtime type
// (JSON round-trips turn ints into float64). Values for parameters no
// longer in the registry are kept as-is.
func (s *PeerConfigStore) normalize(params map[string]any) map[string]any {
	normalized := make(map[string]any, len(params))
	for name, value := range params {
		if _, registered := s.registry.Get(name); registered {
			if coerced, ok := s.registry.ValidateAndCoerce(name, value); ok {
				normalized[name] = coerced
				continue
			}
		}
		normalized[name] = value
	}
	return normalized
}

// documentCopy returns a shallow copy of params with the chat_id key
// added, so callers never hold a reference into the cache.
func documentCopy(chatID int64, params map[string]any) map[string]any {
	doc := make(map[string]any, len(params)+1)
	doc[keyChatID] = chatID
	for name, value := range params {
		doc[name] = value
	}
	return doc
}
