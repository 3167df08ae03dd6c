package nexus

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

// gormDB creates a temporary SQLite database for testing purposes.
//
// The function creates a temporary directory, constructs a SQLite
// database file path within it, and initializes the database using the
// CreateDB function. If there is an error during database creation, the
// test fails with a fatal error.
func gormDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))

	db, err := CreateDB(context.Background(), "sqlite", dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	return db
}

// testDB wraps a fresh temporary SQLite database in the write-serializing
// DBI used at runtime.
func testDB(t testing.TB) DBI {
	t.Helper()
	return NewDatabase(
		gormDB(t),
		slog.Default().With("test", t.Name()),
		false,
	)
}

// testRegistry returns a registry with the parameter set most tests
// exercise: two booleans with derived aliases, an integer, and a string.
func testRegistry(t testing.TB) *ParamRegistry {
	t.Helper()
	registry := NewParamRegistry()
	registry.Register(
		ParamDescriptor{
			Name:        "nsfw_enabled",
			Kind:        ParamKindCore,
			Default:     false,
			Description: "Whether 18+ content is allowed in this chat",
			DisplayName: "NSFW content",
		},
	)
	registry.Register(
		ParamDescriptor{
			Name:        "summary_enabled",
			Kind:        PluginParamKind("summary"),
			Default:     false,
			Description: "Summarize messages on demand",
			DisplayName: "Chat summarization",
		},
	)
	registry.Register(
		ParamDescriptor{
			Name:        "summary_threshold",
			Kind:        PluginParamKind("summary"),
			Default:     60,
			Description: "Minimum messages before a summary",
			DisplayName: "Summary threshold",
		},
	)
	registry.Register(
		ParamDescriptor{
			Name:        "greeting",
			Kind:        ParamKindCore,
			Default:     "hello",
			Description: "Greeting text",
			DisplayName: "Greeting",
		},
	)
	return registry
}

// newTestNexus builds a Nexus backed by a temporary SQLite database and
// a mock gateway session, skipping Run entirely.
func newTestNexus(t testing.TB) (*Nexus, *mockDiscordSession) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	logger := slog.Default().With("test", t.Name())

	n := &Nexus{
		config:      cfg,
		logger:      logger,
		commands:    map[string]Plugin{},
		registry:    NewParamRegistry(),
		signalReady: make(chan struct{}, 1),
		signalStop:  make(chan struct{}, 1),
	}
	n.registerCoreParams()
	n.db = testDB(t)
	n.peerConfig = NewPeerConfigStore(n.db, n.registry, logger)
	n.rateLimiter = NewRateLimiter(n.db, logger, DefaultRateLimitRetention)

	session := &mockDiscordSession{}
	n.discord = &Discord{
		config:  cfg.Discord,
		session: session,
		logger:  logger,
		n:       n,
		memberPermissions: func(*discordgo.MessageCreate) (int64, error) {
			return discordgo.PermissionAdministrator, nil
		},
	}

	notifier, err := newDBNotifier(n)
	if err != nil {
		t.Fatalf("error creating notifier: %v", err)
	}
	n.dbNotifier = notifier

	return n, session
}

// newTestMessage builds a guild message event for the given chat/user.
func newTestMessage(chatID, userID int64, content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ID:        "1000",
			ChannelID: fmt.Sprintf("%d", chatID),
			GuildID:   "900",
			Content:   content,
			Author:    &discordgo.User{ID: fmt.Sprintf("%d", userID)},
		},
	}
}

// mockDiscordSession implements DiscordSessionHandler, recording sent
// messages.
type mockDiscordSession struct {
	mu      sync.Mutex
	replies []string
	sent    []string
}

func (m *mockDiscordSession) Replies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.replies))
	copy(out, m.replies)
	return out
}

func (m *mockDiscordSession) LastReply() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return ""
	}
	return m.replies[len(m.replies)-1]
}

func (m *mockDiscordSession) Open() error  { return nil }
func (m *mockDiscordSession) Close() error { return nil }

func (m *mockDiscordSession) ChannelMessageSend(
	_ string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, message)
	return &discordgo.Message{Content: message}, nil
}

func (m *mockDiscordSession) ChannelMessageSendReply(
	_ string,
	content string,
	_ *discordgo.MessageReference,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, content)
	return &discordgo.Message{Content: content}, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(string) error { return nil }

func (m *mockDiscordSession) AddHandler(any) func() { return func() {} }

func (m *mockDiscordSession) UserChannelPermissions(string, string) (int64, error) {
	return 0, nil
}

func (m *mockDiscordSession) SetHTTPClient(*http.Client) {}

func (m *mockDiscordSession) SetLogLevel(slog.Level) error { return nil }
