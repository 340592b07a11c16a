package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"recepta/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.ConversationStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id                   TEXT PRIMARY KEY,
		tenant_id            TEXT NOT NULL,
		contact_address      TEXT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'automated',
		assigned_operator_id TEXT,
		created_at           DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at           DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (tenant_id, contact_address)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender          TEXT NOT NULL,
		content         TEXT NOT NULL,
		external_id     TEXT,
		intent          TEXT,
		created_at      DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) FindByAddress(ctx context.Context, tenantID, address string) (*domain.Conversation, error) {
	return s.scanConversation(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, contact_address, status, assigned_operator_id, created_at, updated_at
		 FROM conversations WHERE tenant_id = ? AND contact_address = ?`,
		tenantID, address,
	))
}

// FindOrCreate is race-safe: the UNIQUE(tenant_id, contact_address)
// constraint plus INSERT OR IGNORE guarantees two near-simultaneous first
// messages from the same contact resolve to a single row.
func (s *SQLiteStore) FindOrCreate(ctx context.Context, tenantID, address string) (*domain.Conversation, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, tenant_id, contact_address, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id, contact_address) DO NOTHING`,
		uuid.NewString(), tenantID, address, domain.StatusAutomated, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	conv, err := s.FindByAddress(ctx, tenantID, address)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation vanished after insert for tenant %s", tenantID)
	}
	return conv, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := s.scanConversation(s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, contact_address, status, assigned_operator_id, created_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	))
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, domain.ErrNotFound
	}
	return conv, nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status domain.ConversationStatus, operatorID string) (*domain.Conversation, error) {
	var operator sql.NullString
	if status == domain.StatusHuman && operatorID != "" {
		operator = sql.NullString{String: operatorID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, assigned_operator_id = ?, updated_at = ? WHERE id = ?`,
		status, operator, time.Now(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.ErrNotFound
	}
	return s.GetConversation(ctx, id)
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg domain.Message) (*domain.Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var intentJSON sql.NullString
	if msg.Intent != nil {
		data, err := json.Marshal(msg.Intent)
		if err != nil {
			return nil, fmt.Errorf("marshal intent: %w", err)
		}
		intentJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender, content, external_id, intent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.Sender, msg.Text, nullable(msg.ExternalID), intentJSON, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	msg.ID, _ = res.LastInsertId()

	_, _ = s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ConversationID,
	)
	return &msg, nil
}

func (s *SQLiteStore) SetMessageExternalID(ctx context.Context, messageID int64, externalID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET external_id = ? WHERE id = ?`, nullable(externalID), messageID,
	)
	if err != nil {
		return fmt.Errorf("set external id: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 10
	}

	// Get last N messages, ordered oldest first
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender, content, external_id, intent, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var externalID, intentJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Text,
			&externalID, &intentJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ExternalID = externalID.String
		if intentJSON.Valid {
			var intent domain.ExtractedIntent
			if err := json.Unmarshal([]byte(intentJSON.String), &intent); err == nil {
				m.Intent = &intent
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, tenantID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, contact_address, status, assigned_operator_id, created_at, updated_at
		 FROM conversations WHERE tenant_id = ?
		 ORDER BY updated_at DESC LIMIT ?`, tenantID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var operator sql.NullString
		if err := rows.Scan(&c.ID, &c.TenantID, &c.ContactAddress, &c.Status,
			&operator, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.AssignedOperatorID = operator.String
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*domain.Conversation, error) {
	var c domain.Conversation
	var operator sql.NullString
	err := row.Scan(&c.ID, &c.TenantID, &c.ContactAddress, &c.Status,
		&operator, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.AssignedOperatorID = operator.String
	return &c, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
