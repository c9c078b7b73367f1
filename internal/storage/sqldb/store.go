// Package sqldb implements the entity store on SQLite or PostgreSQL through sqlx.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/supportdesk/internal/core/domain"
	"github.com/tjfontaine/supportdesk/internal/core/ports"
	"github.com/tjfontaine/supportdesk/internal/storage/dialect"
)

// Store is a SQL implementation of ports.EntityStore that supports
// multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.EntityStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver       string // sqlite or postgres
	DSN          string
	MaxOpenConns int
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := cfg.MaxOpenConns
	if limit := d.MaxOpenConns(); limit > 0 && (maxConns == 0 || maxConns > limit) {
		maxConns = limit
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dsn string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	boolType := s.dialect.BooleanType()
	tsType := s.dialect.TimestampType()

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			customer_name TEXT NOT NULL,
			customer_email TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_agent TEXT,
			handoff_requested %[1]s NOT NULL DEFAULT FALSE,
			handoff_reason TEXT,
			is_resolved %[1]s NOT NULL DEFAULT FALSE,
			created_at %[2]s NOT NULL,
			updated_at %[2]s NOT NULL
		)`, boolType, tsType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			%[1]s,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_type TEXT NOT NULL,
			sender_name TEXT NOT NULL,
			message TEXT NOT NULL,
			is_automated %[2]s NOT NULL DEFAULT FALSE,
			confidence_score DOUBLE PRECISION,
			created_at %[3]s NOT NULL
		)`, s.dialect.SequenceColumn(), boolType, tsType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_base (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			question TEXT NOT NULL,
			answer TEXT NOT NULL,
			category TEXT,
			is_active %[1]s NOT NULL DEFAULT TRUE,
			created_at %[2]s NOT NULL,
			updated_at %[2]s NOT NULL
		)`, boolType, tsType),
		`CREATE INDEX IF NOT EXISTS idx_conversations_client ON conversations(client_id, is_resolved, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_base_client ON knowledge_base(client_id, is_active)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(s.dialect.Rebind(stmt)); err != nil {
			return err
		}
	}
	return nil
}

type conversationRow struct {
	ID               string         `db:"id"`
	ClientID         string         `db:"client_id"`
	CustomerName     string         `db:"customer_name"`
	CustomerEmail    string         `db:"customer_email"`
	Status           string         `db:"status"`
	AssignedAgent    sql.NullString `db:"assigned_agent"`
	HandoffRequested bool           `db:"handoff_requested"`
	HandoffReason    sql.NullString `db:"handoff_reason"`
	IsResolved       bool           `db:"is_resolved"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r *conversationRow) toDomain() *domain.Conversation {
	return &domain.Conversation{
		ID:               r.ID,
		ClientID:         r.ClientID,
		CustomerName:     r.CustomerName,
		CustomerEmail:    r.CustomerEmail,
		Status:           domain.ConversationStatus(r.Status),
		AssignedAgent:    r.AssignedAgent.String,
		HandoffRequested: r.HandoffRequested,
		HandoffReason:    r.HandoffReason.String,
		IsResolved:       r.IsResolved,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

type messageRow struct {
	Seq             int64           `db:"seq"`
	ID              string          `db:"id"`
	ConversationID  string          `db:"conversation_id"`
	SenderType      string          `db:"sender_type"`
	SenderName      string          `db:"sender_name"`
	Message         string          `db:"message"`
	IsAutomated     bool            `db:"is_automated"`
	ConfidenceScore sql.NullFloat64 `db:"confidence_score"`
	CreatedAt       time.Time       `db:"created_at"`
}

func (r *messageRow) toDomain() *domain.Message {
	msg := &domain.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderType:     domain.SenderType(r.SenderType),
		SenderName:     r.SenderName,
		Text:           r.Message,
		IsAutomated:    r.IsAutomated,
		CreatedAt:      r.CreatedAt,
		Seq:            r.Seq,
	}
	if r.ConfidenceScore.Valid {
		msg.ConfidenceScore = domain.Float64(r.ConfidenceScore.Float64)
	}
	return msg
}

type knowledgeBaseRow struct {
	ID        string         `db:"id"`
	ClientID  string         `db:"client_id"`
	Question  string         `db:"question"`
	Answer    string         `db:"answer"`
	Category  sql.NullString `db:"category"`
	IsActive  bool           `db:"is_active"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}

const conversationColumns = `id, client_id, customer_name, customer_email, status, assigned_agent,
	handoff_requested, handoff_reason, is_resolved, created_at, updated_at`

const messageColumns = `seq, id, conversation_id, sender_type, sender_name, message,
	is_automated, confidence_score, created_at`

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateConversation stores a new conversation.
func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = conv.CreatedAt
	if conv.Status == "" {
		conv.Status = domain.StatusBotActive
	}

	query := s.dialect.Rebind(`INSERT INTO conversations (` + conversationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		conv.ID, conv.ClientID, conv.CustomerName, conv.CustomerEmail, string(conv.Status),
		nullString(conv.AssignedAgent), conv.HandoffRequested, nullString(conv.HandoffReason),
		conv.IsResolved, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := s.dialect.Rebind(`SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`)

	var row conversationRow
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ConversationNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return row.toDomain(), nil
}

// AppendMessage appends to the conversation log and bumps updated_at.
func (s *Store) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var score sql.NullFloat64
	if msg.ConfidenceScore != nil {
		score = sql.NullFloat64{Float64: *msg.ConfidenceScore, Valid: true}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	bump := s.dialect.Rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`)
	res, err := tx.ExecContext(ctx, bump, msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ConversationNotFound(msg.ConversationID)
	}

	insert := s.dialect.Rebind(`INSERT INTO messages (id, conversation_id, sender_type, sender_name, message,
		is_automated, confidence_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`)
	if err := tx.QueryRowxContext(ctx, insert,
		msg.ID, msg.ConversationID, string(msg.SenderType), msg.SenderName, msg.Text,
		msg.IsAutomated, score, msg.CreatedAt).Scan(&msg.Seq); err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message: %w", err)
	}
	return nil
}

// ListMessages returns messages oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, opts ports.ListMessagesOptions) ([]*domain.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	var (
		rows []messageRow
		err  error
	)
	if opts.Limit > 0 {
		query := s.dialect.Rebind(`SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`)
		err = s.db.SelectContext(ctx, &rows, query, conversationID, opts.Limit)
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	} else {
		query := s.dialect.Rebind(`SELECT ` + messageColumns + ` FROM messages
			WHERE conversation_id = ? ORDER BY seq ASC`)
		err = s.db.SelectContext(ctx, &rows, query, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	messages := make([]*domain.Message, len(rows))
	for i := range rows {
		messages[i] = rows[i].toDomain()
	}
	return messages, nil
}

// UpdateConversation applies a conditional update in a single statement.
func (s *Store) UpdateConversation(ctx context.Context, id string, upd ports.ConversationUpdate) (*domain.Conversation, error) {
	var (
		sets []string
		args []any
	)
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.AssignedAgent != nil {
		sets = append(sets, "assigned_agent = ?")
		args = append(args, nullString(*upd.AssignedAgent))
	}
	if upd.RequestHandoff {
		// Right-hand sides see the old row, so the reason is only written
		// when the flag actually flips.
		sets = append(sets,
			"handoff_reason = CASE WHEN handoff_requested THEN handoff_reason ELSE ? END",
			"handoff_requested = ?")
		args = append(args, upd.HandoffReason, true)
	}
	if upd.Resolve {
		sets = append(sets, "is_resolved = ?")
		args = append(args, true)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	where := []string{"id = ?"}
	args = append(args, id)
	if upd.ExpectedStatus != nil {
		where = append(where, "status = ?")
		args = append(args, string(*upd.ExpectedStatus))
	}
	if upd.RequireUnassigned {
		where = append(where, "(assigned_agent IS NULL OR assigned_agent = '')")
	}

	// RETURNING reports the row this update wrote, not a later reader's view.
	query := s.dialect.Rebind(fmt.Sprintf(`UPDATE conversations SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), strings.Join(where, " AND "), conversationColumns))

	var row conversationRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, domain.Conflict("conversation %s changed concurrently (status %s)", id, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	return row.toDomain(), nil
}

// ListActiveConversations lists unresolved conversations, most recently updated first.
func (s *Store) ListActiveConversations(ctx context.Context, clientID string) ([]*domain.Conversation, error) {
	query := s.dialect.Rebind(`SELECT ` + conversationColumns + ` FROM conversations
		WHERE client_id = ? AND is_resolved = ?
		ORDER BY updated_at DESC, id ASC`)

	var rows []conversationRow
	if err := s.db.SelectContext(ctx, &rows, query, clientID, false); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	convs := make([]*domain.Conversation, len(rows))
	for i := range rows {
		convs[i] = rows[i].toDomain()
	}
	return convs, nil
}

// ListKnowledgeBase lists a tenant's knowledge-base items in insertion order.
func (s *Store) ListKnowledgeBase(ctx context.Context, clientID string, activeOnly bool) ([]*domain.KnowledgeBaseItem, error) {
	query := `SELECT id, client_id, question, answer, category, is_active, created_at, updated_at
		FROM knowledge_base WHERE client_id = ?`
	args := []any{clientID}
	if activeOnly {
		query += ` AND is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	var rows []knowledgeBaseRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list knowledge base: %w", err)
	}

	items := make([]*domain.KnowledgeBaseItem, len(rows))
	for i, r := range rows {
		items[i] = &domain.KnowledgeBaseItem{
			ID:        r.ID,
			ClientID:  r.ClientID,
			Question:  r.Question,
			Answer:    r.Answer,
			Category:  r.Category.String,
			IsActive:  r.IsActive,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		}
	}
	return items, nil
}

// UpsertKnowledgeBaseItem inserts or replaces an item by ID.
func (s *Store) UpsertKnowledgeBaseItem(ctx context.Context, item *domain.KnowledgeBaseItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO knowledge_base
		(id, client_id, question, answer, category, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) %s`,
		s.dialect.UpsertClause("id", []string{"question", "answer", "category", "is_active", "updated_at"})))

	_, err := s.db.ExecContext(ctx, query,
		item.ID, item.ClientID, item.Question, item.Answer, nullString(item.Category),
		item.IsActive, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert knowledge base item: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
