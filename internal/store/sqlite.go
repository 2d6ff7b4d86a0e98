// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Turn application and thread creation run as single compare-and-set transactions

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that text comparison in ORDER BY matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// maxApplyAttempts bounds how often ApplyTurn re-reads the row after losing a compare-and-set.
const maxApplyAttempts = 3

// errTurnConflict signals that the conversation row changed between read and write.
var errTurnConflict = errors.New("conversation changed concurrently")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connections (
			id                TEXT PRIMARY KEY,
			inviter_email     TEXT NOT NULL,
			invitee_email     TEXT NOT NULL,
			inviter_user_id   TEXT,
			invitee_user_id   TEXT,
			relationship_type TEXT NOT NULL,
			inviter_role      TEXT,
			invitee_role      TEXT,
			status            TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('pending', 'accepted', 'declined')),
			CHECK (inviter_email <> invitee_email)
		);

		CREATE INDEX IF NOT EXISTS idx_connections_inviter ON connections(inviter_email);
		CREATE INDEX IF NOT EXISTS idx_connections_invitee ON connections(invitee_email);

		CREATE TABLE IF NOT EXISTS conversations (
			id                  TEXT PRIMARY KEY,
			connection_id       TEXT NOT NULL REFERENCES connections(id),
			participant1_email  TEXT NOT NULL,
			participant2_email  TEXT NOT NULL,
			current_turn        TEXT NOT NULL,
			relationship_type   TEXT NOT NULL,
			message_count       INTEGER NOT NULL DEFAULT 0,
			last_message_type   TEXT,
			created_at          TEXT NOT NULL,
			last_activity_at    TEXT NOT NULL,

			CHECK (current_turn IN (participant1_email, participant2_email)),
			CHECK (participant1_email <> participant2_email)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_connection_activity
			ON conversations(connection_id, last_activity_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq             INTEGER NOT NULL,
			sender_email    TEXT NOT NULL,
			type            TEXT NOT NULL,
			format          TEXT NOT NULL DEFAULT 'text',
			content         TEXT NOT NULL DEFAULT '',
			audio_file_url  TEXT,
			transcription   TEXT,
			created_at      TEXT NOT NULL,

			UNIQUE (conversation_id, seq),
			CHECK (type IN ('question', 'response')),
			CHECK (format IN ('text', 'voice'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "connections",
			column: "inviter_role",
			apply:  `ALTER TABLE connections ADD COLUMN inviter_role TEXT`,
		},
		{
			table:  "connections",
			column: "invitee_role",
			apply:  `ALTER TABLE connections ADD COLUMN invitee_role TEXT`,
		},
		{
			table:  "messages",
			column: "transcription",
			apply:  `ALTER TABLE messages ADD COLUMN transcription TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by older builds used RFC3339
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isConstraintViolation checks if the error is a SQLite UNIQUE/PRIMARY KEY constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY")
}

// transient marks a driver error as retryable by the caller
func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

const connectionColumns = `id, inviter_email, invitee_email, inviter_user_id, invitee_user_id,
	relationship_type, inviter_role, invitee_role, status, created_at, updated_at`

func scanConnection(row rowScanner) (*Connection, error) {
	var c Connection
	var inviterUserID, inviteeUserID, inviterRole, inviteeRole sql.NullString
	var status, createdAt, updatedAt string

	err := row.Scan(&c.ID, &c.InviterEmail, &c.InviteeEmail, &inviterUserID, &inviteeUserID,
		&c.RelationshipType, &inviterRole, &inviteeRole, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning connection: %w", err)
	}

	c.InviterUserID = inviterUserID.String
	c.InviteeUserID = inviteeUserID.String
	c.InviterRole = inviterRole.String
	c.InviteeRole = inviteeRole.String
	c.Status = ConnectionStatus(status)

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// CreateConnection inserts a new connection.
// Returns ErrDuplicate if a connection with the same ID exists.
func (s *SQLiteStore) CreateConnection(ctx context.Context, conn *Connection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conn.ID,
		conn.InviterEmail,
		conn.InviteeEmail,
		nullString(conn.InviterUserID),
		nullString(conn.InviteeUserID),
		conn.RelationshipType,
		nullString(conn.InviterRole),
		nullString(conn.InviteeRole),
		string(conn.Status),
		formatTime(conn.CreatedAt),
		formatTime(conn.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return transient("inserting connection", err)
	}

	s.logger.Debug("created connection", "id", conn.ID, "inviter", conn.InviterEmail, "invitee", conn.InviteeEmail)
	return nil
}

// GetConnection retrieves a connection by ID.
// Returns ErrNotFound if the connection doesn't exist.
func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	return getConnection(ctx, s.db, id)
}

func getConnection(ctx context.Context, q queryer, id string) (*Connection, error) {
	row := q.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	return scanConnection(row)
}

// ListConnectionsForUser returns every connection where email is the inviter or the invitee,
// most recently updated first.
func (s *SQLiteStore) ListConnectionsForUser(ctx context.Context, email string) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connectionColumns+`
		FROM connections
		WHERE inviter_email = ? OR invitee_email = ?
		ORDER BY updated_at DESC
	`, email, email)
	if err != nil {
		return nil, transient("querying connections", err)
	}
	defer rows.Close()

	var conns []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection rows: %w", err)
	}
	return conns, nil
}

// UpdateConnectionStatus moves a connection from one status to another.
// Returns ErrNotFound if the connection doesn't exist and ErrStatusConflict if it is not in from.
func (s *SQLiteStore) UpdateConnectionStatus(ctx context.Context, id string, from, to ConnectionStatus, inviteeUserID string) (*Connection, error) {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET status = ?, updated_at = ?, invitee_user_id = COALESCE(?, invitee_user_id)
		WHERE id = ? AND status = ?
	`, string(to), formatTime(now), nullString(inviteeUserID), id, string(from))
	if err != nil {
		return nil, transient("updating connection status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}

	conn, err := s.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return conn, ErrStatusConflict
	}

	s.logger.Info("connection status changed", "id", id, "from", from, "to", to)
	return conn, nil
}

const conversationColumns = `id, connection_id, participant1_email, participant2_email, current_turn,
	relationship_type, message_count, last_message_type, created_at, last_activity_at`

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var lastType sql.NullString
	var createdAt, lastActivity string

	err := row.Scan(&c.ID, &c.ConnectionID, &c.Participant1Email, &c.Participant2Email, &c.CurrentTurn,
		&c.RelationshipType, &c.MessageCount, &lastType, &createdAt, &lastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	c.LastMessageType = MessageType(lastType.String)
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.LastActivityAt, err = parseTime(lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	return &c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertConversation(ctx context.Context, e execer, conv *Conversation) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.ConnectionID,
		conv.Participant1Email,
		conv.Participant2Email,
		conv.CurrentTurn,
		conv.RelationshipType,
		conv.MessageCount,
		nullString(string(conv.LastMessageType)),
		formatTime(conv.CreatedAt),
		formatTime(conv.LastActivityAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return transient("inserting conversation", err)
	}
	return nil
}

// CreateConversation inserts a new conversation row.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if err := insertConversation(ctx, s.db, conv); err != nil {
		return err
	}
	s.logger.Debug("created conversation", "id", conv.ID, "connection_id", conv.ConnectionID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListConversations returns the threads of a connection, most recent activity first.
func (s *SQLiteStore) ListConversations(ctx context.Context, connectionID string) ([]*Conversation, error) {
	return listConversations(ctx, s.db, connectionID)
}

func listConversations(ctx context.Context, q queryer, connectionID string) ([]*Conversation, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE connection_id = ?
		ORDER BY last_activity_at DESC, rowid DESC
	`, connectionID)
	if err != nil {
		return nil, transient("querying conversations", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return convs, nil
}

// ResolveThread runs fn against the connection and its threads inside one transaction.
// If fn returns a conversation that does not exist yet it is inserted before commit.
func (s *SQLiteStore) ResolveThread(ctx context.Context, connectionID string, fn ThreadFunc) (*Conversation, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, transient("beginning transaction", err)
	}
	defer tx.Rollback()

	conn, err := getConnection(ctx, tx, connectionID)
	if err != nil {
		return nil, false, err
	}

	threads, err := listConversations(ctx, tx, connectionID)
	if err != nil {
		return nil, false, err
	}

	target, err := fn(conn, threads)
	if err != nil {
		return nil, false, err
	}

	for _, t := range threads {
		if t.ID == target.ID {
			return target, false, nil
		}
	}

	if err := insertConversation(ctx, tx, target); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, transient("committing thread", err)
	}

	s.logger.Debug("created conversation", "id", target.ID, "connection_id", connectionID, "participant1", target.Participant1Email)
	return target, true, nil
}

// ApplyTurn appends a message and advances the turn in a single transaction.
// The conversation update is a compare-and-set on (current_turn, message_count), so two
// submissions racing on the same row can never both be accepted.
func (s *SQLiteStore) ApplyTurn(ctx context.Context, conversationID string, fn TurnFunc) (*Conversation, *Message, error) {
	var lastErr error
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		conv, msg, err := s.applyTurnOnce(ctx, conversationID, fn)
		if !errors.Is(err, errTurnConflict) {
			return conv, msg, err
		}
		lastErr = err
		s.logger.Debug("turn compare-and-set lost, re-reading", "conversation_id", conversationID, "attempt", attempt)
	}
	return nil, nil, transient("applying turn", lastErr)
}

func (s *SQLiteStore) applyTurnOnce(ctx context.Context, conversationID string, fn TurnFunc) (*Conversation, *Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, transient("beginning transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, conversationID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, nil, err
	}

	msg, err := applyTurnTx(ctx, tx, conv, fn)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, transient("committing turn", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", conv.ID, "seq", msg.Seq, "type", msg.Type)
	return conv, msg, nil
}

// ResolveAndApply picks a thread with pick and appends a message to it with fn, in one
// transaction. A thread returned by pick that does not exist yet is inserted only if fn
// accepts the message.
func (s *SQLiteStore) ResolveAndApply(ctx context.Context, connectionID string, pick ThreadFunc, fn TurnFunc) (*Conversation, *Message, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		conv, msg, created, err := s.resolveAndApplyOnce(ctx, connectionID, pick, fn)
		if !errors.Is(err, errTurnConflict) {
			return conv, msg, created, err
		}
		lastErr = err
		s.logger.Debug("turn compare-and-set lost, re-reading", "connection_id", connectionID, "attempt", attempt)
	}
	return nil, nil, false, transient("applying turn", lastErr)
}

func (s *SQLiteStore) resolveAndApplyOnce(ctx context.Context, connectionID string, pick ThreadFunc, fn TurnFunc) (*Conversation, *Message, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, false, transient("beginning transaction", err)
	}
	defer tx.Rollback()

	conn, err := getConnection(ctx, tx, connectionID)
	if err != nil {
		return nil, nil, false, err
	}

	threads, err := listConversations(ctx, tx, connectionID)
	if err != nil {
		return nil, nil, false, err
	}

	target, err := pick(conn, threads)
	if err != nil {
		return nil, nil, false, err
	}

	created := !slices.ContainsFunc(threads, func(t *Conversation) bool { return t.ID == target.ID })
	if created {
		if err := insertConversation(ctx, tx, target); err != nil {
			return nil, nil, false, err
		}
	}

	msg, err := applyTurnTx(ctx, tx, target, fn)
	if err != nil {
		return nil, nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, false, transient("committing turn", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", target.ID, "seq", msg.Seq, "type", msg.Type, "created_thread", created)
	return target, msg, created, nil
}

// applyTurnTx runs fn against conv, appends the accepted message and advances the turn
// inside tx. On success conv reflects the new state.
func applyTurnTx(ctx context.Context, tx *sql.Tx, conv *Conversation, fn TurnFunc) (*Message, error) {
	msg, nextTurn, err := fn(conv)
	if err != nil {
		return nil, err
	}

	msg.ConversationID = conv.ID
	msg.Seq = conv.MessageCount + 1
	msg.CreatedAt = nextCreatedAt(conv, msg.CreatedAt)
	if msg.Format == "" {
		msg.Format = FormatText
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET current_turn = ?, message_count = ?, last_message_type = ?, last_activity_at = ?
		WHERE id = ? AND current_turn = ? AND message_count = ?
	`, nextTurn, msg.Seq, string(msg.Type), formatTime(msg.CreatedAt),
		conv.ID, conv.CurrentTurn, conv.MessageCount)
	if err != nil {
		return nil, transient("advancing turn", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, transient("getting rows affected", err)
	}
	if rowsAffected == 0 {
		return nil, errTurnConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, sender_email, type, format, content, audio_file_url, transcription, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.Seq,
		msg.SenderEmail,
		string(msg.Type),
		string(msg.Format),
		msg.Content,
		nullString(msg.AudioFileURL),
		nullString(msg.Transcription),
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, errTurnConflict
		}
		return nil, transient("inserting message", err)
	}

	conv.CurrentTurn = nextTurn
	conv.MessageCount = msg.Seq
	conv.LastMessageType = msg.Type
	conv.LastActivityAt = msg.CreatedAt
	return msg, nil
}

// ListMessages retrieves messages for a conversation in acceptance order.
// If limit is positive only the most recent `limit` messages are returned, still oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	const cols = `id, conversation_id, seq, sender_email, type, format, content, audio_file_url, transcription, created_at`

	var query string
	var args []any
	if limit > 0 {
		query = `
			SELECT ` + cols + ` FROM (
				SELECT ` + cols + ` FROM messages
				WHERE conversation_id = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `SELECT ` + cols + ` FROM messages WHERE conversation_id = ? ORDER BY seq ASC`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, transient("querying messages", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var msgType, format, createdAt string
		var audioURL, transcription sql.NullString

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Seq, &msg.SenderEmail, &msgType, &format,
			&msg.Content, &audioURL, &transcription, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.Type = MessageType(msgType)
		msg.Format = MessageFormat(format)
		msg.AudioFileURL = audioURL.String
		msg.Transcription = transcription.String
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
