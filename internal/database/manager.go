package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/gommon/log"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"coursechat/internal/logging"
	dbconfig "coursechat/pkg/database"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// PreviewLength is the number of characters of the last message kept on the summary row.
const PreviewLength = 120

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager implements interfaces.DatabaseManager on SQLite.
// ARCHITECTURAL DISCOVERY: every write goes through one goroutine so SQLite
// never sees two writers; reads use the pool concurrently.
type Manager struct {
	db           *sqlx.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	logger       *log.Logger

	now          func() time.Time
	retryDelay   time.Duration
	writeTimeout time.Duration
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sqlx.DB) error
	result    chan error
}

// Option tweaks a Manager at construction.
type Option func(*Manager)

// WithClock replaces the timestamp source. Tests use it to force clock skew.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRetryDelay sets how long the writer waits before retrying a busy write once.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// NewManager opens the database, applies migrations and starts the writer.
func NewManager(config *dbconfig.Config, opts ...Option) (*Manager, error) {
	raw, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	migrations := dbconfig.ForConfig(raw, config)
	if err := migrations.ApplyMigrations(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	m := &Manager{
		db:           sqlx.NewDb(raw, "sqlite3"),
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		logger:       logging.For("store"),
		now:          time.Now,
		retryDelay:   time.Second,
		writeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(op.ctx, m.db)
			if err != nil && isBusy(err) {
				m.logger.Warnf("write hit a locked database, retrying in %s: %v", m.retryDelay, err)
				time.Sleep(m.retryDelay)
				err = op.operation(op.ctx, m.db)
			}
			if err != nil {
				m.logger.Debugf("write failed: %v", err)
			}
			op.result <- err

		case <-m.shutdown:
			// Drain what was already accepted so no caller is left waiting.
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- op.operation(op.ctx, m.db)
				default:
					m.logger.Infof("write loop shutting down")
					return
				}
			}
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sqlx.DB) error) error {
	// The read lock is held while enqueueing so Close cannot stop the
	// writer between our closed check and the send.
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}

	result := make(chan error, 1)
	timer := time.NewTimer(m.writeTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
		m.mu.RUnlock()
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	case <-timer.C:
		m.mu.RUnlock()
		return ErrWriteTimeout
	}

	// Once accepted, the writer always answers, even during shutdown.
	return <-result
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

type conversationRow struct {
	ID              string         `db:"id"`
	StudentID       string         `db:"student_id"`
	StudentName     string         `db:"student_name"`
	StudentEmail    string         `db:"student_email"`
	CreatedAt       int64          `db:"created_at"`
	LastMessageID   sql.NullString `db:"last_message_id"`
	LastMessage     string         `db:"last_message"`
	LastMessageAt   sql.NullInt64  `db:"last_message_at"`
	UnreadByAdmin   int            `db:"unread_by_admin"`
	UnreadByStudent int            `db:"unread_by_student"`
}

func (r *conversationRow) conversation() *types.Conversation {
	return &types.Conversation{
		ID:           r.ID,
		StudentID:    r.StudentID,
		StudentName:  r.StudentName,
		StudentEmail: r.StudentEmail,
		CreatedAt:    fromNanos(r.CreatedAt),
	}
}

func (r *conversationRow) summary() *types.ConversationSummary {
	s := &types.ConversationSummary{
		ConversationID:  r.ID,
		StudentID:       r.StudentID,
		StudentName:     r.StudentName,
		StudentEmail:    r.StudentEmail,
		LastMessageID:   r.LastMessageID.String,
		LastMessage:     r.LastMessage,
		UnreadByAdmin:   r.UnreadByAdmin,
		UnreadByStudent: r.UnreadByStudent,
		CreatedAt:       fromNanos(r.CreatedAt),
	}
	if r.LastMessageAt.Valid {
		at := fromNanos(r.LastMessageAt.Int64)
		s.LastMessageAt = &at
	}
	return s
}

type messageRow struct {
	Seq            int64  `db:"seq"`
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	SenderID       string `db:"sender_id"`
	SenderRole     string `db:"sender_role"`
	Content        string `db:"content"`
	ClientRef      string `db:"client_ref"`
	CreatedAt      int64  `db:"created_at"`
	IsRead         bool   `db:"is_read"`
}

func (r *messageRow) message() *types.Message {
	return &types.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		SenderRole:     types.Role(r.SenderRole),
		Content:        r.Content,
		CreatedAt:      fromNanos(r.CreatedAt),
		Read:           r.IsRead,
		ClientRef:      r.ClientRef,
		Seq:            r.Seq,
	}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

const conversationColumns = `id, student_id, student_name, student_email, created_at,
	last_message_id, last_message, last_message_at, unread_by_admin, unread_by_student`

// refreshSummary recomputes the summary columns from the messages table.
// It runs in the caller's transaction so the row never drifts from its source.
const refreshSummary = `
	UPDATE conversations SET
		last_message_id = (SELECT id FROM messages WHERE conversation_id = :conv ORDER BY created_at DESC, seq DESC LIMIT 1),
		last_message = COALESCE((SELECT substr(content, 1, :preview) FROM messages WHERE conversation_id = :conv ORDER BY created_at DESC, seq DESC LIMIT 1), ''),
		last_message_at = (SELECT MAX(created_at) FROM messages WHERE conversation_id = :conv),
		unread_by_admin = (SELECT COUNT(*) FROM messages WHERE conversation_id = :conv AND sender_role = 'student' AND is_read = 0),
		unread_by_student = (SELECT COUNT(*) FROM messages WHERE conversation_id = :conv AND sender_role = 'admin' AND is_read = 0)
	WHERE id = :conv
`

func refreshSummaryTx(ctx context.Context, tx *sqlx.Tx, conversationID string) error {
	_, err := tx.NamedExecContext(ctx, refreshSummary, map[string]interface{}{
		"conv":    conversationID,
		"preview": PreviewLength,
	})
	return errors.Wrap(err, "refresh conversation summary")
}

func conversationExistsTx(ctx context.Context, tx *sqlx.Tx, conversationID string) error {
	var n int
	if err := tx.GetContext(ctx, &n, "SELECT COUNT(*) FROM conversations WHERE id = ?", conversationID); err != nil {
		return errors.Wrap(err, "lookup conversation")
	}
	if n == 0 {
		return interfaces.ErrConversationNotFound
	}
	return nil
}

// Append persists a message. The timestamp is clamped to the newest one
// already stored for the conversation, so created_at never decreases even
// when the wall clock steps back.
func (m *Manager) Append(ctx context.Context, conversationID, senderID string, senderRole types.Role, body, clientRef string) (*types.Message, error) {
	content, err := types.ValidateBody(body)
	if err != nil {
		return nil, err
	}
	if !types.IsValidRole(senderRole) {
		return nil, types.NewValidationError(types.ErrInvalidRole, types.FieldError{Field: "role", Error: types.ErrInvalidRole.Error()})
	}
	if senderID == "" || len(senderID) > 64 {
		return nil, types.NewValidationError(types.ErrInvalidIdentity, types.FieldError{Field: "sender_id", Error: types.ErrInvalidIdentity.Error()})
	}
	if len(clientRef) > 64 {
		return nil, types.NewValidationError(types.ErrInvalidClientRef, types.FieldError{Field: "client_ref", Error: types.ErrInvalidClientRef.Error()})
	}

	var msg *types.Message
	err = m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin append")
		}
		defer func() { _ = tx.Rollback() }()

		if err := conversationExistsTx(ctx, tx, conversationID); err != nil {
			return err
		}

		var latest sql.NullInt64
		if err := tx.GetContext(ctx, &latest, "SELECT MAX(created_at) FROM messages WHERE conversation_id = ?", conversationID); err != nil {
			return errors.Wrap(err, "read latest timestamp")
		}
		createdAt := m.now().UnixNano()
		if latest.Valid && createdAt < latest.Int64 {
			createdAt = latest.Int64
		}

		row := messageRow{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       senderID,
			SenderRole:     string(senderRole),
			Content:        content,
			ClientRef:      clientRef,
			CreatedAt:      createdAt,
		}
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, sender_role, content, client_ref, created_at, is_read)
			VALUES (:id, :conversation_id, :sender_id, :sender_role, :content, :client_ref, :created_at, 0)
		`, &row)
		if err != nil {
			return errors.Wrap(err, "insert message")
		}
		if row.Seq, err = res.LastInsertId(); err != nil {
			return errors.Wrap(err, "read message sequence")
		}

		if err := refreshSummaryTx(ctx, tx, conversationID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "commit append")
		}
		msg = row.message()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListByConversation returns the conversation's messages oldest first.
func (m *Manager) ListByConversation(ctx context.Context, conversationID string) ([]*types.Message, error) {
	var rows []messageRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT seq, id, conversation_id, sender_id, sender_role, content, client_ref, created_at, is_read
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC
	`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "query conversation history")
	}

	messages := make([]*types.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].message())
	}
	return messages, nil
}

// MarkRead flips the read flag on every unread message the other role wrote
// and returns how many changed. Repeating the call changes nothing.
func (m *Manager) MarkRead(ctx context.Context, conversationID string, readerRole types.Role) (int, error) {
	if !types.IsValidRole(readerRole) {
		return 0, types.NewValidationError(types.ErrInvalidRole, types.FieldError{Field: "role", Error: types.ErrInvalidRole.Error()})
	}

	var updated int
	err := m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin mark read")
		}
		defer func() { _ = tx.Rollback() }()

		if err := conversationExistsTx(ctx, tx, conversationID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET is_read = 1
			WHERE conversation_id = ? AND sender_role = ? AND is_read = 0
		`, conversationID, string(readerRole.Counterpart()))
		if err != nil {
			return errors.Wrap(err, "mark messages read")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "count marked messages")
		}

		if err := refreshSummaryTx(ctx, tx, conversationID); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrap(err, "commit mark read")
		}
		updated = int(n)
		return nil
	})
	return updated, err
}

// EnsureConversation inserts the student's conversation unless it exists.
// Non-empty name and email from the caller refresh the stored ones.
func (m *Manager) EnsureConversation(ctx context.Context, student types.Identity) (*types.Conversation, error) {
	if err := student.Validate(); err != nil {
		return nil, err
	}
	if student.Role != types.RoleStudent {
		return nil, interfaces.ErrForbidden
	}

	var row conversationRow
	err := m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin ensure conversation")
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO conversations (id, student_id, student_name, student_email, created_at)
			VALUES (:id, :student_id, :student_name, :student_email, :created_at)
			ON CONFLICT(student_id) DO UPDATE SET
				student_name = CASE WHEN excluded.student_name <> '' THEN excluded.student_name ELSE conversations.student_name END,
				student_email = CASE WHEN excluded.student_email <> '' THEN excluded.student_email ELSE conversations.student_email END
		`, &conversationRow{
			ID:           uuid.NewString(),
			StudentID:    student.ID,
			StudentName:  student.Name,
			StudentEmail: student.Email,
			CreatedAt:    m.now().UnixNano(),
		})
		if err != nil {
			return errors.Wrap(err, "upsert conversation")
		}

		if err := tx.GetContext(ctx, &row, "SELECT "+conversationColumns+" FROM conversations WHERE student_id = ?", student.ID); err != nil {
			return errors.Wrap(err, "reload conversation")
		}
		return errors.Wrap(tx.Commit(), "commit ensure conversation")
	})
	if err != nil {
		return nil, err
	}
	return row.conversation(), nil
}

func (m *Manager) getRow(ctx context.Context, where string, arg interface{}) (*conversationRow, error) {
	var row conversationRow
	err := m.db.GetContext(ctx, &row, "SELECT "+conversationColumns+" FROM conversations WHERE "+where+" = ?", arg)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrConversationNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "query conversation")
	}
	return &row, nil
}

// GetConversation retrieves a conversation by id.
func (m *Manager) GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error) {
	row, err := m.getRow(ctx, "id", conversationID)
	if err != nil {
		return nil, err
	}
	return row.conversation(), nil
}

// GetConversationByStudent retrieves a student's conversation without creating it.
func (m *Manager) GetConversationByStudent(ctx context.Context, studentID string) (*types.Conversation, error) {
	row, err := m.getRow(ctx, "student_id", studentID)
	if err != nil {
		return nil, err
	}
	return row.conversation(), nil
}

// GetSummary returns the materialized summary row of one conversation.
func (m *Manager) GetSummary(ctx context.Context, conversationID string) (*types.ConversationSummary, error) {
	row, err := m.getRow(ctx, "id", conversationID)
	if err != nil {
		return nil, err
	}
	return row.summary(), nil
}

// ListSummaries returns every summary, most recent activity first. Conversations
// without messages sort last, newest first. A non-empty search keeps rows whose
// student name or email contains it, ignoring case.
func (m *Manager) ListSummaries(ctx context.Context, search string) ([]*types.ConversationSummary, error) {
	query := "SELECT " + conversationColumns + " FROM conversations"
	var args []interface{}
	if search = strings.TrimSpace(search); search != "" {
		pattern := "%" + escapeLike(strings.ToLower(search)) + "%"
		query += ` WHERE lower(student_name) LIKE ? ESCAPE '\' OR lower(student_email) LIKE ? ESCAPE '\'`
		args = append(args, pattern, pattern)
	}
	query += " ORDER BY last_message_at IS NULL, last_message_at DESC, created_at DESC"

	var rows []conversationRow
	if err := m.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "query conversation summaries")
	}

	summaries := make([]*types.ConversationSummary, 0, len(rows))
	for i := range rows {
		summaries = append(summaries, rows[i].summary())
	}
	return summaries, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var n int
	if err := m.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM conversations"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying handle; used by tests and diagnostics.
func (m *Manager) GetDB() *sqlx.DB {
	return m.db
}

// Close stops the writer after pending writes finish and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
