package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a migrated database against what the store expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"conversations":     "Conversation and summary storage",
		"messages":          "Message storage",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
func (v *SchemaValidator) ValidateTableStructure() error {
	conversationColumns := map[string]string{
		"id":                "TEXT",
		"student_id":        "TEXT",
		"student_name":      "TEXT",
		"student_email":     "TEXT",
		"created_at":        "INTEGER",
		"last_message_id":   "TEXT",
		"last_message":      "TEXT",
		"last_message_at":   "INTEGER",
		"unread_by_admin":   "INTEGER",
		"unread_by_student": "INTEGER",
	}
	if err := v.validateColumns("conversations", conversationColumns); err != nil {
		return fmt.Errorf("conversations table structure invalid: %w", err)
	}

	messageColumns := map[string]string{
		"seq":             "INTEGER",
		"id":              "TEXT",
		"conversation_id": "TEXT",
		"sender_id":       "TEXT",
		"sender_role":     "TEXT",
		"content":         "TEXT",
		"client_ref":      "TEXT",
		"created_at":      "INTEGER",
		"is_read":         "INTEGER",
	}
	if err := v.validateColumns("messages", messageColumns); err != nil {
		return fmt.Errorf("messages table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_messages_conversation_order":  "History retrieval",
		"idx_messages_conversation_unread": "Unread counting",
		"idx_conversations_last_message":   "Admin list ordering",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints probes the foreign key, role check and per-student
// uniqueness inside a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, sender_role, content, created_at)
		VALUES ('probe', 'missing', 'u1', 'student', 'x', 0)
	`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.conversation_id")
	}

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, student_id, created_at) VALUES ('probe-conv', 'probe-student', 0)
	`); err != nil {
		return fmt.Errorf("failed to create probe conversation: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, student_id, created_at) VALUES ('probe-conv-2', 'probe-student', 0)
	`); err == nil {
		return fmt.Errorf("unique constraint not enforced: conversations.student_id")
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, sender_role, content, created_at)
		VALUES ('probe', 'probe-conv', 'u1', 'professor', 'x', 0)
	`); err == nil {
		return fmt.Errorf("check constraint not enforced: messages.sender_role")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, typ    string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = typ
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for col, want := range expected {
		got, ok := found[col]
		if !ok {
			return fmt.Errorf("column %s not found", col)
		}
		if got != want {
			return fmt.Errorf("column %s has type %s, expected %s", col, got, want)
		}
	}
	return nil
}
