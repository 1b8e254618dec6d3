package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// --- Conversations ---

// GetOrCreateConversation returns the conversation for (processID, userID),
// creating it on first use. The unique index makes concurrent callers converge
// on one row.
func (s *Store) GetOrCreateConversation(processID, userID string) (Conversation, error) {
	if _, err := s.db.Exec(`
		INSERT INTO conversations (id, process_id, user_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(process_id, user_id) DO NOTHING`,
		uuid.New().String(), processID, userID, formatTime(time.Now()),
	); err != nil {
		return Conversation{}, fmt.Errorf("inserting conversation: %w", err)
	}
	return s.FindConversation(processID, userID)
}

// FindConversation looks up the conversation for (processID, userID) without creating it.
func (s *Store) FindConversation(processID, userID string) (Conversation, error) {
	var c Conversation
	var createdAt string
	err := s.db.QueryRow(`SELECT id, process_id, user_id, created_at FROM conversations
		WHERE process_id = ? AND user_id = ?`, processID, userID,
	).Scan(&c.ID, &c.ProcessID, &c.UserID, &createdAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// AppendMessage adds a message at the end of the conversation. The sequence
// number is assigned inside the transaction, so the log order is the commit order.
func (s *Store) AppendMessage(conversationID, role, content string) (Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists); err != nil {
		return Message{}, err
	}
	if exists == 0 {
		return Message{}, ErrNotFound
	}

	now := time.Now().UTC()
	m := Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now.Truncate(time.Second),
	}
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_messages WHERE conversation_id = ?`,
		conversationID).Scan(&m.Seq); err != nil {
		return Message{}, fmt.Errorf("computing sequence: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO conversation_messages (id, conversation_id, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Seq, m.Role, m.Content, formatTime(now),
	); err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("committing message: %w", err)
	}
	return m, nil
}

// ListMessages returns the conversation's messages in append order.
func (s *Store) ListMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, seq, role, content, created_at
		FROM conversation_messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// DeleteConversation removes the conversation for (processID, userID) and all
// its messages. Deleting a conversation that does not exist is not an error.
func (s *Store) DeleteConversation(processID, userID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRow(`SELECT id FROM conversations WHERE process_id = ? AND user_id = ?`, processID, userID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DELETE FROM conversation_messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	return tx.Commit()
}
