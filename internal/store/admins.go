package store

import (
	"context"
	"database/sql"
	"fmt"
)

// BindAdmin records adminID as an owner of chatID. Rebinding an existing
// pair refreshes the default thread id. A chat may hold several admins and
// an admin several chats.
func (s *Store) BindAdmin(ctx context.Context, chatID, adminID int64, threadID int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_admins (chat_id, admin_user_id, default_thread_id)
		 VALUES (?,?,?)
		 ON CONFLICT(chat_id, admin_user_id) DO UPDATE SET default_thread_id=excluded.default_thread_id`,
		chatID, adminID, nullInt(threadID),
	)
	if err != nil {
		return fmt.Errorf("bind admin %d to chat %d: %w", adminID, chatID, err)
	}
	return nil
}

// UnbindChat drops everything tied to a chat: its events, their
// participant rows and all admin bindings. Called when the bot is removed
// from the chat.
func (s *Store) UnbindChat(ctx context.Context, chatID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM participants WHERE event_id IN (SELECT id FROM events WHERE chat_id=?)`,
		chatID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE chat_id=?`, chatID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_admins WHERE chat_id=?`, chatID); err != nil {
		return err
	}
	return tx.Commit()
}

// RebindChatID moves every record referencing oldID to newID in one
// transaction (group-to-supergroup migration). Participant rows follow
// their events implicitly via event_id. Safe to replay: a second call
// finds no rows under oldID and changes nothing.
func (s *Store) RebindChatID(ctx context.Context, oldID, newID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET chat_id=? WHERE chat_id=?`, newID, oldID); err != nil {
		return err
	}
	// A binding may already exist under the new id (replayed migration);
	// move what can move, then drop the stragglers.
	if _, err := tx.ExecContext(ctx,
		`UPDATE OR IGNORE chat_admins SET chat_id=? WHERE chat_id=?`, newID, oldID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chat_admins WHERE chat_id=?`, oldID); err != nil {
		return err
	}
	return tx.Commit()
}

// ChatsForAdmin returns every binding owned by adminID.
func (s *Store) ChatsForAdmin(ctx context.Context, adminID int64) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, admin_user_id, default_thread_id FROM chat_admins
		 WHERE admin_user_id=? ORDER BY chat_id`, adminID)
	if err != nil {
		return nil, err
	}
	return collectBindings(rows)
}

// AdminsForChat returns the admin user ids bound to chatID.
func (s *Store) AdminsForChat(ctx context.Context, chatID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT admin_user_id FROM chat_admins WHERE chat_id=? ORDER BY admin_user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func collectBindings(rows *sql.Rows) ([]Binding, error) {
	defer rows.Close()
	var out []Binding
	for rows.Next() {
		var (
			b      Binding
			thread sql.NullInt64
		)
		if err := rows.Scan(&b.ChatID, &b.AdminID, &thread); err != nil {
			return nil, err
		}
		b.ThreadID = int(thread.Int64)
		out = append(out, b)
	}
	return out, rows.Err()
}
