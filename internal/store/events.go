package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rallybot/internal/event"
	"rallybot/internal/schedule"
	"rallybot/pkg/logx"
)

const eventColumns = `id, chat_id, thread_id, template, links, image,
	schedule_day, schedule_time, pinned_message_id, schedule_blob`

// CreateEvent inserts a new event and returns its assigned id.
// The id is also attached to e.
func (s *Store) CreateEvent(ctx context.Context, e *event.Event) (int64, error) {
	if err := s.UpdateEvent(ctx, e); err != nil {
		return 0, err
	}
	return e.ID, nil
}

// UpdateEvent persists the full event. If e.ID is zero it behaves as a
// create and attaches the assigned id. The participant set is replaced
// wholesale inside one transaction, so a concurrent reader never observes
// a mixed old/new set.
func (s *Store) UpdateEvent(ctx context.Context, e *event.Event) error {
	blob, err := encodeSchedule(e.Schedule)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if e.ID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (chat_id, thread_id, template, links, image,
				schedule_day, schedule_time, pinned_message_id, schedule_blob)
			 VALUES (?,?,?,?,?,?,?,?,?)`,
			e.ChatID, nullInt(e.ThreadID), e.Template, e.Links, e.Image,
			nullStr(e.EventDay), nullStr(e.EventTime), nullInt(e.PinnedMessageID), blob,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		e.ID = id
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE events SET chat_id=?, thread_id=?, template=?, links=?, image=?,
				schedule_day=?, schedule_time=?, pinned_message_id=?, schedule_blob=?
			 WHERE id=?`,
			e.ChatID, nullInt(e.ThreadID), e.Template, e.Links, e.Image,
			nullStr(e.EventDay), nullStr(e.EventTime), nullInt(e.PinnedMessageID), blob,
			e.ID,
		)
		if err != nil {
			return fmt.Errorf("update event %d: %w", e.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update event %d: %w", e.ID, ErrNotFound)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE event_id=?`, e.ID); err != nil {
		return fmt.Errorf("replace participants: %w", err)
	}
	if err := insertParticipants(ctx, tx, e.ID, e.Going, "going"); err != nil {
		return err
	}
	if err := insertParticipants(ctx, tx, e.ID, e.Maybe, "maybe"); err != nil {
		return err
	}

	return tx.Commit()
}

func insertParticipants(ctx context.Context, tx *sql.Tx, eventID int64, users []event.User, role string) error {
	for _, u := range users {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO participants (event_id, user_id, username, full_name, role)
			 VALUES (?,?,?,?,?)`,
			eventID, u.ID, nullStr(u.Username), u.FullName, role,
		); err != nil {
			return fmt.Errorf("insert participant %d/%d: %w", eventID, u.ID, err)
		}
	}
	return nil
}

// GetEvent loads one event with its participant sets.
func (s *Store) GetEvent(ctx context.Context, id int64) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id=?`, id)
	e, err := s.scanEvent(row)
	if err != nil {
		return nil, err
	}
	if err := s.attachParticipants(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// DeleteEvent removes the event and cascades its participant rows.
func (s *Store) DeleteEvent(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete event %d: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE event_id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListByAdmin returns the events of every chat the admin is bound to,
// newest first.
func (s *Store) ListByAdmin(ctx context.Context, adminID int64) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.chat_id, e.thread_id, e.template, e.links, e.image,
			e.schedule_day, e.schedule_time, e.pinned_message_id, e.schedule_blob
		 FROM events e
		 JOIN chat_admins ca ON e.chat_id = ca.chat_id
		 WHERE ca.admin_user_id = ?
		 ORDER BY e.id DESC`, adminID)
	if err != nil {
		return nil, err
	}
	return s.collectEvents(ctx, rows)
}

// ListAll returns every persisted event. Used only at startup to rebuild
// the scheduler.
func (s *Store) ListAll(ctx context.Context) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return s.collectEvents(ctx, rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanEvent(r rowScanner) (*event.Event, error) {
	var (
		e      event.Event
		thread sql.NullInt64
		day    sql.NullString
		at     sql.NullString
		pinned sql.NullInt64
		blob   []byte
	)
	err := r.Scan(&e.ID, &e.ChatID, &thread, &e.Template, &e.Links, &e.Image,
		&day, &at, &pinned, &blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.ThreadID = int(thread.Int64)
	e.EventDay = day.String
	e.EventTime = at.String
	e.PinnedMessageID = int(pinned.Int64)

	// A corrupt blob degrades to "no active schedule"; the rest of the
	// event is still returned.
	rule, err := schedule.Decode(blob)
	if err != nil {
		s.log.Warn("dropping undecodable schedule blob",
			logx.Int64("event_id", e.ID), logx.Err(err))
	}
	e.Schedule = rule
	return &e, nil
}

func (s *Store) collectEvents(ctx context.Context, rows *sql.Rows) ([]*event.Event, error) {
	defer rows.Close()
	var out []*event.Event
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, e := range out {
		if err := s.attachParticipants(ctx, e); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) attachParticipants(ctx context.Context, e *event.Event) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, username, full_name, role FROM participants
		 WHERE event_id=? ORDER BY rowid`, e.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			u        event.User
			username sql.NullString
			role     string
		)
		if err := rows.Scan(&u.ID, &username, &u.FullName, &role); err != nil {
			return err
		}
		u.Username = username.String
		if role == "going" {
			e.Going = append(e.Going, u)
		} else {
			e.Maybe = append(e.Maybe, u)
		}
	}
	return rows.Err()
}

func encodeSchedule(r *schedule.Rule) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return schedule.Encode(*r)
}
