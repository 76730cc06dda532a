package store

import (
	"database/sql"
	"errors"
	"fmt"
)

const queuedSendColumns = `id, txn_id, room_id, body, attempts, next_try_at, last_error, created_at, updated_at`

// InsertQueuedSend adds q to the outbox unless its txn_id is already queued.
// Reports whether a new row was created. q.ID is set when inserted.
func (db *DB) InsertQueuedSend(q *QueuedSend, now int64) (bool, error) {
	res, err := db.Exec(`
		INSERT INTO outbox (txn_id, room_id, body, attempts, next_try_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(txn_id) DO NOTHING`,
		q.TxnID, q.RoomID, q.Body, q.Attempts, q.NextTryAt, now, now)
	if err != nil {
		return false, fmt.Errorf("insert queued send: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert queued send: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		q.ID = id
	}
	q.CreatedAt, q.UpdatedAt = now, now
	return true, nil
}

// NextDueSend returns the queued send with the smallest next_try_at that is
// due at now, or nil when nothing is due. Ties go to the oldest row.
func (db *DB) NextDueSend(now int64) (*QueuedSend, error) {
	row := db.QueryRow(`
		SELECT `+queuedSendColumns+`
		FROM outbox WHERE next_try_at <= ?
		ORDER BY next_try_at ASC, id ASC LIMIT 1`, now)
	q, err := scanQueuedSend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next due send: %w", err)
	}
	return q, nil
}

// GetQueuedSend looks up a queued send by txn_id. Returns nil if absent.
func (db *DB) GetQueuedSend(txnID string) (*QueuedSend, error) {
	row := db.QueryRow(`SELECT `+queuedSendColumns+` FROM outbox WHERE txn_id = ?`, txnID)
	q, err := scanQueuedSend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queued send: %w", err)
	}
	return q, nil
}

// RecordAttempt stores a failed attempt: the new attempt count, the next
// eligible time and the error text. Reports whether the row still existed.
func (db *DB) RecordAttempt(txnID string, attempts int, nextTryAt int64, lastError string, now int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE outbox SET attempts = ?, next_try_at = ?, last_error = ?, updated_at = ?
		WHERE txn_id = ?`,
		attempts, nextTryAt, lastError, now, txnID)
	if err != nil {
		return false, fmt.Errorf("record attempt: %w", err)
	}
	return affected(res)
}

// ResetNextTry makes a queued send due at now. Reports whether it existed.
func (db *DB) ResetNextTry(txnID string, now int64) (bool, error) {
	res, err := db.Exec(`UPDATE outbox SET next_try_at = ?, updated_at = ? WHERE txn_id = ?`, now, now, txnID)
	if err != nil {
		return false, fmt.Errorf("reset next try: %w", err)
	}
	return affected(res)
}

// DeleteQueuedSend removes a queued send. Reports whether a row was deleted.
func (db *DB) DeleteQueuedSend(txnID string) (bool, error) {
	res, err := db.Exec(`DELETE FROM outbox WHERE txn_id = ?`, txnID)
	if err != nil {
		return false, fmt.Errorf("delete queued send: %w", err)
	}
	return affected(res)
}

// CountQueuedSends returns the number of items still in the outbox.
func (db *DB) CountQueuedSends() (int, error) {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued sends: %w", err)
	}
	return n, nil
}

// EarliestNextTry returns the smallest next_try_at in the outbox. ok is
// false when the outbox is empty.
func (db *DB) EarliestNextTry() (at int64, ok bool, err error) {
	var v sql.NullInt64
	if err := db.QueryRow(`SELECT MIN(next_try_at) FROM outbox`).Scan(&v); err != nil {
		return 0, false, fmt.Errorf("earliest next try: %w", err)
	}
	return v.Int64, v.Valid, nil
}

// ListQueuedSends returns every queued send ordered by due time.
func (db *DB) ListQueuedSends() ([]QueuedSend, error) {
	rows, err := db.Query(`SELECT ` + queuedSendColumns + ` FROM outbox ORDER BY next_try_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queued sends: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []QueuedSend
	for rows.Next() {
		q, err := scanQueuedSend(rows)
		if err != nil {
			return nil, fmt.Errorf("list queued sends: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQueuedSend(s scanner) (*QueuedSend, error) {
	var q QueuedSend
	if err := s.Scan(&q.ID, &q.TxnID, &q.RoomID, &q.Body, &q.Attempts, &q.NextTryAt, &q.LastError, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	return &q, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
