// Package sqlstore implements storage.Records on MySQL or SQLite through
// database/sql. The schema ships as embedded migrations applied on open.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"MCP-Trader/internal/storage"
)

// Store is a storage.Records backed by a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ storage.Records = (*Store)(nil)

// Open connects, pings and migrates.
func Open(ctx context.Context, dialect Dialect, dsn string, pool Pool) (*Store, error) {
	db, err := openDatabase(ctx, dialect, dsn, pool)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, dialect: dialect}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, storage.Failure(err, "migrate records schema")
	}
	return s, nil
}

func (s *Store) PutOrder(ctx context.Context, rec storage.OrderRecord) error {
	if rec.OrderID == "" {
		return storage.EmptyID("order")
	}
	request, err := encodeJSON(rec.Request, "{}")
	if err != nil {
		return storage.Failure(err, "encode order request")
	}
	result, err := encodeNullableJSON(rec.Result)
	if err != nil {
		return storage.Failure(err, "encode order result")
	}
	_, err = s.db.ExecContext(ctx, `REPLACE INTO orders
        (order_id, conversation_id, status, request, result, simulation, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OrderID, rec.ConversationID, rec.Status, request, result, rec.Simulation,
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt))
	return storage.Failure(err, "put order")
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (storage.OrderRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT order_id, conversation_id, status, request, result, simulation, created_at, updated_at
        FROM orders WHERE order_id = ?`, orderID)

	var (
		rec                  storage.OrderRecord
		request              string
		result               sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.OrderID, &rec.ConversationID, &rec.Status, &request, &result, &rec.Simulation, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.OrderRecord{}, storage.NotFound("order " + orderID)
	}
	if err != nil {
		return storage.OrderRecord{}, storage.Failure(err, "get order")
	}
	if rec.Request, err = decodeJSON(request); err != nil {
		return storage.OrderRecord{}, storage.Failure(err, "decode order request")
	}
	if result.Valid {
		if rec.Result, err = decodeJSON(result.String); err != nil {
			return storage.OrderRecord{}, storage.Failure(err, "decode order result")
		}
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, status string, result map[string]any, updatedAt time.Time) error {
	var (
		res sql.Result
		err error
	)
	if result == nil {
		res, err = s.db.ExecContext(ctx, `UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ?`,
			status, toMillis(updatedAt), orderID)
	} else {
		encoded, encErr := encodeJSON(result, "{}")
		if encErr != nil {
			return storage.Failure(encErr, "encode order result")
		}
		res, err = s.db.ExecContext(ctx, `UPDATE orders SET status = ?, result = ?, updated_at = ? WHERE order_id = ?`,
			status, encoded, toMillis(updatedAt), orderID)
	}
	if err != nil {
		return storage.Failure(err, "update order status")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Failure(err, "update order status")
	}
	if n == 0 {
		// MySQL reports zero affected rows when nothing changed.
		if _, getErr := s.GetOrder(ctx, orderID); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *Store) PutExecutionLog(ctx context.Context, log storage.ExecutionLog) error {
	if log.ExecutionID == "" {
		return storage.EmptyID("execution")
	}
	request, err := encodeJSON(log.Request, "{}")
	if err != nil {
		return storage.Failure(err, "encode execution request")
	}
	result, err := encodeJSON(log.Result, "{}")
	if err != nil {
		return storage.Failure(err, "encode execution result")
	}
	var orderID sql.NullString
	if log.OrderID != "" {
		orderID = sql.NullString{String: log.OrderID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `REPLACE INTO execution_logs
        (execution_id, conversation_id, order_id, status, request, result, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.ExecutionID, log.ConversationID, orderID, log.Status, request, result, toMillis(log.CreatedAt))
	return storage.Failure(err, "put execution log")
}

func (s *Store) PutCycleLog(ctx context.Context, log storage.CycleLog) error {
	if log.ConversationID == "" {
		return storage.EmptyID("conversation")
	}
	result, err := encodeNullableJSON(log.Result)
	if err != nil {
		return storage.Failure(err, "encode cycle result")
	}
	data, err := encodeNullableJSON(log.CycleData)
	if err != nil {
		return storage.Failure(err, "encode cycle data")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO cycle_logs (conversation_id, status, result, cycle_data, created_at)
        VALUES (?, ?, ?, ?, ?)`,
		log.ConversationID, log.Status, result, data, toMillis(log.CreatedAt))
	return storage.Failure(err, "put cycle log")
}

func (s *Store) ListCycleLogs(ctx context.Context, conversationID string) ([]storage.CycleLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT conversation_id, status, result, cycle_data, created_at
        FROM cycle_logs WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, storage.Failure(err, "list cycle logs")
	}
	defer rows.Close()

	var logs []storage.CycleLog
	for rows.Next() {
		var (
			log          storage.CycleLog
			result, data sql.NullString
			createdAt    int64
		)
		if err := rows.Scan(&log.ConversationID, &log.Status, &result, &data, &createdAt); err != nil {
			return nil, storage.Failure(err, "scan cycle log")
		}
		if result.Valid {
			if log.Result, err = decodeJSON(result.String); err != nil {
				return nil, storage.Failure(err, "decode cycle result")
			}
		}
		if data.Valid {
			if log.CycleData, err = decodeJSON(data.String); err != nil {
				return nil, storage.Failure(err, "decode cycle data")
			}
		}
		log.CreatedAt = fromMillis(createdAt)
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Failure(err, "iterate cycle logs")
	}
	return logs, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodeJSON(m map[string]any, empty string) (string, error) {
	if m == nil {
		return empty, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func encodeNullableJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	s, err := encodeJSON(m, "")
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func decodeJSON(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
