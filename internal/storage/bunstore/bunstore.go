// Package bunstore implements storage.Records with the bun ORM. Production
// runs it on PostgreSQL through pgdriver; any bun dialect works.
package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/storage"
)

type orderRow struct {
	bun.BaseModel `bun:"table:orders"`

	OrderID        string         `bun:"order_id,pk"`
	ConversationID string         `bun:"conversation_id,notnull"`
	Status         string         `bun:"status,notnull"`
	Request        map[string]any `bun:"request,type:jsonb,notnull"`
	Result         map[string]any `bun:"result,type:jsonb"`
	Simulation     bool           `bun:"simulation,notnull,default:false"`
	CreatedAt      time.Time      `bun:"created_at,notnull"`
	UpdatedAt      time.Time      `bun:"updated_at,notnull"`
}

type executionRow struct {
	bun.BaseModel `bun:"table:execution_logs"`

	ExecutionID    string         `bun:"execution_id,pk"`
	ConversationID string         `bun:"conversation_id,notnull"`
	OrderID        string         `bun:"order_id,nullzero"`
	Status         string         `bun:"status,notnull"`
	Request        map[string]any `bun:"request,type:jsonb,notnull"`
	Result         map[string]any `bun:"result,type:jsonb,notnull"`
	CreatedAt      time.Time      `bun:"created_at,notnull"`
}

type cycleRow struct {
	bun.BaseModel `bun:"table:cycle_logs"`

	ID             int64          `bun:"id,pk,autoincrement"`
	ConversationID string         `bun:"conversation_id,notnull"`
	Status         string         `bun:"status,notnull"`
	Result         map[string]any `bun:"result,type:jsonb"`
	CycleData      map[string]any `bun:"cycle_data,type:jsonb"`
	CreatedAt      time.Time      `bun:"created_at,notnull"`
}

// Store is a storage.Records on a bun database.
type Store struct {
	db *bun.DB
}

var _ storage.Records = (*Store)(nil)

// OpenPostgres connects with pgdriver and prepares the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "postgres dsn is empty")
	}
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return New(ctx, bun.NewDB(sqldb, pgdialect.New()))
}

// New prepares the schema on an existing bun database.
func New(ctx context.Context, db *bun.DB) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storage.Failure(err, "ping records database")
	}
	s := &Store{db: db}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, storage.Failure(err, "create records schema")
	}
	return s, nil
}

func (s *Store) createSchema(ctx context.Context) error {
	for _, model := range []any{(*orderRow)(nil), (*executionRow)(nil), (*cycleRow)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*orderRow)(nil), "idx_orders_conversation", []string{"conversation_id"}},
		{(*executionRow)(nil), "idx_execution_logs_conversation", []string{"conversation_id"}},
		{(*cycleRow)(nil), "idx_cycle_logs_conversation", []string{"conversation_id", "id"}},
	}
	for _, idx := range indexes {
		if _, err := s.db.NewCreateIndex().Model(idx.model).Index(idx.name).Column(idx.columns...).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) PutOrder(ctx context.Context, rec storage.OrderRecord) error {
	if rec.OrderID == "" {
		return storage.EmptyID("order")
	}
	row := orderRow{
		OrderID:        rec.OrderID,
		ConversationID: rec.ConversationID,
		Status:         rec.Status,
		Request:        nonNil(rec.Request),
		Result:         rec.Result,
		Simulation:     rec.Simulation,
		CreatedAt:      rec.CreatedAt.UTC(),
		UpdatedAt:      rec.UpdatedAt.UTC(),
	}
	_, err := s.db.NewInsert().Model(&row).
		On("CONFLICT (order_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("request = EXCLUDED.request").
		Set("result = EXCLUDED.result").
		Set("simulation = EXCLUDED.simulation").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return storage.Failure(err, "put order")
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (storage.OrderRecord, error) {
	var row orderRow
	err := s.db.NewSelect().Model(&row).Where("order_id = ?", orderID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.OrderRecord{}, storage.NotFound("order " + orderID)
	}
	if err != nil {
		return storage.OrderRecord{}, storage.Failure(err, "get order")
	}
	return storage.OrderRecord{
		OrderID:        row.OrderID,
		ConversationID: row.ConversationID,
		Request:        row.Request,
		Status:         row.Status,
		Result:         row.Result,
		Simulation:     row.Simulation,
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}, nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, orderID, status string, result map[string]any, updatedAt time.Time) error {
	q := s.db.NewUpdate().Model((*orderRow)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", updatedAt.UTC()).
		Where("order_id = ?", orderID)
	if result != nil {
		q = q.Set("result = ?", result)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return storage.Failure(err, "update order status")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.NotFound("order " + orderID)
	}
	return nil
}

func (s *Store) PutExecutionLog(ctx context.Context, log storage.ExecutionLog) error {
	if log.ExecutionID == "" {
		return storage.EmptyID("execution")
	}
	row := executionRow{
		ExecutionID:    log.ExecutionID,
		ConversationID: log.ConversationID,
		OrderID:        log.OrderID,
		Status:         log.Status,
		Request:        nonNil(log.Request),
		Result:         nonNil(log.Result),
		CreatedAt:      log.CreatedAt.UTC(),
	}
	_, err := s.db.NewInsert().Model(&row).On("CONFLICT (execution_id) DO NOTHING").Exec(ctx)
	return storage.Failure(err, "put execution log")
}

func (s *Store) PutCycleLog(ctx context.Context, log storage.CycleLog) error {
	if log.ConversationID == "" {
		return storage.EmptyID("conversation")
	}
	row := cycleRow{
		ConversationID: log.ConversationID,
		Status:         log.Status,
		Result:         log.Result,
		CycleData:      log.CycleData,
		CreatedAt:      log.CreatedAt.UTC(),
	}
	_, err := s.db.NewInsert().Model(&row).Exec(ctx)
	return storage.Failure(err, "put cycle log")
}

func (s *Store) ListCycleLogs(ctx context.Context, conversationID string) ([]storage.CycleLog, error) {
	var rows []cycleRow
	err := s.db.NewSelect().Model(&rows).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, storage.Failure(err, "list cycle logs")
	}
	logs := make([]storage.CycleLog, 0, len(rows))
	for _, row := range rows {
		logs = append(logs, storage.CycleLog{
			ConversationID: row.ConversationID,
			Status:         row.Status,
			Result:         row.Result,
			CycleData:      row.CycleData,
			CreatedAt:      row.CreatedAt.UTC(),
		})
	}
	return logs, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
