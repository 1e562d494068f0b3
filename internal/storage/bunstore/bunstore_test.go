package bunstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	xerrors "MCP-Trader/internal/errors"
	"MCP-Trader/internal/storage"
)

// The schema and queries are dialect-neutral, so the tests run on SQLite.
func openStore(t *testing.T) *Store {
	t.Helper()
	sqldb, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "bun.db"))
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	s, err := New(context.Background(), bun.NewDB(sqldb, sqlitedialect.New()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOrderUpsertAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	rec := storage.OrderRecord{
		OrderID:        "o-1",
		ConversationID: "c1",
		Request:        map[string]any{"ticker": "7203"},
		Status:         "submitting",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.PutOrder(ctx, rec))
	rec.Status = "pending"
	require.NoError(t, s.PutOrder(ctx, rec))

	got, err := s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, "7203", got.Request["ticker"])

	require.NoError(t, s.UpdateOrderStatus(ctx, "o-1", "executed", map[string]any{"execution_price": 990.0}, now.Add(time.Second)))
	got, err = s.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "executed", got.Status)
	assert.Equal(t, 990.0, got.Result["execution_price"])

	err = s.UpdateOrderStatus(ctx, "missing", "executed", nil, now)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
	_, err = s.GetOrder(ctx, "missing")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeNotFound))
}

func TestCycleLogsAreOrdered(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for _, status := range []string{"stalled", "success"} {
		require.NoError(t, s.PutCycleLog(ctx, storage.CycleLog{
			ConversationID: "c1",
			Status:         status,
			Result:         map[string]any{"status": status},
			CreatedAt:      time.Now(),
		}))
	}
	require.NoError(t, s.PutExecutionLog(ctx, storage.ExecutionLog{
		ExecutionID:    "e-1",
		ConversationID: "c1",
		Status:         "success",
		CreatedAt:      time.Now(),
	}))

	logs, err := s.ListCycleLogs(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "stalled", logs[0].Status)
	assert.Equal(t, "success", logs[1].Result["status"])
}
