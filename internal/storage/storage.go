// Package storage persists orders, execution logs, cycle logs and blob
// artifacts. Backends live in sub-packages; this package holds the shared
// types, the in-memory implementations and the key layout.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	xerrors "MCP-Trader/internal/errors"
)

// OrderRecord is the durable form of an order.
type OrderRecord struct {
	OrderID        string         `json:"order_id"`
	ConversationID string         `json:"conversation_id"`
	Request        map[string]any `json:"request"`
	Status         string         `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	Simulation     bool           `json:"simulation"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ExecutionLog records one handled execution request.
type ExecutionLog struct {
	ExecutionID    string         `json:"execution_id"`
	ConversationID string         `json:"conversation_id"`
	OrderID        string         `json:"order_id,omitempty"`
	Status         string         `json:"status"`
	Request        map[string]any `json:"request"`
	Result         map[string]any `json:"result"`
	CreatedAt      time.Time      `json:"created_at"`
}

// CycleLog records how a trading cycle ended.
type CycleLog struct {
	ConversationID string         `json:"conversation_id"`
	Status         string         `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	CycleData      map[string]any `json:"cycle_data,omitempty"`
	CreatedAt      time.Time      `json:"timestamp"`
}

// Records stores structured records.
type Records interface {
	// PutOrder inserts or replaces an order record.
	PutOrder(ctx context.Context, rec OrderRecord) error
	GetOrder(ctx context.Context, orderID string) (OrderRecord, error)
	// UpdateOrderStatus changes status and result of an existing order.
	UpdateOrderStatus(ctx context.Context, orderID, status string, result map[string]any, updatedAt time.Time) error
	PutExecutionLog(ctx context.Context, log ExecutionLog) error
	PutCycleLog(ctx context.Context, log CycleLog) error
	// ListCycleLogs returns the logs of a conversation, oldest first.
	ListCycleLogs(ctx context.Context, conversationID string) ([]CycleLog, error)
	Close() error
}

// Blobs stores opaque artifacts by key.
type Blobs interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Config selects the backends.
type Config struct {
	Records RecordsConfig `yaml:"records"`
	Blobs   BlobsConfig   `yaml:"blobs"`
}

// RecordsConfig: driver is memory, sqlite, mysql or postgres.
type RecordsConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// BlobsConfig: driver is memory, fs or s3.
type BlobsConfig struct {
	Driver       string `yaml:"driver"`
	Dir          string `yaml:"dir"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style" split_words:"true"`
}

// Blob key layout.
func FeedbackKey(conversationID string) string {
	return path.Join("feedback", conversationID+".json")
}

func ExecutionLogKey(conversationID, executionID string) string {
	return path.Join("execution_logs", conversationID, executionID+".json")
}

func StockDataKey(conversationID, name string) string {
	return path.Join("stock_data", conversationID, name+".json")
}

func StockDataPrefix(conversationID string) string {
	return path.Join("stock_data", conversationID) + "/"
}

func SignalKey(conversationID string) string {
	return path.Join("signals", conversationID, "signal_data.json")
}

// ValidKey rejects empty keys and keys escaping their prefix.
func ValidKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "blob key is empty")
	}
	clean := path.Clean(key)
	if clean != key || strings.HasPrefix(clean, "/") || clean == ".." || strings.HasPrefix(clean, "../") {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("blob key %q is not canonical", key))
	}
	return nil
}

// PutJSON encodes v with indentation and stores it under key.
func PutJSON(ctx context.Context, b Blobs, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode blob "+key)
	}
	return b.Put(ctx, key, data, "application/json")
}

// Failure wraps err as a storage error for op.
func Failure(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, op)
}

// NotFound builds the error returned for missing orders and blobs.
func NotFound(what string) error {
	return xerrors.New(xerrors.CodeNotFound, what+" not found")
}

// EmptyID is returned when a record lacks its key.
func EmptyID(what string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, what+" id is empty")
}
