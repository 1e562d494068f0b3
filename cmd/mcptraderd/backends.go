package main

import (
	"context"
	"fmt"
	"strings"

	"MCP-Trader/internal/storage"
	"MCP-Trader/internal/storage/bunstore"
	"MCP-Trader/internal/storage/s3blob"
	"MCP-Trader/internal/storage/sqlstore"
	"MCP-Trader/internal/textanalytics"
	"MCP-Trader/internal/textanalytics/comprehend"
)

func openRecords(ctx context.Context, cfg storage.RecordsConfig) (storage.Records, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return storage.NewMemoryRecords(), nil
	case "sqlite":
		return sqlstore.Open(ctx, sqlstore.DialectSQLite, cfg.DSN, sqlstore.Pool{})
	case "mysql":
		return sqlstore.Open(ctx, sqlstore.DialectMySQL, cfg.DSN, sqlstore.Pool{})
	case "postgres":
		return bunstore.OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown records driver %q", cfg.Driver)
	}
}

func openBlobs(ctx context.Context, cfg storage.BlobsConfig) (storage.Blobs, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return storage.NewMemoryBlobs(), nil
	case "fs":
		return storage.NewFSBlobs(cfg.Dir)
	case "s3":
		return s3blob.Open(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown blobs driver %q", cfg.Driver)
	}
}

func openAnalyzer(ctx context.Context, cfg textanalytics.Config) (textanalytics.Analyzer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "neutral":
		return textanalytics.Neutral{}, nil
	case "comprehend":
		return comprehend.Open(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown text analytics driver %q", cfg.Driver)
	}
}
