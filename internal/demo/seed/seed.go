// Package seed writes a small demo dataset into the object store so the
// DuckDB warehouse has something to answer questions about.
package seed

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/sqlagent/internal/storage"
)

const partFileName = "part-00000.parquet"

type LookupFunc func(string) (string, bool)

type Config struct {
	DatasetID string
	Customers int
	Orders    int
	Seed      int64
	StartDate time.Time
}

func DefaultConfig() Config {
	return Config{
		DatasetID: "analytics",
		Customers: 200,
		Orders:    5000,
		Seed:      42,
		StartDate: time.Now().UTC(),
	}
}

func LoadConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}
	cfg := DefaultConfig()
	if raw, ok := lookup("SQLAGENT_WAREHOUSE_DATASET_ID"); ok {
		cfg.DatasetID = strings.TrimSpace(raw)
	}
	if err := applyInt(lookup, "SQLAGENT_SEED_CUSTOMERS", &cfg.Customers); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLAGENT_SEED_ORDERS", &cfg.Orders); err != nil {
		return Config{}, err
	}
	if raw, ok := lookup("SQLAGENT_SEED_RANDOM"); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SQLAGENT_SEED_RANDOM: %w", err)
		}
		cfg.Seed = v
	}
	if raw, ok := lookup("SQLAGENT_SEED_START_DATE"); ok && strings.TrimSpace(raw) != "" {
		v, err := time.Parse(time.DateOnly, strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid SQLAGENT_SEED_START_DATE: %w", err)
		}
		cfg.StartDate = v
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := storage.DatasetPrefix(c.DatasetID); err != nil {
		return err
	}
	if c.Customers <= 0 {
		return fmt.Errorf("SQLAGENT_SEED_CUSTOMERS must be > 0")
	}
	if c.Orders < 0 {
		return fmt.Errorf("SQLAGENT_SEED_ORDERS must be >= 0")
	}
	return nil
}

// Write generates the customers and orders tables and uploads one parquet
// file per table. Re-running with the same config overwrites the same keys.
func Write(ctx context.Context, objects storage.ObjectStore, cfg Config, logger *slog.Logger) ([]storage.ObjectInfo, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := NewGenerator(cfg.Seed, cfg.StartDate)
	customers, err := encode(g.Customers(cfg.Customers))
	if err != nil {
		return nil, fmt.Errorf("encode customers: %w", err)
	}
	orders, err := encode(g.Orders(cfg.Orders, cfg.Customers))
	if err != nil {
		return nil, fmt.Errorf("encode orders: %w", err)
	}

	infos := make([]storage.ObjectInfo, 0, 2)
	for _, table := range []struct {
		name string
		data []byte
	}{
		{name: "customers", data: customers},
		{name: "orders", data: orders},
	} {
		key, err := storage.BuildTableFilePath(cfg.DatasetID, table.name, partFileName)
		if err != nil {
			return nil, err
		}
		info, err := objects.Put(ctx, key, bytes.NewReader(table.data), int64(len(table.data)), storage.PutOptions{})
		if err != nil {
			return nil, fmt.Errorf("put %s: %w", key, err)
		}
		logger.InfoContext(ctx, "seeded table", slog.String("dataset_id", cfg.DatasetID), slog.String("table", table.name), slog.String("key", key), slog.Int64("bytes", info.Size))
		infos = append(infos, info)
	}
	return infos, nil
}

func encode[T any](rows []T) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[T](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}
