package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	silas "github.com/DavSimFel/silas"
	"github.com/DavSimFel/silas/internal/config"
	"github.com/DavSimFel/silas/store/postgres"
	"github.com/DavSimFel/silas/store/sqlite"
)

// runIngest imports a text or markdown file into raw memory, segmented
// the same way live turns are. The content lands unindexed; extraction
// picks it up later like any other raw record.
func runIngest(cfg config.Config, scope, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read %s: %w", file, err)
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var memory silas.MemoryStore
	if cfg.Data.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Data.PostgresURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := postgres.New(pool).Init(ctx); err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
		memory = postgres.NewMemoryStore(pool)
	} else {
		st := sqlite.New(cfg.Data.ChroniclePath, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			return fmt.Errorf("chronicle store: %w", err)
		}
		defer st.Close()
		memory = sqlite.NewMemoryStore(st.DB(), sqlite.WithMemoryLogger(logger))
	}

	ingestor := silas.NewRawIngestor(memory, silas.WithIngestLogger(logger))
	ingestor.IngestTurn(ctx, scope, 0, "import:"+filepath.Base(file), silas.TaintOwner, string(data))
	return nil
}
