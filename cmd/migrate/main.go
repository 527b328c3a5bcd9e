// cmd/migrate applies the ledger store schema in migrations/ to Postgres.
// Progress is tracked in a golang-migrate compatible schema_migrations table
// (bigint version + dirty flag), so either tool can take over.
//
// Usage:
//
//	go run ./cmd/migrate
//	DATABASE_URL=postgres://... go run ./cmd/migrate
//	MIGRATIONS_DIR=/srv/migrations go run ./cmd/migrate
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmerrifield20/ledgergate/internal/config"
)

type migration struct {
	version int64
	file    string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("LEDGERGATE_CONFIG"))
	if err != nil {
		return err
	}
	dir := os.Getenv("MIGRATIONS_DIR")
	if dir == "" {
		dir = "migrations"
	}

	migrations, err := collectMigrations(dir)
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	fmt.Println("connected to database")

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		var dirty bool
		err := db.QueryRow(ctx,
			`SELECT dirty FROM schema_migrations WHERE version = $1`, m.version,
		).Scan(&dirty)
		switch {
		case err == nil && !dirty:
			fmt.Printf("  skip  %s (already applied)\n", m.file)
			continue
		case err == nil && dirty:
			return fmt.Errorf("%s is marked dirty; fix the schema by hand and clear the flag", m.file)
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("check %s: %w", m.file, err)
		}

		sql, err := os.ReadFile(filepath.Join(dir, m.file))
		if err != nil {
			return fmt.Errorf("read %s: %w", m.file, err)
		}

		// The version row and the DDL commit together; Postgres DDL is transactional.
		if err := pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, dirty) VALUES ($1, false)`, m.version)
			return err
		}); err != nil {
			return fmt.Errorf("apply %s: %w", m.file, err)
		}

		fmt.Printf("  apply %s\n", m.file)
		applied++
	}

	if applied == 0 {
		fmt.Println("nothing to migrate, already up to date")
	} else {
		fmt.Printf("applied %d migration(s)\n", applied)
	}
	return nil
}

// collectMigrations lists the *.up.sql files in dir ordered by version.
func collectMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var out []migration
	seen := make(map[int64]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		ver, err := versionFromFile(name)
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", name, err)
		}
		if prev, ok := seen[ver]; ok {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", ver, prev, name)
		}
		seen[ver] = name
		out = append(out, migration{version: ver, file: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// versionFromFile extracts the leading integer from a migration filename.
// "001_ledgers.up.sql" → 1
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("expected <version>_<name>.up.sql")
	}
	return strconv.ParseInt(prefix, 10, 64)
}
