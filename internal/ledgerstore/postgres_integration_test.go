//go:build integration

package ledgerstore_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ledgergate/internal/ledgerstore"
)

func runPostgres(t *testing.T) *ledgerstore.PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "ledgergate",
			"POSTGRES_PASSWORD": "ledgergate",
			"POSTGRES_DB":       "ledgergate",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://ledgergate:ledgergate@%s:%s/ledgergate?sslmode=disable", host, port.Port())

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	schema, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_ledgers.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	s := ledgerstore.NewPostgresStore(pool, zap.NewNop())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgresStore_lifecycle(t *testing.T) {
	s := runPostgres(t)

	w, err := s.CreateLedger(ctx, 1, 1, 1, ledgerstore.DigestCRC32C, []byte("pw"))
	if err != nil {
		t.Fatalf("CreateLedger: %v", err)
	}
	for i, p := range []string{"one", "two", "three"} {
		id, err := w.AddEntry(ctx, []byte(p))
		if err != nil {
			t.Fatalf("AddEntry: %v", err)
		}
		if id != int64(i) {
			t.Errorf("entry id: got %d, want %d", id, i)
		}
	}

	r, err := s.OpenLedger(ctx, w.ID(), ledgerstore.DigestCRC32C, []byte("pw"))
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	entries, err := r.ReadEntries(ctx, 0, r.LastAddConfirmed())
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(entries) != 3 || string(entries[2].Payload) != "three" {
		t.Errorf("entries: %+v", entries)
	}
	last, err := r.ReadLastEntry(ctx)
	if err != nil || last.EntryID != 2 {
		t.Errorf("ReadLastEntry: %+v, %v", last, err)
	}
	r.Close(ctx)

	if _, err := s.OpenLedger(ctx, w.ID(), ledgerstore.DigestCRC32C, []byte("bad")); !errors.Is(err, ledgerstore.ErrUnauthorized) {
		t.Errorf("wrong password: got %v", err)
	}

	done := make(chan error, 1)
	var ids []int64
	s.ProcessLedgers(ctx, func(id int64) { ids = append(ids, id) }, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("ProcessLedgers: %v", err)
	}
	if len(ids) != 1 || ids[0] != w.ID() {
		t.Errorf("ids: %v", ids)
	}

	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close writer: %v", err)
	}
	if _, err := w.AddEntry(ctx, []byte("late")); !errors.Is(err, ledgerstore.ErrLedgerClosed) {
		t.Errorf("append after close: got %v", err)
	}
	if err := s.DeleteLedger(ctx, w.ID()); err != nil {
		t.Fatalf("DeleteLedger: %v", err)
	}
	if err := s.DeleteLedger(ctx, w.ID()); !errors.Is(err, ledgerstore.ErrNoSuchLedger) {
		t.Errorf("second delete: got %v", err)
	}
}
