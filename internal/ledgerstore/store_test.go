package ledgerstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/ledgergate/internal/ledgerstore"
)

var ctx = context.Background()

// backends returns a fresh instance of every embedded backend. Each test
// runs once per backend.
func backends(t *testing.T) map[string]ledgerstore.Client {
	t.Helper()
	sq, err := ledgerstore.NewSQLiteStore(filepath.Join(t.TempDir(), "ledgers.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]ledgerstore.Client{
		"memory": ledgerstore.NewMemoryStore(3),
		"sqlite": sq,
	}
}

func create(t *testing.T, c ledgerstore.Client) ledgerstore.WriteHandle {
	t.Helper()
	w, err := c.CreateLedger(ctx, 1, 1, 1, ledgerstore.DigestCRC32, nil)
	if err != nil {
		t.Fatalf("CreateLedger: %v", err)
	}
	return w
}

func TestAppendAndRead(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w := create(t, c)
			if got := w.LastAddConfirmed(); got != -1 {
				t.Errorf("new ledger LAC: got %d, want -1", got)
			}

			for i, payload := range []string{"a", "b", "c"} {
				id, err := w.AddEntry(ctx, []byte(payload))
				if err != nil {
					t.Fatalf("AddEntry: %v", err)
				}
				if id != int64(i) {
					t.Errorf("entry id: got %d, want %d", id, i)
				}
			}

			r, err := c.OpenLedger(ctx, w.ID(), ledgerstore.DigestCRC32, nil)
			if err != nil {
				t.Fatalf("OpenLedger: %v", err)
			}
			defer r.Close(ctx)

			if got := r.LastAddConfirmed(); got != 2 {
				t.Errorf("reader LAC: got %d, want 2", got)
			}
			entries, err := r.ReadEntries(ctx, 0, 2)
			if err != nil {
				t.Fatalf("ReadEntries: %v", err)
			}
			if len(entries) != 3 {
				t.Fatalf("got %d entries, want 3", len(entries))
			}
			for i, want := range []string{"a", "b", "c"} {
				e := entries[i]
				if e.EntryID != int64(i) || string(e.Payload) != want || e.Length != 1 || e.LedgerID != w.ID() {
					t.Errorf("entry %d: got %+v", i, e)
				}
			}

			last, err := r.ReadLastEntry(ctx)
			if err != nil {
				t.Fatalf("ReadLastEntry: %v", err)
			}
			if last.EntryID != 2 || string(last.Payload) != "c" {
				t.Errorf("last entry: got %+v", last)
			}
		})
	}
}

func TestReadEntries_beyondLAC(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w := create(t, c)
			if _, err := w.AddEntry(ctx, []byte("x")); err != nil {
				t.Fatal(err)
			}
			for _, rng := range [][2]int64{{0, 1}, {5, 5}, {-1, 0}, {1, 0}} {
				if _, err := w.ReadEntries(ctx, rng[0], rng[1]); !errors.Is(err, ledgerstore.ErrNoSuchEntry) {
					t.Errorf("ReadEntries(%d, %d): got %v, want ErrNoSuchEntry", rng[0], rng[1], err)
				}
			}
		})
	}
}

func TestReadLastEntry_empty(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w := create(t, c)
			if _, err := w.ReadLastEntry(ctx); !errors.Is(err, ledgerstore.ErrNoSuchEntry) {
				t.Errorf("got %v, want ErrNoSuchEntry", err)
			}
		})
	}
}

func TestOpenLedger_unknown(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := c.OpenLedger(ctx, 999, ledgerstore.DigestCRC32, nil); !errors.Is(err, ledgerstore.ErrNoSuchLedger) {
				t.Errorf("got %v, want ErrNoSuchLedger", err)
			}
		})
	}
}

func TestOpenLedger_wrongPassword(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w, err := c.CreateLedger(ctx, 1, 1, 1, ledgerstore.DigestMAC, []byte("secret"))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := c.OpenLedger(ctx, w.ID(), ledgerstore.DigestMAC, []byte("nope")); !errors.Is(err, ledgerstore.ErrUnauthorized) {
				t.Errorf("wrong password: got %v, want ErrUnauthorized", err)
			}
			if _, err := c.OpenLedger(ctx, w.ID(), ledgerstore.DigestCRC32, []byte("secret")); !errors.Is(err, ledgerstore.ErrUnauthorized) {
				t.Errorf("wrong digest: got %v, want ErrUnauthorized", err)
			}
			r, err := c.OpenLedger(ctx, w.ID(), ledgerstore.DigestMAC, []byte("secret"))
			if err != nil {
				t.Fatalf("correct credentials: %v", err)
			}
			r.Close(ctx)
		})
	}
}

func TestCreateLedger_quorum(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			cases := [][3]int{{1, 1, 0}, {1, 1, 2}, {1, 2, 1}, {0, 0, 0}}
			for _, q := range cases {
				if _, err := c.CreateLedger(ctx, q[0], q[1], q[2], ledgerstore.DigestCRC32, nil); !errors.Is(err, ledgerstore.ErrQuorumUnsatisfiable) {
					t.Errorf("CreateLedger(%v): got %v, want ErrQuorumUnsatisfiable", q, err)
				}
			}
		})
	}
}

func TestCloseWriter_seals(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w := create(t, c)
			if err := w.Close(ctx); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(ctx); err != nil {
				t.Errorf("second Close: %v", err)
			}
			if _, err := w.AddEntry(ctx, []byte("late")); !errors.Is(err, ledgerstore.ErrLedgerClosed) {
				t.Errorf("AddEntry after close: got %v, want ErrLedgerClosed", err)
			}
		})
	}
}

func TestReadHandle_cannotAppend(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w := create(t, c)
			r, err := c.OpenLedger(ctx, w.ID(), ledgerstore.DigestCRC32, nil)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close(ctx)
			if wh, ok := r.(ledgerstore.WriteHandle); ok {
				if _, err := wh.AddEntry(ctx, []byte("x")); !errors.Is(err, ledgerstore.ErrLedgerClosed) {
					t.Errorf("got %v, want ErrLedgerClosed", err)
				}
			}
			// Opening for read must not fence the writer.
			if _, err := w.AddEntry(ctx, []byte("still writable")); err != nil {
				t.Errorf("writer fenced by reader open: %v", err)
			}
		})
	}
}

func TestDeleteLedger(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w := create(t, c)
			if _, err := w.AddEntry(ctx, []byte("x")); err != nil {
				t.Fatal(err)
			}
			if err := c.DeleteLedger(ctx, w.ID()); err != nil {
				t.Fatalf("DeleteLedger: %v", err)
			}
			if err := c.DeleteLedger(ctx, w.ID()); !errors.Is(err, ledgerstore.ErrNoSuchLedger) {
				t.Errorf("second delete: got %v, want ErrNoSuchLedger", err)
			}
			if _, err := c.OpenLedger(ctx, w.ID(), ledgerstore.DigestCRC32, nil); !errors.Is(err, ledgerstore.ErrNoSuchLedger) {
				t.Errorf("open after delete: got %v, want ErrNoSuchLedger", err)
			}
			if _, err := w.AddEntry(ctx, []byte("y")); !errors.Is(err, ledgerstore.ErrNoSuchLedger) {
				t.Errorf("append after delete: got %v, want ErrNoSuchLedger", err)
			}
		})
	}
}

func TestProcessLedgers(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			want := map[int64]bool{}
			for i := 0; i < 4; i++ {
				want[create(t, c).ID()] = true
			}

			var (
				mu  sync.Mutex
				got []int64
			)
			done := make(chan error, 1)
			c.ProcessLedgers(ctx, func(id int64) {
				mu.Lock()
				got = append(got, id)
				mu.Unlock()
			}, func(err error) { done <- err })

			if err := <-done; err != nil {
				t.Fatalf("done: %v", err)
			}
			mu.Lock()
			defer mu.Unlock()
			if len(got) != len(want) {
				t.Fatalf("got %v, want %d ids", got, len(want))
			}
			for _, id := range got {
				if !want[id] {
					t.Errorf("unexpected id %d", id)
				}
			}
		})
	}
}

func TestConcurrentAppends_consecutiveIDs(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w := create(t, c)
			const n = 32
			var (
				wg  sync.WaitGroup
				mu  sync.Mutex
				ids = map[int64]bool{}
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					id, err := w.AddEntry(ctx, []byte("x"))
					if err != nil {
						t.Errorf("AddEntry: %v", err)
						return
					}
					mu.Lock()
					ids[id] = true
					mu.Unlock()
				}()
			}
			wg.Wait()
			for i := int64(0); i < n; i++ {
				if !ids[i] {
					t.Errorf("missing entry id %d", i)
				}
			}
			if lac, err := w.ReadLastAddConfirmed(ctx); err != nil || lac != n-1 {
				t.Errorf("LAC: got %d, %v; want %d", lac, err, n-1)
			}
		})
	}
}

func TestDigestTypes_roundTrip(t *testing.T) {
	digests := []ledgerstore.DigestType{
		ledgerstore.DigestCRC32,
		ledgerstore.DigestCRC32C,
		ledgerstore.DigestMAC,
		ledgerstore.DigestDummy,
		ledgerstore.DigestBLAKE3,
	}
	for name, c := range backends(t) {
		for _, d := range digests {
			t.Run(name+"/"+string(d), func(t *testing.T) {
				pw := []byte("pw")
				w, err := c.CreateLedger(ctx, 1, 1, 1, d, pw)
				if err != nil {
					t.Fatal(err)
				}
				if _, err := w.AddEntry(ctx, []byte("payload")); err != nil {
					t.Fatal(err)
				}
				r, err := c.OpenLedger(ctx, w.ID(), d, pw)
				if err != nil {
					t.Fatal(err)
				}
				defer r.Close(ctx)
				e, err := r.ReadLastEntry(ctx)
				if err != nil {
					t.Fatalf("ReadLastEntry: %v", err)
				}
				if string(e.Payload) != "payload" {
					t.Errorf("payload: got %q", e.Payload)
				}
			})
		}
	}
}
