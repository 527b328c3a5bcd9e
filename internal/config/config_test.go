package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/ledgergate/internal/gateway/service"
	"github.com/jmerrifield20/ledgergate/internal/ledgerstore"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	bk := cfg.Bookkeeper
	if bk.EnsembleSize != 1 || bk.WriteQuorumSize != 1 || bk.AckQuorumSize != 1 {
		t.Errorf("quorum defaults: %+v", bk)
	}
	if bk.Digest() != ledgerstore.DigestCRC32 {
		t.Errorf("digest default: got %q", bk.DigestType)
	}
	if got := bk.ConnectionString(); got != "zk+hierarchical://localhost:2181/ledgers" {
		t.Errorf("connection string: got %q", got)
	}
	if bk.Policy() != service.PolicyEmpty {
		t.Errorf("entry_not_found default: got %q", bk.EntryNotFound)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Errorf("driver default: got %q", cfg.Store.Driver)
	}
	if cfg.Server.Port != 8080 || cfg.Server.GRPCPort != 9090 {
		t.Errorf("ports: %+v", cfg.Server)
	}
	if cfg.Server.MaxBodyBytes != 1<<20 {
		t.Errorf("max body: got %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Health.Interval != 15*time.Second || cfg.Health.Timeout != 3*time.Second {
		t.Errorf("health: %+v", cfg.Health)
	}
}

func TestLoadLegacyEnvNames(t *testing.T) {
	t.Setenv("BOOKKEEPER_ZOOKEEPER_SERVERS", "zk1:2181,zk2:2181")
	t.Setenv("BOOKKEEPER_DIGESTTYPE", "mac")
	t.Setenv("BOOKKEEPER_PASSWORD", "s3cret")
	t.Setenv("BOOKKEEPER_ENSEMBLE_SIZE", "3")
	t.Setenv("BOOKKEEPER_WRITE_QUORUM_SIZE", "2")
	t.Setenv("BOOKKEEPER_ACK_QUORUM_SIZE", "2")
	t.Setenv("BOOKKEEPER_ENTRY_NOT_FOUND", "error")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	bk := cfg.Bookkeeper
	if bk.Servers != "zk1:2181,zk2:2181" {
		t.Errorf("servers: got %q", bk.Servers)
	}
	if bk.Digest() != ledgerstore.DigestMAC {
		t.Errorf("digest: got %q", bk.DigestType)
	}
	if bk.Password != "s3cret" {
		t.Errorf("password: got %q", bk.Password)
	}
	if bk.EnsembleSize != 3 || bk.WriteQuorumSize != 2 || bk.AckQuorumSize != 2 {
		t.Errorf("quorum: %+v", bk)
	}
	if bk.Policy() != service.PolicyError {
		t.Errorf("entry_not_found: got %q", bk.EntryNotFound)
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")

	path := filepath.Join(t.TempDir(), "ledgergate.yaml")
	content := []byte(`
server:
  port: 9000
  cors_origins: ["https://a.example", "https://b.example"]
store:
  driver: postgres
  sqlite_path: /var/lib/ledgergate/ledgers.db
bookkeeper:
  ensemble_size: 3
  write_quorum_size: 3
  ack_quorum_size: 2
health:
  interval: 1m
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("expected env override to select sqlite, got %q", cfg.Store.Driver)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Errorf("cors origins: %v", cfg.Server.CORSOrigins)
	}
	if cfg.Bookkeeper.EnsembleSize != 3 || cfg.Bookkeeper.AckQuorumSize != 2 {
		t.Errorf("quorum: %+v", cfg.Bookkeeper)
	}
	if cfg.Health.Interval != time.Minute {
		t.Errorf("health interval: got %v", cfg.Health.Interval)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestBookkeeperValidate(t *testing.T) {
	valid := Bookkeeper{EnsembleSize: 3, WriteQuorumSize: 2, AckQuorumSize: 2, DigestType: "CRC32", EntryNotFound: "empty"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Bookkeeper)
		want   string
	}{
		{"ack zero", func(b *Bookkeeper) { b.AckQuorumSize = 0 }, "ack_quorum_size"},
		{"ack above write", func(b *Bookkeeper) { b.AckQuorumSize = 3 }, "write_quorum_size"},
		{"write above ensemble", func(b *Bookkeeper) { b.WriteQuorumSize = 4 }, "ensemble_size"},
		{"bad digest", func(b *Bookkeeper) { b.DigestType = "SHA1" }, "digest_type"},
		{"bad policy", func(b *Bookkeeper) { b.EntryNotFound = "ignore" }, "entry_not_found"},
	}
	for _, tc := range cases {
		b := valid
		tc.mutate(&b)
		err := b.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestBookkeeperValidate_policyCaseInsensitive(t *testing.T) {
	b := Bookkeeper{EnsembleSize: 1, WriteQuorumSize: 1, AckQuorumSize: 1, DigestType: "CRC32", EntryNotFound: "ERROR"}
	if err := b.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if b.Policy() != service.PolicyError {
		t.Errorf("policy: got %v, want %v", b.Policy(), service.PolicyError)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "cassandra")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "store.driver") {
		t.Fatalf("expected store.driver error, got %v", err)
	}
}
