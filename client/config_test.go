package client

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rocketbitz/tagmq/mq"
)

const sampleConfig = `
id = "rank-0"
timeout = "250ms"
hash_threshold = 16
max_requests = 1024

[rendezvous]
shm_threshold = 4096
window = 65536
`

func TestLoadConfigAppliesOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tagmq.toml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	fc, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	cfg := fc.Apply(Config{ID: "default", StagingBytes: 1 << 20, FabricThreshold: 9000})
	if cfg.ID != "rank-0" || cfg.Timeout != 250*time.Millisecond {
		t.Fatalf("unexpected identity fields: %+v", cfg)
	}
	if cfg.HashThreshold != 16 || cfg.MaxRequests != 1024 || cfg.StagingBytes != 1<<20 {
		t.Fatalf("unexpected engine fields: %+v", cfg)
	}
	if cfg.ShmThreshold != 4096 || cfg.RendezvousWindow != 65536 || cfg.FabricThreshold != 9000 {
		t.Fatalf("unexpected rendezvous fields: %+v", cfg)
	}
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseConfig("hash_treshold = 3\n")
	if err == nil || !strings.Contains(err.Error(), "hash_treshold") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestParseConfigRejectsBadTimeout(t *testing.T) {
	if _, err := ParseConfig(`timeout = "soon"`); err == nil {
		t.Fatal("expected timeout parse error")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestDialWithFileConfig(t *testing.T) {
	fc, err := ParseConfig("[rendezvous]\nshm_threshold = 8\n")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	sender, receiver := setupPeerClients(t, fc.Apply(Config{}))
	f, err := sender.SendAsync(receiver.Addr(), mq.Tag64(1), []byte("longer than eight"))
	if err != nil {
		t.Fatalf("SendAsync: %v", err)
	}
	if !f.Rendezvous() {
		t.Fatal("file threshold not applied")
	}
}
