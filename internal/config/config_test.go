package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTemp(t, `
[core]
local_ae_title = DICOM-RT-STATION
receive_root = /tmp/recv
receive_port = 11112
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.WorkerPoolSize != 4 {
		t.Errorf("WorkerPoolSize = %d, want default 4", cfg.WorkerPoolSize)
	}
	if cfg.BufferQuiesceSeconds != 2 {
		t.Errorf("BufferQuiesceSeconds = %v, want default 2", cfg.BufferQuiesceSeconds)
	}
	if cfg.MetricsListenAddr != ":9090" {
		t.Errorf("MetricsListenAddr = %q, want default :9090", cfg.MetricsListenAddr)
	}
}

func TestLoadPeersAndRules(t *testing.T) {
	path := writeTemp(t, `
[core]
local_ae_title = STATION
receive_root = /tmp/recv
receive_port = 104

[peer:ORGANO]
aet = ORGANO
ip = 10.0.0.5
port = 104
enabled = true

[rule:r1]
enabled = true
source_ae = TR_SEND
plan_label_substring = ADP
target_node_names = ORGANO, OTHER
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].AET != "ORGANO" {
		t.Fatalf("Peers = %+v", cfg.Peers)
	}
	if len(cfg.Rules) != 1 || len(cfg.Rules[0].TargetNodeNames) != 2 {
		t.Fatalf("Rules = %+v", cfg.Rules)
	}
}

func TestLoadMissingRequiredField(t *testing.T) {
	path := writeTemp(t, `
[core]
receive_root = /tmp/recv
receive_port = 104
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing local_ae_title")
	}
}

func TestLoadInvalidPort(t *testing.T) {
	path := writeTemp(t, `
[core]
local_ae_title = STATION
receive_root = /tmp/recv
receive_port = 0
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for out-of-range receive_port")
	}
}

func TestFindPeerSkipsDisabled(t *testing.T) {
	cfg := &Config{Peers: []Peer{{Name: "A", AET: "A", IP: "1.1.1.1", Port: 104, Enabled: false}}}
	if _, ok := cfg.FindPeer("A"); ok {
		t.Fatal("FindPeer should not return a disabled peer")
	}
}
