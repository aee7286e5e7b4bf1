// Package config loads the process configuration: a single INI document
// carrying the core scalar options plus repeated peer and rule sections.
package config

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/Kiragroh/DICOM-RT-Station/internal/model"
)

// Peer is a downstream DICOM node reachable by the send engine.
type Peer struct {
	Name    string
	AET     string
	IP      string
	Port    int
	Enabled bool
}

// Rule is a declarative forwarding rule.
type Rule struct {
	ID                 string
	Enabled            bool
	SourceAE           string
	PlanLabelSubstring string
	TargetNodeNames    []string
}

// Config is the fully loaded, validated process configuration.
type Config struct {
	LocalAETitle                 string
	ListenIP                     string
	ReceivePort                  int
	ReceiveRoot                  string
	OutgoingSpool                string
	TrustedCallingAETitles       []string
	AEToSubdir                   map[string]string
	Emf2sfPath                   string
	WorkerPoolSize               int
	BufferQuiesceSeconds         float64
	FolderInactivitySeconds      float64
	FolderRetrySeconds           float64
	RescanIntervalSeconds        float64
	EmptyDirAgeSeconds           float64
	HeartbeatSeconds             float64
	DeleteAfterSend              bool
	ClearImportFolderAfterImport bool
	AutoStartReceiver            bool
	MetricsListenAddr            string

	Peers []Peer
	Rules []Rule
}

// defaults mirrors the Configuration enumeration's stated defaults.
func defaults() *Config {
	return &Config{
		ListenIP:                "0.0.0.0",
		WorkerPoolSize:          4,
		BufferQuiesceSeconds:    2,
		FolderInactivitySeconds: 13,
		FolderRetrySeconds:      14,
		RescanIntervalSeconds:   300,
		EmptyDirAgeSeconds:      180,
		HeartbeatSeconds:        120,
		MetricsListenAddr:       ":9090",
		AEToSubdir:              map[string]string{},
	}
}

// Load reads path as an INI document and returns a validated Config.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrConfigMissing, path, err)
	}
	cfg := defaults()

	core := f.Section("core")
	cfg.LocalAETitle = core.Key("local_ae_title").MustString(cfg.LocalAETitle)
	cfg.ListenIP = core.Key("listen_ip").MustString(cfg.ListenIP)
	cfg.ReceivePort = core.Key("receive_port").MustInt(cfg.ReceivePort)
	cfg.ReceiveRoot = core.Key("receive_root").MustString(cfg.ReceiveRoot)
	cfg.OutgoingSpool = core.Key("outgoing_spool").MustString(cfg.OutgoingSpool)
	cfg.Emf2sfPath = core.Key("emf2sf_path").MustString("")
	cfg.WorkerPoolSize = core.Key("worker_pool_size").MustInt(cfg.WorkerPoolSize)
	cfg.BufferQuiesceSeconds = core.Key("buffer_quiesce_s").MustFloat64(cfg.BufferQuiesceSeconds)
	cfg.FolderInactivitySeconds = core.Key("folder_inactivity_s").MustFloat64(cfg.FolderInactivitySeconds)
	cfg.FolderRetrySeconds = core.Key("folder_retry_s").MustFloat64(cfg.FolderRetrySeconds)
	cfg.RescanIntervalSeconds = core.Key("rescan_interval_s").MustFloat64(cfg.RescanIntervalSeconds)
	cfg.EmptyDirAgeSeconds = core.Key("empty_dir_age_s").MustFloat64(cfg.EmptyDirAgeSeconds)
	cfg.HeartbeatSeconds = core.Key("heartbeat_s").MustFloat64(cfg.HeartbeatSeconds)
	cfg.DeleteAfterSend = core.Key("delete_after_send").MustBool(false)
	cfg.ClearImportFolderAfterImport = core.Key("clear_import_folder_after_import").MustBool(false)
	cfg.AutoStartReceiver = core.Key("auto_start_receiver").MustBool(true)
	cfg.MetricsListenAddr = core.Key("metrics_listen_addr").MustString(cfg.MetricsListenAddr)
	if raw := core.Key("trusted_ae_titles").String(); raw != "" {
		cfg.TrustedCallingAETitles = splitCSV(raw)
	}

	if sec, err := f.GetSection("ae_subdir"); err == nil {
		for _, key := range sec.Keys() {
			cfg.AEToSubdir[key.Name()] = key.String()
		}
	}

	for _, sec := range f.Sections() {
		switch {
		case strings.HasPrefix(sec.Name(), "peer:"):
			cfg.Peers = append(cfg.Peers, Peer{
				Name:    strings.TrimPrefix(sec.Name(), "peer:"),
				AET:     sec.Key("aet").String(),
				IP:      sec.Key("ip").String(),
				Port:    sec.Key("port").MustInt(104),
				Enabled: sec.Key("enabled").MustBool(true),
			})
		case strings.HasPrefix(sec.Name(), "rule:"):
			cfg.Rules = append(cfg.Rules, Rule{
				ID:                 strings.TrimPrefix(sec.Name(), "rule:"),
				Enabled:            sec.Key("enabled").MustBool(true),
				SourceAE:           sec.Key("source_ae").String(),
				PlanLabelSubstring: sec.Key("plan_label_substring").String(),
				TargetNodeNames:    splitCSV(sec.Key("target_node_names").String()),
			})
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.LocalAETitle == "" {
		return fmt.Errorf("%w: local_ae_title", model.ErrConfigMissing)
	}
	if c.ReceiveRoot == "" {
		return fmt.Errorf("%w: receive_root", model.ErrConfigMissing)
	}
	if c.ReceivePort <= 0 || c.ReceivePort > 65535 {
		return fmt.Errorf("%w: receive_port out of range: %d", model.ErrConfigMissing, c.ReceivePort)
	}
	for _, p := range c.Peers {
		if p.AET == "" || p.IP == "" || p.Port <= 0 {
			return fmt.Errorf("%w: peer %q incomplete", model.ErrConfigMissing, p.Name)
		}
	}
	return nil
}

// FindPeer returns the peer by name, or false if not present/enabled.
func (c *Config) FindPeer(name string) (Peer, bool) {
	for _, p := range c.Peers {
		if p.Name == name && p.Enabled {
			return p, true
		}
	}
	return Peer{}, false
}
