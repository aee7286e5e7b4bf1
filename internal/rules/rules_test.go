package rules

import (
	"testing"

	"github.com/Kiragroh/DICOM-RT-Station/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Peers: []config.Peer{
			{Name: "ORGANO", AET: "ORGANO", IP: "10.0.0.1", Port: 104, Enabled: true},
			{Name: "DISABLED", AET: "DIS", IP: "10.0.0.2", Port: 104, Enabled: false},
		},
		Rules: []config.Rule{
			{ID: "r1", Enabled: true, SourceAE: "TR_SEND", PlanLabelSubstring: "ADP", TargetNodeNames: []string{"ORGANO"}},
		},
	}
}

func TestCheckMatch(t *testing.T) {
	e := New(baseConfig(), true)
	got := e.Check("TR_SEND", "Head_ADP")
	if len(got) != 1 || got[0].Name != "ORGANO" {
		t.Fatalf("Check returned %+v, want [ORGANO]", got)
	}
}

func TestCheckNoMatchWrongSourceAE(t *testing.T) {
	e := New(baseConfig(), true)
	if got := e.Check("OTHER_AE", "Head_ADP"); len(got) != 0 {
		t.Fatalf("Check returned %+v, want empty", got)
	}
}

func TestCheckGloballyDisabled(t *testing.T) {
	e := New(baseConfig(), false)
	if got := e.Check("TR_SEND", "Head_ADP"); len(got) != 0 {
		t.Fatalf("Check returned %+v, want empty when rules disabled", got)
	}
}

func TestCheckSkipsDisabledPeer(t *testing.T) {
	cfg := baseConfig()
	cfg.Rules[0].TargetNodeNames = []string{"DISABLED"}
	e := New(cfg, true)
	if got := e.Check("TR_SEND", "Head_ADP"); len(got) != 0 {
		t.Fatalf("Check returned %+v, want empty for disabled peer", got)
	}
}

func TestImportFolderRuleSynthesized(t *testing.T) {
	e := New(baseConfig(), true)
	found := false
	for _, r := range e.rules {
		if r.SourceAE == "IMPORT_FOLDER" {
			found = true
			if r.Enabled {
				t.Errorf("synthesized IMPORT_FOLDER rule should be disabled by default")
			}
		}
	}
	if !found {
		t.Fatal("expected a synthesized IMPORT_FOLDER rule")
	}
}

func TestCheckPure(t *testing.T) {
	e := New(baseConfig(), true)
	first := e.Check("TR_SEND", "Head_ADP")
	second := e.Check("TR_SEND", "Head_ADP")
	if len(first) != len(second) {
		t.Fatalf("Check not pure: %v vs %v", first, second)
	}
}
