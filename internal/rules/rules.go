// Package rules evaluates declarative forwarding rules against a source AE
// title and plan label, returning the set of peers a plan should be
// forwarded to. Evaluation is pure and stateless: safe to call concurrently,
// and the same rule snapshot always yields the same result.
package rules

import (
	"strings"

	"github.com/Kiragroh/DICOM-RT-Station/internal/config"
	"github.com/Kiragroh/DICOM-RT-Station/internal/model"
)

// ImportFolderRuleID names the built-in rule synthesized for plans that
// entered via operator-initiated import rather than a network C-STORE.
const ImportFolderRuleID = "import_folder"

// Engine evaluates a fixed snapshot of rules and peers.
type Engine struct {
	enabled bool
	rules   []config.Rule
	peers   map[string]config.Peer
}

// New builds an Engine from a loaded configuration. If no rule targets
// model.ImportFolderAE, a disabled built-in rule is synthesized so the
// source-AE literal always resolves to something, per the rule engine's
// bootstrap requirement.
func New(cfg *config.Config, enabled bool) *Engine {
	e := &Engine{
		enabled: enabled,
		rules:   append([]config.Rule(nil), cfg.Rules...),
		peers:   make(map[string]config.Peer, len(cfg.Peers)),
	}
	for _, p := range cfg.Peers {
		e.peers[p.Name] = p
	}
	hasImportRule := false
	for _, r := range e.rules {
		if r.SourceAE == model.ImportFolderAE {
			hasImportRule = true
			break
		}
	}
	if !hasImportRule {
		e.rules = append(e.rules, config.Rule{
			ID:       ImportFolderRuleID,
			Enabled:  false,
			SourceAE: model.ImportFolderAE,
		})
	}
	return e
}

// Check returns every enabled, resolvable target peer for the given
// source AE and plan label. An empty result means "forward nowhere".
func (e *Engine) Check(sourceAE, planLabel string) []config.Peer {
	if !e.enabled {
		return nil
	}
	var targets []config.Peer
	for _, r := range e.rules {
		if !r.Enabled {
			continue
		}
		if r.SourceAE != "" && r.SourceAE != sourceAE {
			continue
		}
		if r.PlanLabelSubstring != "" && !strings.Contains(planLabel, r.PlanLabelSubstring) {
			continue
		}
		for _, name := range r.TargetNodeNames {
			if peer, ok := e.peers[name]; ok && peer.Enabled {
				targets = append(targets, peer)
			}
		}
	}
	return targets
}
