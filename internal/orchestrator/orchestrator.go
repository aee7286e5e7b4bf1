// Package orchestrator wires the receive buffer, plan grouper, rule engine,
// and send engine together: every plan folder C5 places is evaluated
// against the rule engine, and matching targets are forwarded on a bounded
// worker pool.
package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Kiragroh/DICOM-RT-Station/internal/codec"
	"github.com/Kiragroh/DICOM-RT-Station/internal/config"
	"github.com/Kiragroh/DICOM-RT-Station/internal/grouper"
	"github.com/Kiragroh/DICOM-RT-Station/internal/recvbuffer"
	"github.com/Kiragroh/DICOM-RT-Station/internal/rules"
	"github.com/Kiragroh/DICOM-RT-Station/internal/sendengine"
	"github.com/Kiragroh/DICOM-RT-Station/internal/store"
)

// Orchestrator is the pipeline glue: C3(via Receiver)->C4->C5->C8->C7.
type Orchestrator struct {
	cfg     *config.Config
	buffer  *recvbuffer.Buffer
	grouper *grouper.Grouper
	rules   *rules.Engine
	sender  *sendengine.Engine
	log     *logrus.Entry

	forwardCh chan forwardJob
}

type forwardJob struct {
	folder string
	peer   config.Peer
}

// New wires up an Orchestrator from a loaded configuration. tempDir is the
// receive buffer's private staging root.
func New(cfg *config.Config, tempDir string, log *logrus.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		rules:     rules.New(cfg, true),
		sender:    sendengine.New(cfg.LocalAETitle, cfg.ReceiveRoot, log),
		log:       log.WithField("component", "orchestrator"),
		forwardCh: make(chan forwardJob, 256),
	}
	o.grouper = grouper.New(cfg.ReceiveRoot, func(path string, cause error) {
		if err := grouper.MoveToFailed(cfg.ReceiveRoot, path, cause); err != nil {
			o.log.WithError(err).WithField("path", path).Error("failed to quarantine")
		}
	}, log)
	o.buffer = recvbuffer.New(secs(cfg.BufferQuiesceSeconds), tempDir, o.onFlush, log)
	return o
}

func secs(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// Receiver adapts a store.Received into a recvbuffer.Add call, for wiring
// into store.New.
func (o *Orchestrator) Receiver(r store.Received) error {
	obj, err := codec.FromWireBytes(r.TransferSyntaxUID, r.SOPClassUID, r.SOPInstanceUID, r.CallingAETitle, r.Data)
	if err != nil {
		return err
	}
	return o.buffer.Add(obj)
}

func (o *Orchestrator) onFlush(key recvbuffer.Key, paths []string) {
	plans := o.grouper.Group(paths)
	for _, p := range plans {
		o.routePlan(p)
	}
}

func (o *Orchestrator) routePlan(p grouper.PlacedPlan) {
	targets := o.rules.Check(p.SourceAE, p.Plan.RTPlanLabel)
	for _, peer := range targets {
		o.forwardCh <- forwardJob{folder: p.Folder, peer: peer}
	}
}

// RunWorkers starts cfg.WorkerPoolSize goroutines draining the forward
// queue until ctx is cancelled, for fan-out across multiple targets.
func (o *Orchestrator) RunWorkers(ctx context.Context) {
	n := o.cfg.WorkerPoolSize
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		go o.worker(ctx)
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-o.forwardCh:
			o.forward(ctx, job)
		}
	}
}

func (o *Orchestrator) forward(ctx context.Context, job forwardJob) {
	peer := sendengine.Peer{AET: job.peer.AET, IP: job.peer.IP, Port: job.peer.Port}
	// Forwarding never deletes received plans; that is an operator or
	// configuration-only decision, separate from this automatic path.
	_, err := o.sender.SendFolder(ctx, job.folder, peer, false, nil)
	if err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{
			"folder": job.folder,
			"peer":   job.peer.Name,
		}).Error("forward failed")
	}
}

// Shutdown drains the receive buffer synchronously, per the graceful
// shutdown sequence.
func (o *Orchestrator) Shutdown() {
	o.buffer.Drain()
}

// Backlog returns the current receive-buffer bucket count.
func (o *Orchestrator) Backlog() int {
	return o.buffer.Backlog()
}

// ruleSnapshot is the operator-facing dump of the active peer and rule
// configuration, rendered as YAML alongside the primary INI source.
type ruleSnapshot struct {
	Peers []config.Peer `yaml:"peers"`
	Rules []config.Rule `yaml:"rules"`
}

// SnapshotYAML renders the currently loaded peers and forwarding rules as
// YAML, for the operator diagnostics command.
func (o *Orchestrator) SnapshotYAML() ([]byte, error) {
	return yaml.Marshal(ruleSnapshot{Peers: o.cfg.Peers, Rules: o.cfg.Rules})
}
