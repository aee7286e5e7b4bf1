package orchestrator

import (
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/Kiragroh/DICOM-RT-Station/internal/config"
	"github.com/Kiragroh/DICOM-RT-Station/internal/grouper"
	"github.com/Kiragroh/DICOM-RT-Station/internal/model"
	"github.com/Kiragroh/DICOM-RT-Station/internal/store"
)

func testConfig(receiveRoot string) *config.Config {
	return &config.Config{
		LocalAETitle:   "STATION",
		ReceiveRoot:    receiveRoot,
		ReceivePort:    104,
		WorkerPoolSize: 2,
		Peers: []config.Peer{
			{Name: "ORGANO", AET: "ORGANO", IP: "127.0.0.1", Port: 1, Enabled: true},
		},
		Rules: []config.Rule{
			{ID: "r1", Enabled: true, SourceAE: "TR_SEND", TargetNodeNames: []string{"ORGANO"}},
		},
	}
}

func TestReceiverRejectsUnparseableData(t *testing.T) {
	o := New(testConfig(t.TempDir()), t.TempDir(), logrus.New())
	err := o.Receiver(store.Received{
		TransferSyntaxUID: "bogus",
		SOPClassUID:       "bogus",
		SOPInstanceUID:    "bogus",
		CallingAETitle:    "TR_SEND",
		Data:              []byte("not dicom"),
	})
	if err == nil {
		t.Fatal("Receiver should reject unparseable wire bytes")
	}
}

func TestRoutePlanEnqueuesMatchingPeer(t *testing.T) {
	o := New(testConfig(t.TempDir()), t.TempDir(), logrus.New())
	plan := grouper.PlacedPlan{
		Folder:   "/tmp/whatever",
		Plan:     &model.DicomObject{RTPlanLabel: "Head"},
		SourceAE: "TR_SEND",
	}
	o.routePlan(plan)
	select {
	case job := <-o.forwardCh:
		if job.peer.Name != "ORGANO" {
			t.Errorf("forwarded to %q, want ORGANO", job.peer.Name)
		}
	default:
		t.Fatal("expected a forward job to be enqueued")
	}
}

func TestRoutePlanSkipsUnmatchedSourceAE(t *testing.T) {
	o := New(testConfig(t.TempDir()), t.TempDir(), logrus.New())
	plan := grouper.PlacedPlan{
		Folder:   "/tmp/whatever",
		Plan:     &model.DicomObject{RTPlanLabel: "Head"},
		SourceAE: "UNKNOWN_AE",
	}
	o.routePlan(plan)
	select {
	case job := <-o.forwardCh:
		t.Fatalf("unexpected forward job for an unmatched source AE: %+v", job)
	default:
	}
}

func TestBacklogStartsAtZero(t *testing.T) {
	o := New(testConfig(t.TempDir()), t.TempDir(), logrus.New())
	if o.Backlog() != 0 {
		t.Errorf("Backlog() = %d, want 0 on a freshly built orchestrator", o.Backlog())
	}
}
