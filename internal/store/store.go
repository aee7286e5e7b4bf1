// Package store wraps the wire-protocol layer's association acceptor into
// the routing node's Store SCP: it advertises the storage presentation
// contexts this station needs, enforces the trusted-caller allowlist on
// C-ECHO, and hands every accepted object to a Receiver callback.
package store

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	netdicom "github.com/Kiragroh/DICOM-RT-Station/internal/dicomnet"
	"github.com/Kiragroh/DICOM-RT-Station/internal/dicomnet/dimse"
	"github.com/Kiragroh/DICOM-RT-Station/internal/metrics"
	"github.com/Kiragroh/DICOM-RT-Station/internal/model"
)

// RestartBackoff is the delay before the SCP listener is retried after a
// fatal accept-loop error, per the auto-restart policy.
const RestartBackoff = 10 * time.Second

// Received is delivered for every successfully buffered C-STORE.
type Received struct {
	TransferSyntaxUID string
	SOPClassUID       string
	SOPInstanceUID    string
	CallingAETitle    string
	Data              []byte
}

// Receiver is invoked once per accepted C-STORE. It returns nil to accept,
// or an error to report a store failure back to the sender.
type Receiver func(Received) error

// SCP is the routing node's Store SCP.
type SCP struct {
	aeTitle     string
	listenAddr  string
	trustedAEs  map[string]bool
	maxPDUSize  int
	receiver    Receiver
	log         *logrus.Entry
}

// Config carries the fields needed to construct an SCP.
type Config struct {
	AETitle                string
	ListenIP               string
	Port                   int
	TrustedCallingAETitles []string
	MaxPDUSize             int
}

// New builds an SCP. recv is called for every accepted object; it must not
// block for long, since the underlying association handler is serialized
// per connection.
func New(cfg Config, recv Receiver, log *logrus.Logger) *SCP {
	trusted := make(map[string]bool, len(cfg.TrustedCallingAETitles))
	for _, ae := range cfg.TrustedCallingAETitles {
		trusted[ae] = true
	}
	return &SCP{
		aeTitle:    cfg.AETitle,
		listenAddr: fmt.Sprintf("%s:%d", cfg.ListenIP, cfg.Port),
		trustedAEs: trusted,
		maxPDUSize: cfg.MaxPDUSize,
		receiver:   recv,
		log:        log.WithField("component", "store"),
	}
}

// isTrusted mirrors the library default: an empty allowlist trusts everyone.
func (s *SCP) isTrusted(callingAE string) bool {
	if len(s.trustedAEs) == 0 {
		return true
	}
	return s.trustedAEs[callingAE]
}

func (s *SCP) providerParams() netdicom.ServiceProviderParams {
	return netdicom.ServiceProviderParams{
		AETitle:                s.aeTitle,
		TrustedCallingAETitles: keys(s.trustedAEs),
		MaxPDUSize:             s.maxPDUSize,
		CEcho: func(callingAETitle string) dimse.Status {
			if !s.isTrusted(callingAETitle) {
				s.log.WithField("ae", callingAETitle).Warn("rejected echo from untrusted AE")
				return dimse.Status{Status: dimse.StatusNotAuthorized}
			}
			return dimse.Status{Status: dimse.StatusSuccess}
		},
		CStore: func(transferSyntaxUID, sopClassUID, sopInstanceUID, callingAETitle string, data []byte) dimse.Status {
			metrics.ObjectsReceived.WithLabelValues(modalityHint(sopClassUID)).Inc()
			if err := s.receiver(Received{
				TransferSyntaxUID: transferSyntaxUID,
				SOPClassUID:       sopClassUID,
				SOPInstanceUID:    sopInstanceUID,
				CallingAETitle:    callingAETitle,
				Data:              data,
			}); err != nil {
				s.log.WithError(err).WithField("sop_instance_uid", sopInstanceUID).Error("buffering failed")
				return dimse.Status{Status: dimse.StatusNotAuthorized}
			}
			return dimse.Status{Status: dimse.StatusSuccess}
		},
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// modalityHint is a best-effort label for the objects-received counter; the
// full DicomObject (and its authoritative Modality) isn't parsed until the
// receive buffer writes the file to disk.
func modalityHint(sopClassUID string) string {
	switch sopClassUID {
	case "1.2.840.10008.5.1.4.1.1.2", "1.2.840.10008.5.1.4.1.1.2.1":
		return "CT"
	case "1.2.840.10008.5.1.4.1.1.481.2":
		return "RTDOSE"
	case "1.2.840.10008.5.1.4.1.1.481.3":
		return "RTSTRUCT"
	case model.StandardRTPlanSOPClassUID, model.VendorPrivateRTPlanSOPClassUID:
		return "RTPLAN"
	default:
		return "OTHER"
	}
}

// Run blocks forever, accepting associations; it never returns. After a
// listener error it restarts the listener after RestartBackoff, matching the
// Store SCP's auto-recovery design.
func (s *SCP) Run() error {
	for {
		sp := netdicom.NewServiceProvider(s.providerParams())
		s.log.WithField("addr", s.listenAddr).Info("listening")
		err := sp.Run(s.listenAddr)
		s.log.WithError(err).Error("listener failed, restarting after backoff")
		time.Sleep(RestartBackoff)
	}
}
