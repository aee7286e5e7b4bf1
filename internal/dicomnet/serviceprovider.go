// This file defines ServiceProvider, the association acceptor (Store SCP)
// side of the protocol. It accepts C-STORE and C-ECHO requests only; this
// station is never a query/retrieve provider.

package netdicom

import (
	"fmt"
	"net"
	"sync"

	"github.com/Kiragroh/DICOM-RT-Station/internal/dicomnet/dimse"
	"v.io/x/lib/vlog"
)

// Per-TCP-connection state for dispatching commands.
type providerCommandDispatcher struct {
	downcallCh     chan stateEvent // for sending PDUs to the statemachine.
	params         ServiceProviderParams
	callingAETitle string // set once, at handshake completion

	mu             sync.Mutex
	activeCommands map[uint16]*providerCommandState // guarded by mu
}

func (dc *providerCommandDispatcher) findOrCreateCommand(
	messageID uint16,
	cm *contextManager,
	context contextManagerEntry) (*providerCommandState, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if cs, ok := dc.activeCommands[messageID]; ok {
		return cs, true
	}
	cs := &providerCommandState{
		parent:         dc,
		messageID:      messageID,
		cm:             cm,
		context:        context,
		callingAETitle: dc.callingAETitle,
		upcallCh:       make(chan upcallEvent, 128),
	}
	dc.activeCommands[messageID] = cs
	vlog.VI(1).Infof("Start provider command %v", messageID)
	return cs, false
}

func (dc *providerCommandDispatcher) deleteCommand(cs *providerCommandState) {
	dc.mu.Lock()
	vlog.VI(1).Infof("Finish provider command %v", cs.messageID)
	if _, ok := dc.activeCommands[cs.messageID]; !ok {
		panic(fmt.Sprintf("cs %+v", cs))
	}
	delete(dc.activeCommands, cs.messageID)
	dc.mu.Unlock()
}

// Per-command-invocation state.
type providerCommandState struct {
	parent         *providerCommandDispatcher // parent dispatcher
	messageID      uint16                     // PROVIDER MessageID
	context        contextManagerEntry        // the transfersyntax/sopclass for this command.
	cm             *contextManager            // For looking up context -> transfersyntax/sopclass mappings
	callingAETitle string                     // the AE that initiated this association

	// upcallCh streams PROVIDER command+data for the given messageID.
	upcallCh chan upcallEvent
}

func (cs *providerCommandState) handleCStore(c *dimse.C_STORE_RQ, data []byte) {
	status := dimse.Status{Status: dimse.StatusUnrecognizedOperation}
	if cs.parent.params.CStore != nil {
		status = cs.parent.params.CStore(
			cs.context.transferSyntaxUID,
			c.AffectedSOPClassUID,
			c.AffectedSOPInstanceUID,
			cs.callingAETitle,
			data)
	}
	resp := &dimse.C_STORE_RSP{
		AffectedSOPClassUID:       c.AffectedSOPClassUID,
		MessageIDBeingRespondedTo: c.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		AffectedSOPInstanceUID:    c.AffectedSOPInstanceUID,
		Status:                    status,
	}
	cs.sendMessage(resp, nil)
}

func (cs *providerCommandState) handleCEcho(c *dimse.C_ECHO_RQ) {
	status := dimse.Status{Status: dimse.StatusUnrecognizedOperation}
	if cs.parent.params.CEcho != nil {
		status = cs.parent.params.CEcho(cs.callingAETitle)
	}
	resp := &dimse.C_ECHO_RSP{
		MessageIDBeingRespondedTo: c.MessageID,
		CommandDataSetType:        dimse.CommandDataSetTypeNull,
		Status:                    status,
	}
	cs.sendMessage(resp, nil)
}

func (cs *providerCommandState) sendMessage(resp dimse.Message, data []byte) {
	vlog.VI(1).Infof("Sending PROVIDER message: %v %v", resp, cs.parent)
	payload := &stateEventDIMSEPayload{
		abstractSyntaxName: cs.context.abstractSyntaxUID,
		command:            resp,
		data:               data,
	}
	cs.parent.downcallCh <- stateEvent{
		event:        evt09,
		pdu:          nil,
		conn:         nil,
		dimsePayload: payload,
	}
}

type ServiceProviderParams struct {
	// The application-entity title of the server. Must be nonempty.
	AETitle string

	// TrustedCallingAETitles lists the calling AE titles the application
	// trusts. This package does not read it: associations from any caller
	// are accepted, and any enforcement is up to the CEcho/CStore callbacks.
	TrustedCallingAETitles []string

	// MaxPDUSize caps the PDU size this provider is willing to receive.
	// Defaults to DefaultMaxPDUSize if zero.
	MaxPDUSize int

	// Called on C-ECHO request. If nil, a C-ECHO call will produce an error response.
	CEcho CEchoCallback

	// If nil, a C-STORE call will produce an error response.
	CStore CStoreCallback
}

const DefaultMaxPDUSize = 4 << 20

// CStoreCallback is called on a C-STORE request. sopInstanceUID/sopClassUID
// identify the object, transferSyntaxUID the encoding used for "data" -- the
// raw, not-yet-parsed command data-set payload bytes (metadata group 2
// elements stripped, since they are carried out of band as
// sop{Class,Instance}UID). The callback decides the persisted bytes and
// returns a DIMSE status reflecting whether the store succeeded.
type CStoreCallback func(
	transferSyntaxUID string,
	sopClassUID string,
	sopInstanceUID string,
	callingAETitle string,
	data []byte) dimse.Status

// CEchoCallback implements the C-ECHO callback. callingAETitle is the
// association's initiating AE, for trust-based accept/reject decisions.
type CEchoCallback func(callingAETitle string) dimse.Status

// ServiceProvider encapsulates the state for a DICOM server (provider).
type ServiceProvider struct {
	params ServiceProviderParams
}

func (dh *providerCommandDispatcher) handleEvent(event upcallEvent) {
	context, err := event.cm.lookupByContextID(event.contextID)
	if err != nil {
		vlog.Infof("Invalid context ID %d: %v", event.contextID, err)
		dh.downcallCh <- stateEvent{event: evt19, pdu: nil, err: err}
		return
	}
	messageID := event.command.GetMessageID()
	dc, found := dh.findOrCreateCommand(messageID, event.cm, context)
	if found {
		vlog.VI(1).Infof("Forwarding command to existing command: %+v", event.command)
		dc.upcallCh <- event
		return
	}
	go func() {
		defer dh.deleteCommand(dc)
		switch c := event.command.(type) {
		case *dimse.C_STORE_RQ:
			dc.handleCStore(c, event.data)
		case *dimse.C_ECHO_RQ:
			dc.handleCEcho(c)
		default:
			vlog.Errorf("Unsupported PROVIDER message type: %v", c)
		}
	}()
}

// NewServiceProvider creates a new DICOM server object. Run() actually starts
// it.
func NewServiceProvider(params ServiceProviderParams) *ServiceProvider {
	if params.MaxPDUSize == 0 {
		params.MaxPDUSize = DefaultMaxPDUSize
	}
	sp := &ServiceProvider{params: params}
	return sp
}

// RunProviderForConn starts threads for running a DICOM server on "conn".
// This function returns immediately; "conn" will be cleaned up in the
// background.
func RunProviderForConn(conn net.Conn, params ServiceProviderParams) {
	upcallCh := make(chan upcallEvent, 128)
	dc := providerCommandDispatcher{
		downcallCh:     make(chan stateEvent, 128),
		params:         params,
		activeCommands: make(map[uint16]*providerCommandState),
	}

	go runStateMachineForServiceProvider(conn, params, upcallCh, dc.downcallCh)
	handshakeCompleted := false
	for event := range upcallCh {
		if event.eventType == upcallEventHandshakeCompleted {
			doassert(!handshakeCompleted)
			handshakeCompleted = true
			dc.callingAETitle = event.callingAETitle
			continue
		}
		doassert(event.eventType == upcallEventData)
		doassert(event.command != nil)
		doassert(handshakeCompleted == true)
		dc.handleEvent(event)
	}
	vlog.VI(2).Info("Finished provider")
}

// Run listens to incoming connections, accepts them, and runs the DICOM
// protocol. This function never returns unless it fails to listen.
// "listenAddr" is the TCP address to listen to, e.g. ":104".
func (sp *ServiceProvider) Run(listenAddr string) error {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			vlog.Errorf("Accept error: %v", err)
			continue
		}
		go func() { RunProviderForConn(conn, sp.params) }()
	}
}
