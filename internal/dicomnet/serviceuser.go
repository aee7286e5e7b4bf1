// This file implements the ServiceUser (i.e., a DICOM DIMSE client) class:
// the association-initiator side used by the send engine.
package netdicom

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"
	"github.com/Kiragroh/DICOM-RT-Station/internal/dicomnet/dimse"
	"github.com/Kiragroh/DICOM-RT-Station/internal/dicomnet/sopclass"
	"v.io/x/lib/vlog"
)

type serviceUserStatus int

const (
	serviceUserInitial = iota
	serviceUserAssociationActive
	serviceUserClosed
)

// ServiceUser implements the client (association initiator) side of the
// DICOM network protocol.
//
//  params, err := netdicom.NewServiceUserParams(
//     "REMOTE" /*remote app-entity title*/,
//     "DICOM-RT-STATION" /*this app-entity title*/,
//     sopclass.StorageClasses, nil)
//  user := netdicom.NewServiceUser("1.2.3.4:104", params)
//  err := user.CStore(ds)
//  user.Release()
//
// ServiceUser is thread-compatible, not thread-safe: callers must not issue
// two C-STORE/C-ECHO calls concurrently on the same instance. The send
// engine relies on this to guarantee one object in flight per association.
type ServiceUser struct {
	upcallCh chan upcallEvent

	mu   *sync.Mutex
	cond *sync.Cond // Broadcast when status changes.

	disp *serviceDispatcher

	// Following fields are guarded by mu.
	status serviceUserStatus
	cm     *contextManager // Set only after the handshake completes.
}

type ServiceUserParams struct {
	CalledAETitle  string // Must be nonempty
	CallingAETitle string // Must be nonempty

	// List of SOPUIDs wanted by the user.
	RequiredServices []sopclass.SOPUID

	// List of transfer syntaxes supported by the user. If empty, the
	// exhaustive list of syntaxes defined in the DICOM standard is used.
	SupportedTransferSyntaxes []string

	// MaxPDUSize caps the PDU size this user is willing to receive. Defaults
	// to DefaultMaxPDUSize if zero.
	MaxPDUSize int
}

// NewServiceUserParams creates a ServiceUserParams. requiredServices is the
// abstract syntaxes (SOP classes) the client wishes to use, usually one of
// the lists defined in the sopclass package.
func NewServiceUserParams(
	calledAETitle string,
	callingAETitle string,
	requiredServices []sopclass.SOPUID,
	transferSyntaxUIDs []string) (ServiceUserParams, error) {
	if calledAETitle == "" {
		return ServiceUserParams{}, errors.New("NewServiceUserParams: empty calledAETitle")
	}
	if callingAETitle == "" {
		return ServiceUserParams{}, errors.New("NewServiceUserParams: empty callingAETitle")
	}
	if len(transferSyntaxUIDs) == 0 {
		transferSyntaxUIDs = dicomio.StandardTransferSyntaxes
	} else {
		for i, uid := range transferSyntaxUIDs {
			canonicalUID, err := dicomio.CanonicalTransferSyntaxUID(uid)
			if err != nil {
				return ServiceUserParams{}, err
			}
			transferSyntaxUIDs[i] = canonicalUID
		}
	}
	return ServiceUserParams{
		CalledAETitle:             calledAETitle,
		CallingAETitle:            callingAETitle,
		RequiredServices:          requiredServices,
		SupportedTransferSyntaxes: transferSyntaxUIDs,
		MaxPDUSize:                DefaultMaxPDUSize,
	}, nil
}

// NewServiceUser creates a new ServiceUser and immediately starts dialing
// serverAddr ("host:port"). The caller must call waitUntilReady indirectly,
// via CEcho/CStore, before the association is usable.
func NewServiceUser(serverAddr string, params ServiceUserParams) *ServiceUser {
	mu := &sync.Mutex{}
	su := &ServiceUser{
		upcallCh: make(chan upcallEvent, 128),
		disp:     newServiceDispatcher(),
		mu:       mu,
		cond:     sync.NewCond(mu),
		status:   serviceUserInitial,
	}
	go runStateMachineForServiceUser(serverAddr, params, su.upcallCh, su.disp.downcallCh)
	go func() {
		for event := range su.upcallCh {
			if event.eventType == upcallEventHandshakeCompleted {
				su.mu.Lock()
				doassert(su.cm == nil)
				su.status = serviceUserAssociationActive
				su.cond.Broadcast()
				su.cm = event.cm
				doassert(su.cm != nil)
				su.mu.Unlock()
				continue
			}
			doassert(event.eventType == upcallEventData)
			su.disp.handleEvent(event)
		}
		vlog.Infof("Service user dispatcher finished")
		su.mu.Lock()
		su.cond.Broadcast()
		su.status = serviceUserClosed
		su.mu.Unlock()
	}()
	return su
}

func (su *ServiceUser) waitUntilReady() error {
	su.mu.Lock()
	defer su.mu.Unlock()
	for su.status <= serviceUserInitial {
		su.cond.Wait()
	}
	if su.status != serviceUserAssociationActive {
		vlog.Errorf("Connection failed")
		return fmt.Errorf("connection failed")
	}
	return nil
}

// CEcho sends a C-ECHO request to the remote AE. Returns nil iff the remote
// AE responds with success status.
func (su *ServiceUser) CEcho() error {
	err := su.waitUntilReady()
	if err != nil {
		return err
	}
	context, err := su.cm.lookupByAbstractSyntaxUID(dicomuid.VerificationSOPClass)
	if err != nil {
		return err
	}
	cs, found := su.disp.findOrCreateCommand(dimse.NewMessageID(), su.cm, context)
	doassert(!found)
	defer su.disp.deleteCommand(cs)
	cs.sendMessage(
		&dimse.C_ECHO_RQ{MessageID: cs.messageID,
			CommandDataSetType: dimse.CommandDataSetTypeNull,
		}, nil)
	event, ok := <-cs.upcallCh
	if !ok {
		return fmt.Errorf("failed to receive C-ECHO response")
	}
	resp, ok := event.command.(*dimse.C_ECHO_RSP)
	if !ok {
		return fmt.Errorf("invalid response for C-ECHO: %v", event.command)
	}
	if resp.Status.Status != dimse.StatusSuccess {
		err = fmt.Errorf("non-OK status in C-ECHO response: %+v", resp.Status)
	}
	return err
}

// CStore issues a C-STORE request transferring "ds" to the remote peer. It
// blocks until the operation finishes.
func (su *ServiceUser) CStore(ds *dicom.DataSet) error {
	err := su.waitUntilReady()
	if err != nil {
		return err
	}
	doassert(su.cm != nil)

	var sopClassUID string
	if sopClassUIDElem, err := ds.FindElementByTag(dicom.TagMediaStorageSOPClassUID); err != nil {
		return err
	} else if sopClassUID, err = sopClassUIDElem.GetString(); err != nil {
		return err
	}
	context, err := su.cm.lookupByAbstractSyntaxUID(sopClassUID)
	if err != nil {
		return err
	}
	cs, found := su.disp.findOrCreateCommand(dimse.NewMessageID(), su.cm, context)
	doassert(!found)
	defer su.disp.deleteCommand(cs)
	return runCStoreOnAssociation(cs.upcallCh, su.disp.downcallCh, su.cm, cs.messageID, ds)
}

// Release shuts down the connection. It must be called exactly once. After
// Release(), no other operation can be performed on the ServiceUser.
func (su *ServiceUser) Release() {
	su.waitUntilReady()
	su.disp.downcallCh <- stateEvent{event: evt11}

	su.mu.Lock()
	defer su.mu.Unlock()
	su.status = serviceUserClosed
	su.cond.Broadcast()
	su.disp.close()
}

// runCStoreOnAssociation sends one dataset over an already-established
// association and waits for its C-STORE-RSP.
func runCStoreOnAssociation(
	upcallCh chan upcallEvent,
	downcallCh chan stateEvent,
	cm *contextManager,
	messageID uint16,
	ds *dicom.DataSet) error {
	sopInstanceUIDElem, err := ds.FindElementByTag(dicom.TagMediaStorageSOPInstanceUID)
	if err != nil {
		return fmt.Errorf("runCStoreOnAssociation: dataset lacks SOPInstanceUID: %v", err)
	}
	sopInstanceUID, err := sopInstanceUIDElem.GetString()
	if err != nil {
		return err
	}
	sopClassUIDElem, err := ds.FindElementByTag(dicom.TagMediaStorageSOPClassUID)
	if err != nil {
		return fmt.Errorf("runCStoreOnAssociation: dataset lacks SOPClassUID: %v", err)
	}
	sopClassUID, err := sopClassUIDElem.GetString()
	if err != nil {
		return err
	}
	context, err := cm.lookupByAbstractSyntaxUID(sopClassUID)
	if err != nil {
		vlog.Errorf("runCStoreOnAssociation: sop class %v not found in negotiated contexts: %v", sopClassUID, err)
		return err
	}
	byteOrder, implicit, err := dicom.ParseTransferSyntaxUID(context.transferSyntaxUID)
	if err != nil {
		return err
	}
	vr := dicomio.ExplicitVR
	if implicit {
		vr = dicomio.ImplicitVR
	}
	dataEncoder := dicomio.NewEncoder(byteOrder, vr)
	for _, elem := range ds.Elements {
		if elem.Tag.Group == dicom.TagMetadataGroup {
			continue // group-2 metadata is carried out of band, not in the command data-set.
		}
		dicom.EncodeDataElement(dataEncoder, elem)
	}
	dataBytes, err := dataEncoder.Finish()
	if err != nil {
		return err
	}

	downcallCh <- stateEvent{
		event: evt09,
		dimsePayload: &stateEventDIMSEPayload{
			abstractSyntaxName: sopClassUID,
			command: &dimse.C_STORE_RQ{
				AffectedSOPClassUID:    sopClassUID,
				MessageID:              messageID,
				CommandDataSetType:     dimse.CommandDataSetTypeNonNull,
				AffectedSOPInstanceUID: sopInstanceUID,
			},
			data: dataBytes,
		},
	}
	event, ok := <-upcallCh
	if !ok {
		return fmt.Errorf("runCStoreOnAssociation: connection closed while waiting for C-STORE response")
	}
	doassert(event.eventType == upcallEventData)
	doassert(event.command != nil)
	resp, ok := event.command.(*dimse.C_STORE_RSP)
	if !ok {
		return fmt.Errorf("runCStoreOnAssociation: unexpected response %v", event.command)
	}
	if resp.Status.Status != dimse.StatusSuccess {
		return fmt.Errorf("runCStoreOnAssociation: C-STORE failed: %v", resp.Status)
	}
	return nil
}
