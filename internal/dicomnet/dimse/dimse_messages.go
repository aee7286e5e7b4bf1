package dimse

// Storage and verification DIMSE command messages. C-FIND/C-MOVE/C-GET
// variants are deliberately absent: this station never queries or retrieves.

import (
	"fmt"

	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
)

type C_STORE_RQ struct {
	AffectedSOPClassUID                  string
	MessageID                            uint16
	Priority                             uint16
	CommandDataSetType                   uint16
	AffectedSOPInstanceUID               string
	MoveOriginatorApplicationEntityTitle string
	MoveOriginatorMessageID              uint16
	Extra                                []*dicom.DicomElement
}

func (v *C_STORE_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(0x0001))
	encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicom.TagMessageID, v.MessageID)
	encodeField(e, dicom.TagPriority, v.Priority)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	encodeField(e, dicom.TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	if v.MoveOriginatorApplicationEntityTitle != "" {
		encodeField(e, dicom.TagMoveOriginatorApplicationEntityTitle, v.MoveOriginatorApplicationEntityTitle)
	}
	if v.MoveOriginatorMessageID != 0 {
		encodeField(e, dicom.TagMoveOriginatorMessageID, v.MoveOriginatorMessageID)
	}
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *C_STORE_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_STORE_RQ) String() string {
	return fmt.Sprintf("C_STORE_RQ{SOPClass:%v MessageID:%v Priority:%v SOPInstance:%v}",
		v.AffectedSOPClassUID, v.MessageID, v.Priority, v.AffectedSOPInstanceUID)
}


func (v *C_STORE_RQ) GetMessageID() uint16 { return v.MessageID }
func (v *C_STORE_RQ) CommandField() int { return 0x0001 }

func decodeC_STORE_RQ(d *dimseDecoder) *C_STORE_RQ {
	v := &C_STORE_RQ{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, RequiredElement)
	v.MessageID = d.getUInt16(dicom.TagMessageID, RequiredElement)
	v.Priority = d.getUInt16(dicom.TagPriority, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.AffectedSOPInstanceUID = d.getString(dicom.TagAffectedSOPInstanceUID, RequiredElement)
	v.MoveOriginatorApplicationEntityTitle = d.getString(dicom.TagMoveOriginatorApplicationEntityTitle, OptionalElement)
	v.MoveOriginatorMessageID = d.getUInt16(dicom.TagMoveOriginatorMessageID, OptionalElement)
	v.Extra = d.unparsedElements()
	return v
}

type C_STORE_RSP struct {
	AffectedSOPClassUID       string
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	AffectedSOPInstanceUID    string
	Status                    Status
	Extra                     []*dicom.DicomElement
}

func (v *C_STORE_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(0x8001))
	encodeField(e, dicom.TagAffectedSOPClassUID, v.AffectedSOPClassUID)
	encodeField(e, dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	encodeField(e, dicom.TagAffectedSOPInstanceUID, v.AffectedSOPInstanceUID)
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *C_STORE_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_STORE_RSP) String() string {
	return fmt.Sprintf("C_STORE_RSP{SOPClass:%v MessageIDBeingRespondedTo:%v SOPInstance:%v Status:%v}",
		v.AffectedSOPClassUID, v.MessageIDBeingRespondedTo, v.AffectedSOPInstanceUID, v.Status)
}


func (v *C_STORE_RSP) GetMessageID() uint16 { return v.MessageIDBeingRespondedTo }
func (v *C_STORE_RSP) CommandField() int { return 0x8001 }

func decodeC_STORE_RSP(d *dimseDecoder) *C_STORE_RSP {
	v := &C_STORE_RSP{}
	v.AffectedSOPClassUID = d.getString(dicom.TagAffectedSOPClassUID, RequiredElement)
	v.MessageIDBeingRespondedTo = d.getUInt16(dicom.TagMessageIDBeingRespondedTo, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.AffectedSOPInstanceUID = d.getString(dicom.TagAffectedSOPInstanceUID, RequiredElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

type C_ECHO_RQ struct {
	MessageID          uint16
	CommandDataSetType uint16
	Extra              []*dicom.DicomElement
}

func (v *C_ECHO_RQ) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(0x0030))
	encodeField(e, dicom.TagMessageID, v.MessageID)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *C_ECHO_RQ) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_ECHO_RQ) String() string {
	return fmt.Sprintf("C_ECHO_RQ{MessageID:%v}", v.MessageID)
}


func (v *C_ECHO_RQ) GetMessageID() uint16 { return v.MessageID }
func (v *C_ECHO_RQ) CommandField() int { return 0x0030 }

func decodeC_ECHO_RQ(d *dimseDecoder) *C_ECHO_RQ {
	v := &C_ECHO_RQ{}
	v.MessageID = d.getUInt16(dicom.TagMessageID, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.Extra = d.unparsedElements()
	return v
}

type C_ECHO_RSP struct {
	MessageIDBeingRespondedTo uint16
	CommandDataSetType        uint16
	Status                    Status
	Extra                     []*dicom.DicomElement
}

func (v *C_ECHO_RSP) Encode(e *dicomio.Encoder) {
	encodeField(e, dicom.TagCommandField, uint16(0x8030))
	encodeField(e, dicom.TagMessageIDBeingRespondedTo, v.MessageIDBeingRespondedTo)
	encodeField(e, dicom.TagCommandDataSetType, v.CommandDataSetType)
	encodeStatus(e, v.Status)
	for _, elem := range v.Extra {
		dicom.EncodeDataElement(e, elem)
	}
}

func (v *C_ECHO_RSP) HasData() bool {
	return v.CommandDataSetType != CommandDataSetTypeNull
}

func (v *C_ECHO_RSP) String() string {
	return fmt.Sprintf("C_ECHO_RSP{MessageIDBeingRespondedTo:%v Status:%v}",
		v.MessageIDBeingRespondedTo, v.Status)
}


func (v *C_ECHO_RSP) GetMessageID() uint16 { return v.MessageIDBeingRespondedTo }
func (v *C_ECHO_RSP) CommandField() int { return 0x8030 }

func decodeC_ECHO_RSP(d *dimseDecoder) *C_ECHO_RSP {
	v := &C_ECHO_RSP{}
	v.MessageIDBeingRespondedTo = d.getUInt16(dicom.TagMessageIDBeingRespondedTo, RequiredElement)
	v.CommandDataSetType = d.getUInt16(dicom.TagCommandDataSetType, RequiredElement)
	v.Status = d.getStatus()
	v.Extra = d.unparsedElements()
	return v
}

func decodeMessageForType(d *dimseDecoder, commandField uint16) Message {
	switch commandField {
	case 0x0001:
		return decodeC_STORE_RQ(d)
	case 0x8001:
		return decodeC_STORE_RSP(d)
	case 0x0030:
		return decodeC_ECHO_RQ(d)
	case 0x8030:
		return decodeC_ECHO_RSP(d)
	default:
		d.setError(fmt.Errorf("unknown DIMSE command 0x%x", commandField))
		return nil
	}
}
