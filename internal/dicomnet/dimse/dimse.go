package dimse

// Implements the DIMSE message types needed for storage and verification,
// defined in P3.7.
//
// http://dicom.nema.org/medical/dicom/current/output/pdf/part07.pdf
//
// Query/Retrieve messages (C-FIND, C-MOVE, C-GET) are intentionally not
// implemented; this station only ever stores or forwards objects.

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/Kiragroh/DICOM-RT-Station/internal/dicomnet/pdu"
	"v.io/x/lib/vlog"
)

// Message is the common interface for all C-XXX message types.
type Message interface {
	fmt.Stringer // Print human-readable description for debugging.
	Encode(*dicomio.Encoder)
	HasData() bool // Do we expect data P_DATA_TF packets after the command packets?
	// GetMessageID returns the message ID that correlates a response to its
	// request (the RQ's own MessageID, or the RSP's MessageIDBeingRespondedTo).
	GetMessageID() uint16
	// CommandField returns the raw DIMSE command field value, used to route
	// an incoming command to the right handler.
	CommandField() int
}

// StatusCode is a DIMSE response status, P3.7 Annex C.
type StatusCode uint16

const (
	StatusSuccess               StatusCode = 0x0000
	StatusPending               StatusCode = 0xff00
	StatusUnrecognizedOperation StatusCode = 0x0211

	CStoreOutOfResources              StatusCode = 0xa700
	CStoreDataSetDoesNotMatchSOPClass StatusCode = 0xa900
	CStoreCannotUnderstand            StatusCode = 0xc000

	// StatusNotAuthorized is returned for an untrusted calling AE title or
	// an internal buffering failure on C-STORE.
	StatusNotAuthorized StatusCode = 0xc001
)

// Status carries a DIMSE status code plus optional free-text detail, as
// returned in a C-STORE-RSP or C-ECHO-RSP.
type Status struct {
	Status       StatusCode
	ErrorComment string
}

func (s Status) String() string {
	if s.ErrorComment == "" {
		return fmt.Sprintf("dimse.Status{0x%04x}", uint16(s.Status))
	}
	return fmt.Sprintf("dimse.Status{0x%04x, %q}", uint16(s.Status), s.ErrorComment)
}

func encodeStatus(e *dicomio.Encoder, s Status) {
	encodeField(e, dicom.TagStatus, uint16(s.Status))
	if s.ErrorComment != "" {
		encodeField(e, dicom.TagErrorComment, s.ErrorComment)
	}
}

var messageIDSeq int32

// NewMessageID allocates a fresh DIMSE message ID. DICOM message IDs only
// need to be unique within one association; a process-global counter never
// collides within one.
func NewMessageID() uint16 {
	return uint16(atomic.AddInt32(&messageIDSeq, 1) & 0x7fff)
}

// dimseDecoder extracts typed values out of a parsed command element list.
type dimseDecoder struct {
	elems []*dicom.DicomElement
	seen  map[dicom.Tag]bool
	err   error
}

type isOptionalElement int

const (
	RequiredElement isOptionalElement = iota
	OptionalElement
)

func (d *dimseDecoder) setError(err error) {
	if d.err == nil {
		d.err = err
	}
}

// findElement returns the element with the given tag. If optional==OptionalElement,
// returns nil if not found. If optional==RequiredElement, sets d.err and returns nil.
func (d *dimseDecoder) findElement(tag dicom.Tag, optional isOptionalElement) *dicom.DicomElement {
	if d.seen == nil {
		d.seen = make(map[dicom.Tag]bool)
	}
	for _, elem := range d.elems {
		if elem.Tag == tag {
			d.seen[tag] = true
			vlog.VI(2).Infof("Return %v for %s", elem, tag.String())
			return elem
		}
	}
	if optional == RequiredElement {
		d.setError(fmt.Errorf("element %s not found during DIMSE decoding", dicom.TagString(tag)))
	}
	return nil
}

func (d *dimseDecoder) getString(tag dicom.Tag, optional isOptionalElement) string {
	e := d.findElement(tag, optional)
	if e == nil {
		return ""
	}
	v, err := e.GetString()
	if err != nil {
		d.setError(err)
	}
	return v
}

func (d *dimseDecoder) getUInt32(tag dicom.Tag, optional isOptionalElement) uint32 {
	e := d.findElement(tag, optional)
	if e == nil {
		return 0
	}
	v, err := e.GetUInt32()
	if err != nil {
		d.setError(err)
	}
	return v
}

func (d *dimseDecoder) getUInt16(tag dicom.Tag, optional isOptionalElement) uint16 {
	e := d.findElement(tag, optional)
	if e == nil {
		return 0
	}
	v, err := e.GetUInt16()
	if err != nil {
		d.setError(err)
	}
	return v
}

func (d *dimseDecoder) getStatus() Status {
	s := Status{}
	s.Status = StatusCode(d.getUInt16(dicom.TagStatus, RequiredElement))
	s.ErrorComment = d.getString(dicom.TagErrorComment, OptionalElement)
	return s
}

// unparsedElements returns command elements not consumed by the typed
// accessors above, so a message round-trips byte-faithfully.
func (d *dimseDecoder) unparsedElements() []*dicom.DicomElement {
	if d.seen == nil {
		return d.elems
	}
	var extra []*dicom.DicomElement
	for _, elem := range d.elems {
		if !d.seen[elem.Tag] {
			extra = append(extra, elem)
		}
	}
	return extra
}

// Encode a DIMSE field with the given tag, given value "v"
func encodeField(e *dicomio.Encoder, tag dicom.Tag, v interface{}) {
	elem := dicom.DicomElement{
		Tag:   tag,
		Vr:    "", // autodetect
		Vl:    1,
		Value: []interface{}{v},
	}
	dicom.EncodeDataElement(e, &elem)
}

const CommandDataSetTypeNull uint16 = 0x0101
const CommandDataSetTypeNonNull uint16 = 0x0001

func ReadMessage(d *dicomio.Decoder) Message {
	// A DIMSE message is a sequence of DicomElements, encoded in implicit LE.
	var elems []*dicom.DicomElement
	d.PushTransferSyntax(binary.LittleEndian, dicomio.ImplicitVR)
	defer d.PopTransferSyntax()
	for d.Len() > 0 {
		elem := dicom.ReadDataElement(d)
		if d.Error() != nil {
			break
		}
		elems = append(elems, elem)
	}

	dd := dimseDecoder{elems: elems, err: nil}
	commandField := dd.getUInt16(dicom.TagCommandField, RequiredElement)
	if dd.err != nil {
		d.SetError(dd.err)
		return nil
	}
	v := decodeMessageForType(&dd, commandField)
	if dd.err != nil {
		d.SetError(dd.err)
		return nil
	}
	return v
}

// EncodeMessageToBytes is a convenience wrapper for callers, such as the
// statemachine, that need the encoded command bytes directly rather than
// writing through a dicomio.Encoder. It intentionally re-runs the same
// Implicit-LE encoding EncodeMessage uses, not CommandGroupLength-wrapped,
// since the statemachine chunks the command stream itself.
func EncodeMessageToBytes(v Message) []byte {
	e := dicomio.NewEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	v.Encode(e)
	bytes, err := e.Finish()
	if err != nil {
		vlog.Errorf("dimse: failed to encode %v: %v", v, err)
		return nil
	}
	return bytes
}

func EncodeMessage(e *dicomio.Encoder, v Message) {
	// DIMSE messages are always encoded Implicit+LE. See P3.7 6.3.1.
	subEncoder := dicomio.NewEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	v.Encode(subEncoder)
	bytes, err := subEncoder.Finish()
	if err != nil {
		e.SetError(err)
		return
	}
	e.PushTransferSyntax(binary.LittleEndian, dicomio.ImplicitVR)
	defer e.PopTransferSyntax()
	encodeField(e, dicom.TagCommandGroupLength, uint32(len(bytes)))
	e.WriteBytes(bytes)
}

// CommandAssembler reassembles a DIMSE command message and its optional data
// payload out of a stream of P_DATA_TF PDU fragments belonging to one
// presentation context.
type CommandAssembler struct {
	contextID      byte
	commandBytes   []byte
	command        Message
	dataBytes      []byte
	readAllCommand bool

	readAllData bool
}

// AddDataPDU folds in one P_DATA_TF PDU fragment. If the final fragment is
// received, it returns the assembled command, payload, and nil error. If it
// expects more fragments, it returns <0, nil, nil, nil>.
func (a *CommandAssembler) AddDataPDU(p *pdu.P_DATA_TF) (byte, Message, []byte, error) {
	for _, item := range p.Items {
		if a.contextID == 0 {
			a.contextID = item.ContextID
		} else if a.contextID != item.ContextID {
			return 0, nil, nil, fmt.Errorf("mixed context: %d %d", a.contextID, item.ContextID)
		}
		if item.Command {
			a.commandBytes = append(a.commandBytes, item.Value...)
			if item.Last {
				if a.readAllCommand {
					return 0, nil, nil, fmt.Errorf("P_DATA_TF: found >1 command chunks with the Last bit set")
				}
				a.readAllCommand = true
			}
		} else {
			a.dataBytes = append(a.dataBytes, item.Value...)
			if item.Last {
				if a.readAllData {
					return 0, nil, nil, fmt.Errorf("P_DATA_TF: found >1 data chunks with the Last bit set")
				}
				a.readAllData = true
			}
		}
	}
	if !a.readAllCommand {
		return 0, nil, nil, nil
	}
	if a.command == nil {
		d := dicomio.NewBytesDecoder(a.commandBytes, nil, dicomio.UnknownVR)
		a.command = ReadMessage(d)
		if err := d.Finish(); err != nil {
			return 0, nil, nil, err
		}
	}
	if a.command.HasData() && !a.readAllData {
		return 0, nil, nil, nil
	}
	contextID := a.contextID
	command := a.command
	dataBytes := a.dataBytes
	*a = CommandAssembler{}
	return contextID, command, dataBytes, nil
}
