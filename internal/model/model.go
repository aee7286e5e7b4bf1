// Package model defines the in-memory representation of a received DICOM
// object as it moves through the reception-grouping-forwarding pipeline.
package model

import "time"

// Modality classifies a DicomObject for grouping and send-ordering purposes.
type Modality string

const (
	ModalityCT      Modality = "CT"
	ModalityMR      Modality = "MR"
	ModalityPT      Modality = "PT"
	ModalityRTPlan  Modality = "RTPLAN"
	ModalityRTDose  Modality = "RTDOSE"
	ModalityRTStruc Modality = "RTSTRUCT"
	ModalitySR      Modality = "SR"
	ModalityOther   Modality = "OTHER"
)

// SendRank orders modalities within one send batch: CT, RTSTRUCT, RTPLAN,
// RTDOSE, everything else.
func (m Modality) SendRank() int {
	switch m {
	case ModalityCT:
		return 0
	case ModalityRTStruc:
		return 1
	case ModalityRTPlan:
		return 2
	case ModalityRTDose:
		return 3
	default:
		return 4
	}
}

// DicomObject is the pipeline's view of one received or on-disk DICOM
// instance. RawBytes carries the exact bytes read off the wire (or off
// disk), so RTDOSE objects can be round-tripped byte-for-byte.
type DicomObject struct {
	SOPInstanceUID      string
	SOPClassUID         string
	Modality            Modality
	TransferSyntaxUID   string
	PatientID           string
	PatientName         string
	StudyInstanceUID    string
	StudyID             string
	StudyDescription    string
	SeriesInstanceUID   string
	SeriesNumber        string
	SeriesDescription   string
	FrameOfReferenceUID string

	// ReferencedRTPlanSOPInstanceUID is populated from
	// ReferencedRTPlanSequence[0].ReferencedSOPInstanceUID on RTDOSE objects.
	ReferencedRTPlanSOPInstanceUID string

	RTPlanLabel string

	// SourceApplicationEntityTitle is the calling AE that sent this object,
	// or ImportFolderAE if it entered via an operator-initiated import.
	SourceApplicationEntityTitle string

	ReceivedAt time.Time

	// RawBytes is the exact byte image the object was parsed from,
	// including its file-meta header. It is the only representation
	// persisted for RTDOSE (verbatim-bytes rule).
	RawBytes []byte

	// HeaderOnly records that the object was read with withPixels=false;
	// codec.Read still keeps the whole file, pixel data included, in RawBytes.
	HeaderOnly bool
}

// ImportFolderAE is the distinguished source-AE literal used for objects
// that entered the system via an operator-initiated import rather than a
// network C-STORE.
const ImportFolderAE = "IMPORT_FOLDER"

// VendorPrivateRTPlanSOPClassUID is a non-standard RT Plan Storage SOP
// class seen from some treatment planning systems; the codec and send
// engine both treat it as an RT Plan equivalent.
const VendorPrivateRTPlanSOPClassUID = "1.2.246.352.70.1.70"

// StandardRTPlanSOPClassUID is the DICOM-standard RT Plan Storage SOP
// class that VendorPrivateRTPlanSOPClassUID may be rewritten to at
// send-time.
const StandardRTPlanSOPClassUID = "1.2.840.10008.5.1.4.1.1.481.5"
