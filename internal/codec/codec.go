// Package codec reads and writes DICOM files on disk, preserving file-meta
// (transfer syntax, SOP UIDs) and round-tripping RTDOSE pixel data
// byte-exact. It is built directly on the same dicom/dicomio primitives the
// wire-protocol layer (internal/dicomnet) uses to encode DIMSE payloads, so
// on-disk files and wire payloads share one parsing path.
package codec

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"

	"github.com/Kiragroh/DICOM-RT-Station/internal/model"
)

// stationOrgRoot prefixes locally minted UIDs. It is not a registered OID;
// objects passing through this station keep their sender-assigned UID
// whenever one exists, so this root only ever appears on UIDs this process
// itself had to mint.
const stationOrgRoot = "2.25.1"

// mintUID generates a UID by appending a large random integer to
// stationOrgRoot, falling back to a timestamp if the CSPRNG is unavailable.
func mintUID() string {
	max := big.NewInt(1 << 62)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return fmt.Sprintf("%s.%d", stationOrgRoot, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s.%d", stationOrgRoot, n.Int64())
}

// WriteMode selects how Write persists an object's payload.
type WriteMode int

const (
	// Reencode re-serializes the element list through the negotiated (or
	// object's own) transfer syntax. Used for every modality except RTDOSE.
	Reencode WriteMode = iota
	// VerbatimBytes writes obj.RawBytes unmodified. Mandatory for RTDOSE.
	VerbatimBytes
)

// Read parses a DICOM file from disk into a DicomObject. RawBytes always
// holds the whole file, pixel data included; withPixels=false only sets
// HeaderOnly on the result.
func Read(path string, withPixels bool) (*model.DicomObject, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("codec: read %s: %w", path, err)
	}
	ds, err := dicom.ReadDataSetInBytes(raw, dicom.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrHeaderParse, path, err)
	}
	obj := fromDataSet(ds)
	obj.RawBytes = raw
	obj.HeaderOnly = !withPixels
	return obj, nil
}

// FromWireBytes builds a DicomObject from a just-received C-STORE payload.
// data is the command data-set body only (group-2 file-meta is carried out
// of band on the wire and negotiated at association time, not present in
// the bytes), so a minimal file header is synthesized from the DIMSE
// command fields before the result is parsed as a complete file.
func FromWireBytes(transferSyntaxUID, sopClassUID, sopInstanceUID, callingAETitle string, data []byte) (*model.DicomObject, error) {
	full, err := withSyntheticFileHeader(transferSyntaxUID, sopClassUID, sopInstanceUID, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrHeaderParse, err)
	}
	ds, err := dicom.ReadDataSetInBytes(full, dicom.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrHeaderParse, err)
	}
	obj := fromDataSet(ds)
	obj.SourceApplicationEntityTitle = callingAETitle
	obj.RawBytes = full
	return obj, nil
}

// withSyntheticFileHeader prepends a minimal group-2 file-meta header so
// the out-of-band wire fields survive into a standalone, re-parseable
// DICOM byte stream.
func withSyntheticFileHeader(transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) ([]byte, error) {
	e := dicomio.NewBytesEncoder(nil, dicomio.UnknownVR)
	dicom.WriteFileHeader(e, []*dicom.Element{
		dicom.MustNewElement(dicom.TagTransferSyntaxUID, transferSyntaxUID),
		dicom.MustNewElement(dicom.TagMediaStorageSOPClassUID, sopClassUID),
		dicom.MustNewElement(dicom.TagMediaStorageSOPInstanceUID, sopInstanceUID),
	})
	e.WriteBytes(data)
	return e.Bytes(), nil
}

func getString(ds *dicom.DataSet, tag dicom.Tag) string {
	elem, err := ds.FindElementByTag(tag)
	if err != nil {
		return ""
	}
	s, err := elem.GetString()
	if err != nil {
		return ""
	}
	return s
}

func fromDataSet(ds *dicom.DataSet) *model.DicomObject {
	obj := &model.DicomObject{
		SOPInstanceUID:      getString(ds, dicom.TagMediaStorageSOPInstanceUID),
		SOPClassUID:         getString(ds, dicom.TagMediaStorageSOPClassUID),
		TransferSyntaxUID:   getString(ds, dicom.TagTransferSyntaxUID),
		PatientID:           getString(ds, dicom.TagPatientID),
		PatientName:         getString(ds, dicom.TagPatientName),
		StudyInstanceUID:    getString(ds, dicom.TagStudyInstanceUID),
		StudyID:             getString(ds, dicom.TagStudyID),
		StudyDescription:    getString(ds, dicom.TagStudyDescription),
		SeriesInstanceUID:   getString(ds, dicom.TagSeriesInstanceUID),
		SeriesNumber:        getString(ds, dicom.TagSeriesNumber),
		SeriesDescription:   getString(ds, dicom.TagSeriesDescription),
		FrameOfReferenceUID: getString(ds, dicom.TagFrameOfReferenceUID),
		RTPlanLabel:         getString(ds, dicom.TagRTPlanLabel),
	}
	if obj.SOPInstanceUID == "" {
		obj.SOPInstanceUID = getString(ds, dicom.TagSOPInstanceUID)
	}
	if obj.SOPClassUID == "" {
		obj.SOPClassUID = getString(ds, dicom.TagSOPClassUID)
	}
	obj.Modality = modalityFromStrings(getString(ds, dicom.TagModality), obj.SOPClassUID)
	if obj.Modality == model.ModalityRTDose {
		obj.ReferencedRTPlanSOPInstanceUID = getString(ds, dicom.TagReferencedSOPInstanceUID)
	}
	return obj
}

func modalityFromStrings(modalityTag, sopClassUID string) model.Modality {
	switch modalityTag {
	case "CT":
		return model.ModalityCT
	case "MR":
		return model.ModalityMR
	case "PT":
		return model.ModalityPT
	case "RTPLAN", "RTIMAGE":
		return model.ModalityRTPlan
	case "RTDOSE":
		return model.ModalityRTDose
	case "RTSTRUCT":
		return model.ModalityRTStruc
	case "SR":
		return model.ModalitySR
	}
	switch sopClassUID {
	case model.VendorPrivateRTPlanSOPClassUID, model.StandardRTPlanSOPClassUID:
		return model.ModalityRTPlan
	}
	return model.ModalityOther
}

// EnsureUIDs guarantees SOPInstanceUID is non-empty, MediaStorageSOPInstanceUID
// equals SOPInstanceUID, and TransferSyntaxUID is set (defaulting to
// Implicit VR Little Endian). It is never called on RTDOSE objects; callers
// must route RTDOSE straight to VerbatimBytes instead.
func EnsureUIDs(obj *model.DicomObject) error {
	if obj.Modality == model.ModalityRTDose {
		return fmt.Errorf("codec: EnsureUIDs must not be called on RTDOSE objects")
	}
	if obj.SOPInstanceUID == "" {
		obj.SOPInstanceUID = mintUID()
	}
	if obj.TransferSyntaxUID == "" {
		obj.TransferSyntaxUID = dicomuid.ImplicitVRLittleEndian
	}
	return nil
}

// Write persists obj to path. VerbatimBytes writes obj.RawBytes unchanged;
// Reencode rebuilds a complete, re-parseable file: a synthetic group-2
// file-meta header carrying obj's current UIDs (so MediaStorageSOPInstanceUID
// always matches obj.SOPInstanceUID, including UIDs EnsureUIDs just minted),
// followed by the body elements re-serialized through obj.TransferSyntaxUID.
// This mirrors withSyntheticFileHeader's header-then-body composition on one
// dicomio.NewBytesEncoder.
func Write(path string, obj *model.DicomObject, mode WriteMode) error {
	if obj.Modality == model.ModalityRTDose && mode != VerbatimBytes {
		return fmt.Errorf("%w: RTDOSE must be written verbatim", model.ErrDoseIntegrity)
	}
	if mode == VerbatimBytes {
		if len(obj.RawBytes) == 0 {
			return fmt.Errorf("%w: no raw bytes to write verbatim for %s", model.ErrDoseIntegrity, obj.SOPInstanceUID)
		}
		if err := os.WriteFile(path, obj.RawBytes, 0o644); err != nil {
			return fmt.Errorf("%w: %s: %v", model.ErrPlacementIO, path, err)
		}
		return nil
	}
	if obj.SOPInstanceUID == "" {
		return fmt.Errorf("%w: %s: missing SOPInstanceUID, call EnsureUIDs first", model.ErrUIDMissing, path)
	}

	byteOrder, implicit, err := dicom.ParseTransferSyntaxUID(obj.TransferSyntaxUID)
	if err != nil {
		return fmt.Errorf("codec: %s: %w", path, err)
	}
	vr := dicomio.ExplicitVR
	if implicit {
		vr = dicomio.ImplicitVR
	}
	ds, err := dicom.ReadDataSetInBytes(obj.RawBytes, dicom.ReadOptions{})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrHeaderParse, path, err)
	}

	e := dicomio.NewBytesEncoder(byteOrder, vr)
	dicom.WriteFileHeader(e, []*dicom.Element{
		dicom.MustNewElement(dicom.TagTransferSyntaxUID, obj.TransferSyntaxUID),
		dicom.MustNewElement(dicom.TagMediaStorageSOPClassUID, obj.SOPClassUID),
		dicom.MustNewElement(dicom.TagMediaStorageSOPInstanceUID, obj.SOPInstanceUID),
	})
	for _, elem := range ds.Elements {
		if elem.Tag.Group == dicom.TagMetadataGroup {
			continue
		}
		dicom.EncodeDataElement(e, elem)
	}
	if err := os.WriteFile(path, e.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: %s: %v", model.ErrPlacementIO, path, err)
	}
	return nil
}

// RewriteSOPClassForSend applies the vendor-private RT Plan SOP-class
// substitution at send time only; it never mutates the file on disk.
func RewriteSOPClassForSend(sopClassUID string, peerSupportsStandardOnly bool) string {
	if sopClassUID == model.VendorPrivateRTPlanSOPClassUID && peerSupportsStandardOnly {
		return model.StandardRTPlanSOPClassUID
	}
	return sopClassUID
}
