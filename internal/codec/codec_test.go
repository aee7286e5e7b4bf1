package codec

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"

	"github.com/Kiragroh/DICOM-RT-Station/internal/model"
)

// encodeElements mirrors the body encoding a C-STORE data-set PDU carries on
// the wire: a flat, Implicit VR Little Endian element stream with no
// file-meta header.
func encodeElements(elems ...*dicom.Element) []byte {
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	for _, el := range elems {
		dicom.EncodeDataElement(e, el)
	}
	return e.Bytes()
}

func TestFromWireBytesCT(t *testing.T) {
	data := encodeElements(
		dicom.MustNewElement(dicom.TagModality, "CT"),
		dicom.MustNewElement(dicom.TagPatientID, "PID1"),
		dicom.MustNewElement(dicom.TagPatientName, "Doe^John"),
		dicom.MustNewElement(dicom.TagStudyInstanceUID, "1.2.3.4"),
		dicom.MustNewElement(dicom.TagFrameOfReferenceUID, "1.2.3.99"),
	)
	obj, err := FromWireBytes(dicomuid.ImplicitVRLittleEndian, "1.2.840.10008.5.1.4.1.1.2", "1.2.3.5", "TR_SEND", data)
	if err != nil {
		t.Fatalf("FromWireBytes failed: %v", err)
	}
	if obj.Modality != model.ModalityCT {
		t.Errorf("Modality = %q, want CT", obj.Modality)
	}
	if obj.PatientID != "PID1" {
		t.Errorf("PatientID = %q, want PID1", obj.PatientID)
	}
	if obj.SOPInstanceUID != "1.2.3.5" {
		t.Errorf("SOPInstanceUID = %q, want 1.2.3.5", obj.SOPInstanceUID)
	}
	if obj.SourceApplicationEntityTitle != "TR_SEND" {
		t.Errorf("SourceApplicationEntityTitle = %q, want TR_SEND", obj.SourceApplicationEntityTitle)
	}
	if len(obj.RawBytes) == 0 {
		t.Error("RawBytes should be populated")
	}
}

func TestFromWireBytesVendorPrivateRTPlan(t *testing.T) {
	data := encodeElements(dicom.MustNewElement(dicom.TagPatientID, "PID2"))
	obj, err := FromWireBytes(dicomuid.ImplicitVRLittleEndian, model.VendorPrivateRTPlanSOPClassUID, "1.2.3.6", "TR_SEND", data)
	if err != nil {
		t.Fatalf("FromWireBytes failed: %v", err)
	}
	if obj.Modality != model.ModalityRTPlan {
		t.Errorf("Modality = %q, want RTPLAN (resolved from vendor-private SOP class)", obj.Modality)
	}
}

func TestWriteVerbatimRoundTrip(t *testing.T) {
	data := encodeElements(
		dicom.MustNewElement(dicom.TagModality, "RTDOSE"),
		dicom.MustNewElement(dicom.TagPatientID, "PID3"),
	)
	obj, err := FromWireBytes(dicomuid.ImplicitVRLittleEndian, "1.2.840.10008.5.1.4.1.1.481.2", "1.2.3.7", "TR_SEND", data)
	if err != nil {
		t.Fatalf("FromWireBytes failed: %v", err)
	}
	if obj.Modality != model.ModalityRTDose {
		t.Fatalf("expected the Modality element to resolve to RTDOSE, got %q", obj.Modality)
	}
	path := filepath.Join(t.TempDir(), "dose.dcm")
	if err := Write(path, obj, VerbatimBytes); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(obj.RawBytes) {
		t.Error("verbatim write did not reproduce RawBytes exactly")
	}
}

func TestWriteReencodeRoundTrip(t *testing.T) {
	data := encodeElements(
		dicom.MustNewElement(dicom.TagModality, "CT"),
		dicom.MustNewElement(dicom.TagPatientID, "PID4"),
		dicom.MustNewElement(dicom.TagStudyInstanceUID, "1.2.3.8"),
	)
	obj, err := FromWireBytes(dicomuid.ImplicitVRLittleEndian, "1.2.840.10008.5.1.4.1.1.2", "", "TR_SEND", data)
	if err != nil {
		t.Fatalf("FromWireBytes failed: %v", err)
	}
	if err := EnsureUIDs(obj); err != nil {
		t.Fatalf("EnsureUIDs failed: %v", err)
	}
	if obj.SOPInstanceUID == "" {
		t.Fatal("EnsureUIDs should have minted a SOPInstanceUID")
	}
	mintedUID := obj.SOPInstanceUID

	path := filepath.Join(t.TempDir(), "ct.dcm")
	if err := Write(path, obj, Reencode); err != nil {
		t.Fatalf("Write(Reencode) failed: %v", err)
	}

	got, err := Read(path, true)
	if err != nil {
		t.Fatalf("Read of a Reencode-written file failed: %v", err)
	}
	if got.SOPInstanceUID != mintedUID {
		t.Errorf("SOPInstanceUID = %q, want minted %q", got.SOPInstanceUID, mintedUID)
	}
	if got.Modality != model.ModalityCT {
		t.Errorf("Modality = %q, want CT", got.Modality)
	}
	if got.PatientID != "PID4" {
		t.Errorf("PatientID = %q, want PID4", got.PatientID)
	}
	if got.StudyInstanceUID != "1.2.3.8" {
		t.Errorf("StudyInstanceUID = %q, want 1.2.3.8", got.StudyInstanceUID)
	}
}

func TestWriteRejectsReencodeForRTDose(t *testing.T) {
	obj := &model.DicomObject{Modality: model.ModalityRTDose, RawBytes: []byte{1, 2, 3}}
	if err := Write(filepath.Join(t.TempDir(), "x.dcm"), obj, Reencode); err == nil {
		t.Fatal("expected Write to reject Reencode mode for RTDOSE")
	}
}

func TestEnsureUIDsMintsMissingSOPInstanceUID(t *testing.T) {
	obj := &model.DicomObject{Modality: model.ModalityCT}
	if err := EnsureUIDs(obj); err != nil {
		t.Fatalf("EnsureUIDs failed: %v", err)
	}
	if obj.SOPInstanceUID == "" {
		t.Error("expected a minted SOPInstanceUID")
	}
	if obj.TransferSyntaxUID != dicomuid.ImplicitVRLittleEndian {
		t.Errorf("TransferSyntaxUID = %q, want default implicit VR LE", obj.TransferSyntaxUID)
	}
}

func TestEnsureUIDsRejectsRTDose(t *testing.T) {
	obj := &model.DicomObject{Modality: model.ModalityRTDose}
	if err := EnsureUIDs(obj); err == nil {
		t.Fatal("EnsureUIDs must refuse RTDOSE objects")
	}
}

func TestRewriteSOPClassForSend(t *testing.T) {
	cases := []struct {
		sopClassUID string
		standardOnly bool
		want        string
	}{
		{model.VendorPrivateRTPlanSOPClassUID, true, model.StandardRTPlanSOPClassUID},
		{model.VendorPrivateRTPlanSOPClassUID, false, model.VendorPrivateRTPlanSOPClassUID},
		{model.StandardRTPlanSOPClassUID, true, model.StandardRTPlanSOPClassUID},
	}
	for _, c := range cases {
		if got := RewriteSOPClassForSend(c.sopClassUID, c.standardOnly); got != c.want {
			t.Errorf("RewriteSOPClassForSend(%q, %v) = %q, want %q", c.sopClassUID, c.standardOnly, got, c.want)
		}
	}
}
