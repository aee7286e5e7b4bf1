package sendengine

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"

	"github.com/Kiragroh/DICOM-RT-Station/internal/codec"
	"github.com/Kiragroh/DICOM-RT-Station/internal/model"
)

func planObject(t *testing.T) *model.DicomObject {
	t.Helper()
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dicom.EncodeDataElement(e, dicom.MustNewElement(dicom.TagPatientID, "PID1"))
	obj, err := codec.FromWireBytes(dicomuid.ImplicitVRLittleEndian, model.VendorPrivateRTPlanSOPClassUID, "1.1", "TR_SEND", e.Bytes())
	if err != nil {
		t.Fatalf("FromWireBytes failed: %v", err)
	}
	return obj
}

func TestToDataSetRewritesSOPClassForStandardOnlyPeer(t *testing.T) {
	obj := planObject(t)
	ds, err := toDataSet(obj, Peer{SupportsStandardRTOnly: true})
	if err != nil {
		t.Fatalf("toDataSet failed: %v", err)
	}
	elem, err := ds.FindElementByTag(dicom.TagMediaStorageSOPClassUID)
	if err != nil {
		t.Fatalf("FindElementByTag failed: %v", err)
	}
	got, err := elem.GetString()
	if err != nil {
		t.Fatal(err)
	}
	if got != model.StandardRTPlanSOPClassUID {
		t.Errorf("MediaStorageSOPClassUID = %q, want the rewritten standard RT Plan SOP class", got)
	}
}

func TestToDataSetLeavesSOPClassForCompliantPeer(t *testing.T) {
	obj := planObject(t)
	ds, err := toDataSet(obj, Peer{SupportsStandardRTOnly: false})
	if err != nil {
		t.Fatalf("toDataSet failed: %v", err)
	}
	elem, err := ds.FindElementByTag(dicom.TagMediaStorageSOPClassUID)
	if err != nil {
		t.Fatalf("FindElementByTag failed: %v", err)
	}
	got, _ := elem.GetString()
	if got != model.VendorPrivateRTPlanSOPClassUID {
		t.Errorf("MediaStorageSOPClassUID = %q, want the original vendor-private SOP class left untouched", got)
	}
}

func TestEnumerateDCMFindsOnlyDCMFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.dcm"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o644)
	sub := filepath.Join(dir, "sub")
	os.MkdirAll(sub, 0o755)
	os.WriteFile(filepath.Join(sub, "c.dcm"), []byte("x"), 0o644)

	got, err := enumerateDCM(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("enumerateDCM found %d files, want 2: %v", len(got), got)
	}
}
