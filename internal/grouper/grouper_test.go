package grouper

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"

	"github.com/sirupsen/logrus"

	"github.com/Kiragroh/DICOM-RT-Station/internal/codec"
	"github.com/Kiragroh/DICOM-RT-Station/internal/model"
)

// writeTestFile synthesizes a minimal, re-parseable DICOM file the same way
// a C-STORE payload is wrapped into one: a file-meta header followed by a
// flat element stream.
func writeTestFile(t *testing.T, dir, name, sopClassUID, sopInstanceUID string, body ...*dicom.Element) string {
	t.Helper()
	e := dicomio.NewBytesEncoder(nil, dicomio.UnknownVR)
	dicom.WriteFileHeader(e, []*dicom.Element{
		dicom.MustNewElement(dicom.TagTransferSyntaxUID, dicomuid.ImplicitVRLittleEndian),
		dicom.MustNewElement(dicom.TagMediaStorageSOPClassUID, sopClassUID),
		dicom.MustNewElement(dicom.TagMediaStorageSOPInstanceUID, sopInstanceUID),
	})
	for _, el := range body {
		dicom.EncodeDataElement(e, el)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, e.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGroupJoinsDoseAndStructToPlan(t *testing.T) {
	dir := t.TempDir()
	planPath := writeTestFile(t, dir, "plan.dcm", model.StandardRTPlanSOPClassUID, "1.2.1",
		dicom.MustNewElement(dicom.TagModality, "RTPLAN"),
		dicom.MustNewElement(dicom.TagPatientID, "PID1"),
		dicom.MustNewElement(dicom.TagPatientName, "Doe^John"),
		dicom.MustNewElement(dicom.TagStudyInstanceUID, "1.2.3.999"),
		dicom.MustNewElement(dicom.TagFrameOfReferenceUID, "1.2.3.FOR"),
		dicom.MustNewElement(dicom.TagRTPlanLabel, "Head_ADP"),
	)
	dosePath := writeTestFile(t, dir, "dose.dcm", "1.2.840.10008.5.1.4.1.1.481.2", "1.2.2",
		dicom.MustNewElement(dicom.TagModality, "RTDOSE"),
		dicom.MustNewElement(dicom.TagPatientID, "PID1"),
		dicom.MustNewElement(dicom.TagReferencedSOPInstanceUID, "1.2.1"),
	)
	structPath := writeTestFile(t, dir, "struct.dcm", "1.2.840.10008.5.1.4.1.1.481.3", "1.2.3",
		dicom.MustNewElement(dicom.TagModality, "RTSTRUCT"),
		dicom.MustNewElement(dicom.TagPatientID, "PID1"),
		dicom.MustNewElement(dicom.TagFrameOfReferenceUID, "1.2.3.FOR"),
	)

	receiveRoot := t.TempDir()
	var failures []string
	g := New(receiveRoot, func(path string, cause error) { failures = append(failures, path) }, logrus.New())

	placed := g.Group([]string{planPath, dosePath, structPath})
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(placed) != 1 {
		t.Fatalf("Group returned %d plans, want 1", len(placed))
	}
	entries, err := os.ReadDir(placed[0].Folder)
	if err != nil {
		t.Fatalf("ReadDir(%s): %v", placed[0].Folder, err)
	}
	if len(entries) != 3 {
		t.Errorf("plan folder has %d files, want 3 (plan, dose, struct): %v", len(entries), entries)
	}
	for _, entry := range entries {
		placedPath := filepath.Join(placed[0].Folder, entry.Name())
		obj, err := codec.Read(placedPath, true)
		if err != nil {
			t.Errorf("placed file %s is not re-parseable: %v", placedPath, err)
			continue
		}
		if obj.PatientID != "PID1" {
			t.Errorf("placed file %s: PatientID = %q, want PID1", placedPath, obj.PatientID)
		}
	}
}

// TestGroupCopiesStructToMultiplePlans exercises spec section 4.5.4's
// CT/RTSTRUCT sharing rule: a structure set referenced by two plans with the
// same FrameOfReferenceUID is copied into both plan folders, not moved into
// only the first.
func TestGroupCopiesStructToMultiplePlans(t *testing.T) {
	dir := t.TempDir()
	plan1Path := writeTestFile(t, dir, "plan1.dcm", model.StandardRTPlanSOPClassUID, "4.1",
		dicom.MustNewElement(dicom.TagModality, "RTPLAN"),
		dicom.MustNewElement(dicom.TagPatientID, "PID4"),
		dicom.MustNewElement(dicom.TagStudyInstanceUID, "4.999"),
		dicom.MustNewElement(dicom.TagFrameOfReferenceUID, "4.FOR"),
		dicom.MustNewElement(dicom.TagRTPlanLabel, "Plan_A"),
	)
	plan2Path := writeTestFile(t, dir, "plan2.dcm", model.StandardRTPlanSOPClassUID, "4.2",
		dicom.MustNewElement(dicom.TagModality, "RTPLAN"),
		dicom.MustNewElement(dicom.TagPatientID, "PID4"),
		dicom.MustNewElement(dicom.TagStudyInstanceUID, "4.999"),
		dicom.MustNewElement(dicom.TagFrameOfReferenceUID, "4.FOR"),
		dicom.MustNewElement(dicom.TagRTPlanLabel, "Plan_B"),
	)
	structPath := writeTestFile(t, dir, "struct.dcm", "1.2.840.10008.5.1.4.1.1.481.3", "4.3",
		dicom.MustNewElement(dicom.TagModality, "RTSTRUCT"),
		dicom.MustNewElement(dicom.TagPatientID, "PID4"),
		dicom.MustNewElement(dicom.TagFrameOfReferenceUID, "4.FOR"),
	)

	receiveRoot := t.TempDir()
	var failures []string
	g := New(receiveRoot, func(path string, cause error) { failures = append(failures, path) }, logrus.New())

	placed := g.Group([]string{plan1Path, plan2Path, structPath})
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if len(placed) != 2 {
		t.Fatalf("Group returned %d plans, want 2", len(placed))
	}
	for _, p := range placed {
		entries, err := os.ReadDir(p.Folder)
		if err != nil {
			t.Fatalf("ReadDir(%s): %v", p.Folder, err)
		}
		if len(entries) != 2 {
			t.Errorf("plan folder %s has %d files, want 2 (plan, struct): %v", p.Folder, len(entries), entries)
		}
	}
}

func TestGroupRejectsCrossPatientDose(t *testing.T) {
	dir := t.TempDir()
	planPath := writeTestFile(t, dir, "plan.dcm", model.StandardRTPlanSOPClassUID, "2.1",
		dicom.MustNewElement(dicom.TagModality, "RTPLAN"),
		dicom.MustNewElement(dicom.TagPatientID, "PID-A"),
		dicom.MustNewElement(dicom.TagStudyInstanceUID, "2.999"),
	)
	dosePath := writeTestFile(t, dir, "dose.dcm", "1.2.840.10008.5.1.4.1.1.481.2", "2.2",
		dicom.MustNewElement(dicom.TagModality, "RTDOSE"),
		dicom.MustNewElement(dicom.TagPatientID, "PID-B"),
		dicom.MustNewElement(dicom.TagReferencedSOPInstanceUID, "2.1"),
	)

	receiveRoot := t.TempDir()
	g := New(receiveRoot, func(path string, cause error) {}, logrus.New())
	placed := g.Group([]string{planPath, dosePath})
	if len(placed) != 1 {
		t.Fatalf("Group returned %d plans, want 1", len(placed))
	}
	entries, _ := os.ReadDir(placed[0].Folder)
	if len(entries) != 1 {
		t.Errorf("plan folder has %d files, want 1 (dose must not join a different patient)", len(entries))
	}
}

func TestGroupPlacesOrphan(t *testing.T) {
	dir := t.TempDir()
	ctPath := writeTestFile(t, dir, "ct.dcm", "1.2.840.10008.5.1.4.1.1.2", "3.1",
		dicom.MustNewElement(dicom.TagModality, "CT"),
		dicom.MustNewElement(dicom.TagPatientID, "PID3"),
		dicom.MustNewElement(dicom.TagStudyInstanceUID, "3.999"),
	)
	receiveRoot := t.TempDir()
	g := New(receiveRoot, func(path string, cause error) { t.Errorf("unexpected failure for %s: %v", path, cause) }, logrus.New())
	placed := g.Group([]string{ctPath})
	if len(placed) != 0 {
		t.Fatalf("Group returned %d plans, want 0 (no RTPLAN present)", len(placed))
	}
	found := false
	filepath.Walk(receiveRoot, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".dcm" {
			found = true
		}
		return nil
	})
	if !found {
		t.Error("expected the orphaned CT to be placed somewhere under receiveRoot")
	}
}

func TestStudyIDSuffix(t *testing.T) {
	if got := studyIDSuffix("1.2.840.999"); got != "999" {
		t.Errorf("studyIDSuffix = %q, want 999", got)
	}
	if got := studyIDSuffix(""); got != "" {
		t.Errorf("studyIDSuffix(\"\") = %q, want empty", got)
	}
}
