package recvbuffer

import (
	"encoding/binary"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/yasushi-saito/go-dicom"
	"github.com/yasushi-saito/go-dicom/dicomio"
	"github.com/yasushi-saito/go-dicom/dicomuid"

	"github.com/sirupsen/logrus"

	"github.com/Kiragroh/DICOM-RT-Station/internal/codec"
	"github.com/Kiragroh/DICOM-RT-Station/internal/model"
)

func testObject(t *testing.T, patientID, studyUID, sopInstanceUID string) *model.DicomObject {
	t.Helper()
	e := dicomio.NewBytesEncoder(binary.LittleEndian, dicomio.ImplicitVR)
	dicom.EncodeDataElement(e, dicom.MustNewElement(dicom.TagModality, "CT"))
	dicom.EncodeDataElement(e, dicom.MustNewElement(dicom.TagPatientID, patientID))
	dicom.EncodeDataElement(e, dicom.MustNewElement(dicom.TagStudyInstanceUID, studyUID))
	obj, err := codec.FromWireBytes(dicomuid.ImplicitVRLittleEndian, "1.2.840.10008.5.1.4.1.1.2", sopInstanceUID, "TR_SEND", e.Bytes())
	if err != nil {
		t.Fatalf("FromWireBytes failed: %v", err)
	}
	return obj
}

func TestAddFlushesAfterQuiesce(t *testing.T) {
	var mu sync.Mutex
	var flushed []string
	done := make(chan struct{})

	buf := New(30*time.Millisecond, t.TempDir(), func(key Key, paths []string) {
		mu.Lock()
		flushed = append(flushed, paths...)
		mu.Unlock()
		close(done)
	}, logrus.New())

	if err := buf.Add(testObject(t, "PID1", "STUDY1", "1.1")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bucket never flushed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("flushed %d paths, want 1", len(flushed))
	}
	if _, err := os.Stat(flushed[0]); err != nil {
		t.Errorf("flushed path %s does not exist: %v", flushed[0], err)
	}
}

func TestAddDebouncesActivity(t *testing.T) {
	flushCount := 0
	var mu sync.Mutex
	done := make(chan struct{})

	buf := New(80*time.Millisecond, t.TempDir(), func(key Key, paths []string) {
		mu.Lock()
		flushCount++
		mu.Unlock()
		close(done)
	}, logrus.New())

	if err := buf.Add(testObject(t, "PID2", "STUDY2", "2.1")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)
	if err := buf.Add(testObject(t, "PID2", "STUDY2", "2.2")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bucket never flushed")
	}
	mu.Lock()
	defer mu.Unlock()
	if flushCount != 1 {
		t.Errorf("flushCount = %d, want exactly 1 flush for the whole (debounced) bucket", flushCount)
	}
}

func TestDifferentStudiesGetSeparateBuckets(t *testing.T) {
	buf := New(time.Hour, t.TempDir(), func(key Key, paths []string) {}, logrus.New())
	if err := buf.Add(testObject(t, "PID3", "STUDY-A", "3.1")); err != nil {
		t.Fatal(err)
	}
	if err := buf.Add(testObject(t, "PID3", "STUDY-B", "3.2")); err != nil {
		t.Fatal(err)
	}
	if got := buf.Backlog(); got != 2 {
		t.Errorf("Backlog() = %d, want 2 distinct buckets", got)
	}
}

func TestDrainFlushesEverythingSynchronously(t *testing.T) {
	var flushed []Key
	buf := New(time.Hour, t.TempDir(), func(key Key, paths []string) {
		flushed = append(flushed, key)
	}, logrus.New())
	if err := buf.Add(testObject(t, "PID4", "STUDY4", "4.1")); err != nil {
		t.Fatal(err)
	}
	buf.Drain()
	if len(flushed) != 1 {
		t.Fatalf("Drain flushed %d buckets, want 1", len(flushed))
	}
	if buf.Backlog() != 0 {
		t.Errorf("Backlog() after Drain = %d, want 0", buf.Backlog())
	}
}
