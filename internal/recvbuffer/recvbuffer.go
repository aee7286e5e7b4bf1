// Package recvbuffer stages just-received objects per (PatientID,
// StudyInstanceUID) and flushes each bucket to a handler once no further
// object has arrived for a debounce interval. It owns the staged files
// exclusively until flush.
package recvbuffer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kiragroh/DICOM-RT-Station/internal/codec"
	"github.com/Kiragroh/DICOM-RT-Station/internal/metrics"
	"github.com/Kiragroh/DICOM-RT-Station/internal/model"
)

// epsilon guards against a flush firing fractionally before the quiesce
// window has actually elapsed, per the debounce comparison in the design.
const epsilon = 100 * time.Millisecond

// Key identifies a receive bucket.
type Key struct {
	PatientID         string
	StudyInstanceUID  string
}

// FlushHandler receives the staged files for one bucket once it has gone
// quiet. paths are files under a private temp directory; the handler takes
// ownership of them (it is expected to move or delete them).
type FlushHandler func(key Key, paths []string)

type bucket struct {
	dir          string
	paths        []string
	lastActivity time.Time
	timer        *time.Timer
}

// Buffer is the per-(PatientID,StudyInstanceUID) staging area.
type Buffer struct {
	quiesce time.Duration
	tempDir string
	onFlush FlushHandler
	log     *logrus.Entry

	mu      sync.Mutex
	buckets map[Key]*bucket
}

// New creates a Buffer. tempDir is a process-private scratch directory;
// callers should pass something under os.TempDir() created for this run.
func New(quiesce time.Duration, tempDir string, onFlush FlushHandler, log *logrus.Logger) *Buffer {
	return &Buffer{
		quiesce: quiesce,
		tempDir: tempDir,
		onFlush: onFlush,
		log:     log.WithField("component", "recvbuffer"),
		buckets: make(map[Key]*bucket),
	}
}

// Backlog reports the number of buckets currently staged, for the
// receive-buffer backlog gauge.
func (b *Buffer) Backlog() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

// Add stages obj's bytes under the bucket for (obj.PatientID,
// obj.StudyInstanceUID), writing verbatim bytes for RTDOSE and a re-encoded,
// UID-complete file for everything else, then (re)arms the bucket's flush
// timer.
func (b *Buffer) Add(obj *model.DicomObject) error {
	key := Key{PatientID: obj.PatientID, StudyInstanceUID: obj.StudyInstanceUID}

	b.mu.Lock()
	bk, ok := b.buckets[key]
	if !ok {
		dir, err := os.MkdirTemp(b.tempDir, "bucket-*")
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("%w: mkdir staging dir: %v", model.ErrPlacementIO, err)
		}
		bk = &bucket{dir: dir}
		b.buckets[key] = bk
		metrics.ReceiveBufferBacklog.Set(float64(len(b.buckets)))
	}
	mode := codec.Reencode
	if obj.Modality == model.ModalityRTDose {
		mode = codec.VerbatimBytes
	} else if err := codec.EnsureUIDs(obj); err != nil {
		b.mu.Unlock()
		return err
	}
	path := filepath.Join(bk.dir, stagedName(obj))
	if err := codec.Write(path, obj, mode); err != nil {
		b.mu.Unlock()
		return err
	}
	bk.paths = append(bk.paths, path)
	bk.lastActivity = time.Now()
	b.armLocked(key, bk)
	b.mu.Unlock()
	return nil
}

func stagedName(obj *model.DicomObject) string {
	if obj.SOPInstanceUID != "" {
		return obj.SOPInstanceUID + ".dcm"
	}
	return fmt.Sprintf("unnamed-%d.dcm", time.Now().UnixNano())
}

// armLocked (re)schedules bk's flush timer. Must be called with b.mu held.
func (b *Buffer) armLocked(key Key, bk *bucket) {
	if bk.timer != nil {
		bk.timer.Stop()
	}
	bk.timer = time.AfterFunc(b.quiesce, func() { b.tryFlush(key) })
}

func (b *Buffer) tryFlush(key Key) {
	b.mu.Lock()
	bk, ok := b.buckets[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	if time.Since(bk.lastActivity) < b.quiesce-epsilon {
		// An arrival raced the timer; it already rearmed us.
		b.mu.Unlock()
		return
	}
	paths := bk.paths
	delete(b.buckets, key)
	metrics.ReceiveBufferBacklog.Set(float64(len(b.buckets)))
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{
		"patient_id": key.PatientID,
		"study":      key.StudyInstanceUID,
		"count":      len(paths),
	}).Info("flushing receive bucket")
	b.onFlush(key, paths)
}

// Drain synchronously flushes every outstanding bucket, cancelling their
// timers first. Used on shutdown.
func (b *Buffer) Drain() {
	b.mu.Lock()
	keys := make([]Key, 0, len(b.buckets))
	flushes := make(map[Key][]string, len(b.buckets))
	for k, bk := range b.buckets {
		if bk.timer != nil {
			bk.timer.Stop()
		}
		keys = append(keys, k)
		flushes[k] = bk.paths
	}
	b.buckets = make(map[Key]*bucket)
	metrics.ReceiveBufferBacklog.Set(0)
	b.mu.Unlock()

	for _, k := range keys {
		b.onFlush(k, flushes[k])
	}
}
