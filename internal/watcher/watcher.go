// Package watcher monitors an outgoing spool directory for per-folder
// inactivity and triggers sends once a folder goes quiet, with periodic
// rescan, reap, and heartbeat passes to guard against missed events.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/Kiragroh/DICOM-RT-Station/internal/metrics"
)

// ProcessFunc handles one quiesced folder. It is invoked at most once at a
// time, serialized by Watcher's processing lock.
type ProcessFunc func(ctx context.Context, folder string)

// Watcher monitors spoolRoot for folders of DICOM files ready to send.
type Watcher struct {
	spoolRoot        string
	inactivity       time.Duration
	retry            time.Duration
	rescanInterval   time.Duration
	emptyAge         time.Duration
	heartbeat        time.Duration
	process          ProcessFunc
	log              *logrus.Entry

	mu         sync.Mutex
	armed      map[string]*time.Timer
	processing sync.Mutex // serializes processFolder calls across the whole watcher
}

// Config carries the watcher's tunables, matching the Configuration
// enumeration's folder_* fields.
type Config struct {
	SpoolRoot               string
	InactivitySeconds       float64
	RetrySeconds            float64
	RescanIntervalSeconds   float64
	EmptyDirAgeSeconds      float64
	HeartbeatSeconds        float64
}

// New builds a Watcher. process is called once per quiesced folder.
func New(cfg Config, process ProcessFunc, log *logrus.Logger) *Watcher {
	return &Watcher{
		spoolRoot:      cfg.SpoolRoot,
		inactivity:     secs(cfg.InactivitySeconds),
		retry:          secs(cfg.RetrySeconds),
		rescanInterval: secs(cfg.RescanIntervalSeconds),
		emptyAge:       secs(cfg.EmptyDirAgeSeconds),
		heartbeat:      secs(cfg.HeartbeatSeconds),
		process:        process,
		log:            log.WithField("component", "watcher"),
		armed:          make(map[string]*time.Timer),
	}
}

func secs(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// Run blocks, watching the spool directory until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := filepath.Walk(w.spoolRoot, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() {
			return fsw.Add(path)
		}
		return nil
	}); err != nil {
		return err
	}

	go w.rescanLoop(ctx)
	go w.reapLoop(ctx)
	go w.heartbeatLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".dcm" {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.arm(ctx, filepath.Dir(ev.Name))
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("fsnotify error")
		}
	}
}

func (w *Watcher) arm(ctx context.Context, folder string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.armed[folder]; ok {
		t.Stop()
	}
	w.armed[folder] = time.AfterFunc(w.inactivity, func() { w.fire(ctx, folder) })
}

func (w *Watcher) fire(ctx context.Context, folder string) {
	w.mu.Lock()
	delete(w.armed, folder)
	w.mu.Unlock()

	if !w.processing.TryLock() {
		w.log.WithField("folder", folder).Info("processing busy, requeuing")
		time.AfterFunc(w.retry, func() { w.fire(ctx, folder) })
		return
	}
	defer w.processing.Unlock()

	empty, err := isEmptyOfDCM(folder)
	if err != nil {
		w.log.WithError(err).WithField("folder", folder).Warn("stat failed")
		return
	}
	if empty {
		time.AfterFunc(w.retry, func() { w.arm(ctx, folder) })
		return
	}
	metrics.OutgoingSpoolBacklog.Set(float64(len(w.armed)))
	w.process(ctx, folder)
}

func isEmptyOfDCM(folder string) (bool, error) {
	found := false
	err := filepath.Walk(folder, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".dcm" {
			found = true
		}
		return nil
	})
	return !found, err
}

func (w *Watcher) rescanLoop(ctx context.Context) {
	t := time.NewTicker(w.rescanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.rescanOnce(ctx)
		}
	}
}

func (w *Watcher) rescanOnce(ctx context.Context) {
	filepath.Walk(w.spoolRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() {
			return nil
		}
		empty, err := isEmptyOfDCM(path)
		if err == nil && !empty {
			w.mu.Lock()
			_, alreadyArmed := w.armed[path]
			w.mu.Unlock()
			if !alreadyArmed {
				w.arm(ctx, path)
			}
		}
		return nil
	})
}

func (w *Watcher) reapLoop(ctx context.Context) {
	t := time.NewTicker(w.rescanInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.reapOnce()
		}
	}
}

func (w *Watcher) reapOnce() {
	var dirs []string
	filepath.Walk(w.spoolRoot, func(path string, info os.FileInfo, err error) error {
		if err == nil && info.IsDir() && filepath.Base(path) != "failed" {
			dirs = append(dirs, path)
		}
		return nil
	})
	// Bottom-up: Walk lists a directory before its contents, so iterating in
	// reverse considers children before parents.
	for i := len(dirs) - 1; i >= 0; i-- {
		dir := dirs[i]
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) != 0 {
			continue
		}
		if time.Since(info.ModTime()) > w.emptyAge {
			os.Remove(dir)
		}
	}
}

func (w *Watcher) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(w.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.log.Info("heartbeat")
		}
	}
}
