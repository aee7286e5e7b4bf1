package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsEmptyOfDCMTrueForEmptyDir(t *testing.T) {
	dir := t.TempDir()
	empty, err := isEmptyOfDCM(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !empty {
		t.Error("a directory with no files should be reported empty of .dcm")
	}
}

func TestIsEmptyOfDCMFalseOnceDCMPresent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.dcm"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	empty, err := isEmptyOfDCM(dir)
	if err != nil {
		t.Fatal(err)
	}
	if empty {
		t.Error("a directory containing a .dcm file should not be reported empty")
	}
}

func TestIsEmptyOfDCMIgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.tmp"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	empty, err := isEmptyOfDCM(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !empty {
		t.Error("non-.dcm files should not count toward emptiness")
	}
}

func TestReapOnceRemovesOldEmptyDirs(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "stale")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	w := &Watcher{spoolRoot: root, emptyAge: time.Minute}
	w.reapOnce()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("reapOnce should have removed the stale empty directory")
	}
}

func TestReapOnceKeepsFailedDir(t *testing.T) {
	root := t.TempDir()
	failedDir := filepath.Join(root, "failed")
	if err := os.MkdirAll(failedDir, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	os.Chtimes(failedDir, old, old)

	w := &Watcher{spoolRoot: root, emptyAge: time.Minute}
	w.reapOnce()

	if _, err := os.Stat(failedDir); err != nil {
		t.Error("reapOnce must never remove the failed quarantine directory")
	}
}

func TestReapOnceKeepsRecentEmptyDirs(t *testing.T) {
	root := t.TempDir()
	fresh := filepath.Join(root, "fresh")
	if err := os.MkdirAll(fresh, 0o755); err != nil {
		t.Fatal(err)
	}

	w := &Watcher{spoolRoot: root, emptyAge: time.Hour}
	w.reapOnce()

	if _, err := os.Stat(fresh); err != nil {
		t.Error("reapOnce should not remove a directory younger than emptyAge")
	}
}
