package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMissingFileUsesDefaults(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "rx.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	s.View(func(doc *Document) {
		if doc.Device != "" {
			t.Errorf("device = %q, want empty", doc.Device)
		}
		if doc.Devices == nil || len(doc.Devices) != 0 {
			t.Errorf("devices = %v, want empty map", doc.Devices)
		}
	})
}

func TestUpdatePersistsOnlyWhenDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rx.yaml")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Update(func(doc *Document) bool {
		doc.Device = "ignored"
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file written for clean release: %v", err)
	}

	rate := uint32(2000000)
	if err := s.Update(func(doc *Document) bool {
		doc.Device = "abc"
		rec, _ := doc.Record("abc")
		rec.SampleRate = &rate
		return true
	}); err != nil {
		t.Fatal(err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	reloaded.View(func(doc *Document) {
		if doc.Device != "abc" {
			t.Errorf("device = %q, want abc", doc.Device)
		}
		rec := doc.Devices["abc"]
		if rec == nil || rec.SampleRate == nil || *rec.SampleRate != rate {
			t.Fatalf("sample rate not persisted: %+v", rec)
		}
		if rec.Bandwidth != nil {
			t.Errorf("bandwidth = %v, want absent", *rec.Bandwidth)
		}
	})
}

func TestOpenPartialRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rx.yaml")
	contents := "device: dev1\ndevices:\n  dev1:\n    rxvga1: 12\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.View(func(doc *Document) {
		rec := doc.Devices["dev1"]
		if rec == nil || rec.RXVGA1 == nil || *rec.RXVGA1 != 12 {
			t.Fatalf("rxvga1 not loaded: %+v", rec)
		}
		if rec.SampleRate != nil || rec.LNAGain != nil {
			t.Errorf("unexpected fields present: %+v", rec)
		}
	})
}

func TestRecordCreates(t *testing.T) {
	s := NewMemory()
	doc := s.Acquire()
	_, created := doc.Record("x")
	_, again := doc.Record("x")
	if err := s.Release(true); err != nil {
		t.Fatal(err)
	}
	if !created || again {
		t.Errorf("created = %v, again = %v", created, again)
	}
}
