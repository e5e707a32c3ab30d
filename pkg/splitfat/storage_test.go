package splitfat

import (
	"path/filepath"
	"testing"
)

func TestFileStorageReadWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control")
	s, err := OpenFileStorage(path)
	if err != nil {
		t.Fatalf("OpenFileStorage: %v", err)
	}
	defer s.Close()

	if err := s.Truncate(4096); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	want := []byte("splitfat-control-area-payload...")
	if err := s.WriteAt(want, 128); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got := make([]byte, len(want))
	if err := s.ReadAt(got, 128); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("ReadAt = %q, want %q", got, want)
	}

	size, err := s.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 4096 {
		t.Errorf("Size() = %d, want 4096", size)
	}
}

func TestFileStorageShortReadIsStorageIOError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulk")
	s, err := OpenFileStorage(path)
	if err != nil {
		t.Fatalf("OpenFileStorage: %v", err)
	}
	defer s.Close()

	if err := s.Truncate(16); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	buf := make([]byte, 64)
	err = s.ReadAt(buf, 0)
	if err == nil {
		t.Fatalf("expected a short-read error reading past the end of a small file")
	}
	var serr *Error
	if !asSplitFATError(err, &serr) {
		t.Fatalf("expected a *splitfat.Error, got %T: %v", err, err)
	}
	if serr.Kind != KindStorageIO {
		t.Errorf("Kind = %v, want %v", serr.Kind, KindStorageIO)
	}
}

func TestFileStorageAllocateBlockHintIsBenign(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bulk")
	s, err := OpenFileStorage(path)
	if err != nil {
		t.Fatalf("OpenFileStorage: %v", err)
	}
	defer s.Close()

	if err := s.AllocateBlockHint(0, 256*1024); err != nil {
		t.Errorf("AllocateBlockHint should not fail on a regular file, got %v", err)
	}
}

func asSplitFATError(err error, target **Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
