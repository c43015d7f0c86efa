package store

import "os"

// FileWearLeveler keeps the image in a single file, writing only the
// byte range that changed. The filesystem absorbs the wear concern on
// a host; the interface matches what the embedded counterpart expects
// from its flash translation layer.
type FileWearLeveler struct {
	path string
}

// NewFileWearLeveler creates a file-backed store at path. The file is
// created on first write.
func NewFileWearLeveler(path string) *FileWearLeveler {
	return &FileWearLeveler{path: path}
}

// Write stores data at the given offset, extending the file if needed.
func (f *FileWearLeveler) Write(addr int, data []byte) bool {
	fh, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false
	}
	defer fh.Close()

	if fi, err := fh.Stat(); err == nil && fi.Size() < int64(ImageSize) {
		if err := fh.Truncate(int64(ImageSize)); err != nil {
			return false
		}
	}
	if _, err := fh.WriteAt(data, int64(addr)); err != nil {
		return false
	}
	return fh.Sync() == nil
}

// ReadAll returns the stored image, or nil if the file does not exist
// or is short.
func (f *FileWearLeveler) ReadAll() []byte {
	raw, err := os.ReadFile(f.path)
	if err != nil || len(raw) < ImageSize {
		return nil
	}
	return raw
}

// Close is a no-op; the file is opened per write.
func (f *FileWearLeveler) Close() error { return nil }

// FakeWearLeveler is an in-memory test double that records writes.
type FakeWearLeveler struct {
	// Image holds the current bytes.
	Image []byte

	// Writes records each (addr, len) pair in order.
	Writes []WriteRecord

	// FailWrites, if set, makes Write return false.
	FailWrites bool

	// Closed tracks if Close was called.
	Closed bool
}

// WriteRecord describes one recorded write.
type WriteRecord struct {
	Addr int
	Len  int
}

// NewFakeWearLeveler creates an empty fake store.
func NewFakeWearLeveler() *FakeWearLeveler {
	return &FakeWearLeveler{}
}

// Write stores data in memory and records the call.
func (f *FakeWearLeveler) Write(addr int, data []byte) bool {
	if f.FailWrites {
		return false
	}
	if need := addr + len(data); need > len(f.Image) {
		grown := make([]byte, need)
		if need < ImageSize {
			grown = make([]byte, ImageSize)
		}
		copy(grown, f.Image)
		f.Image = grown
	}
	copy(f.Image[addr:], data)
	f.Writes = append(f.Writes, WriteRecord{Addr: addr, Len: len(data)})
	return true
}

// ReadAll returns the in-memory image, or nil if nothing was written.
func (f *FakeWearLeveler) ReadAll() []byte {
	if len(f.Image) < ImageSize {
		return nil
	}
	return f.Image
}

// Close marks the fake as closed.
func (f *FakeWearLeveler) Close() error {
	f.Closed = true
	return nil
}

var _ WearLeveler = (*FileWearLeveler)(nil)
var _ WearLeveler = (*FakeWearLeveler)(nil)
