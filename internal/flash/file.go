package flash

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// FileStore keeps a flash image in a regular file.
//
// The file holds exactly FlashSize() bytes; byte i of the file is the
// contents of address FlashStart()+i. A missing or empty file is created as
// a fully erased device. Programming semantics are the same as real NOR:
// Write ANDs into the existing contents.
type FileStore struct {
	Geometry

	file     *os.File
	filePath string

	// mu serialises the read-modify-write cycle of Write.
	mu sync.Mutex
}

// OpenFileStore opens (or creates) the image at filePath.
func OpenFileStore(filePath string, start, size, pageSize uint32) (*FileStore, error) {
	g, err := NewGeometry(start, size, pageSize)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat flash image: %w", err)
	}

	fs := &FileStore{Geometry: g, file: file, filePath: filePath}

	switch stat.Size() {
	case 0:
		if err := fs.format(); err != nil {
			file.Close()
			return nil, err
		}
	case int64(size):
	default:
		file.Close()
		return nil, fmt.Errorf("flash image %s is %d bytes, expected %d", filePath, stat.Size(), size)
	}

	return fs, nil
}

// format fills a new image with erased pages.
func (f *FileStore) format() error {
	page := erasedPage(f.Page)
	for off := int64(0); off < int64(f.FlashSize()); off += int64(f.Page) {
		if _, err := f.file.WriteAt(page, off); err != nil {
			return fmt.Errorf("failed to initialise flash image: %w", err)
		}
	}
	return f.file.Sync()
}

// Read fills dst with the contents starting at address.
func (f *FileStore) Read(dst []byte, address uint32) error {
	if err := f.checkWordAccess("read", address, len(dst)); err != nil {
		return err
	}
	n, err := f.file.ReadAt(dst, int64(address-f.Start))
	if err != nil {
		return fmt.Errorf("failed to read 0x%08X: %w", address, err)
	}
	if n != len(dst) {
		return fmt.Errorf("short read at 0x%08X: got %d bytes, expected %d", address, n, len(dst))
	}
	return nil
}

// Write programs src at address.
func (f *FileStore) Write(address uint32, src []byte) error {
	if err := f.checkWordAccess("write", address, len(src)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	cur := make([]byte, len(src))
	if _, err := f.file.ReadAt(cur, int64(address-f.Start)); err != nil {
		return fmt.Errorf("failed to read 0x%08X before write: %w", address, err)
	}
	for i := range cur {
		cur[i] &= src[i]
	}
	return f.writeSync(cur, address)
}

// Erase resets the page containing pageAddress to all ones.
func (f *FileStore) Erase(pageAddress uint32) error {
	if err := f.checkErase(pageAddress); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.writeSync(erasedPage(f.Page), f.PageOf(pageAddress))
}

// writeSync writes data at address and syncs. Caller must hold the lock.
func (f *FileStore) writeSync(data []byte, address uint32) error {
	n, err := f.file.WriteAt(data, int64(address-f.Start))
	if err != nil {
		return fmt.Errorf("failed to write 0x%08X: %w", address, err)
	}
	if n != len(data) {
		return fmt.Errorf("short write at 0x%08X: wrote %d bytes, expected %d", address, n, len(data))
	}

	// Sync so a crash never observes the write as pending.
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync after writing 0x%08X: %w", address, err)
	}
	return nil
}

// Path returns the image file path.
func (f *FileStore) Path() string {
	return f.filePath
}

// Close closes the image file.
func (f *FileStore) Close() error {
	return f.file.Close()
}

// DeleteImage removes an image file. Missing files are not an error.
func DeleteImage(filePath string) error {
	if _, err := os.Stat(filePath); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return os.Remove(filePath)
}

func erasedPage(size uint32) []byte {
	page := make([]byte, size)
	for i := range page {
		page[i] = ErasedByte
	}
	return page
}
