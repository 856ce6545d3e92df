package flash

import (
	"fmt"
	"os"
)

// FileController is a Controller backed by a plain file, standing in for
// real NOR flash registers on a host bench build where no memory-mapped
// peripheral is available. New bytes (on creation or growth) are
// initialized to 0xFF, matching a freshly erased flash part; ErasePage
// likewise resets a full page to 0xFF rather than deleting data.
type FileController struct {
	f *os.File
}

// OpenFile opens (creating if necessary) a file-backed flash region of the
// given size in bytes.
func OpenFile(path string, size int) (*FileController, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("flash: opening backing file %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flash: stat %s: %w", path, err)
	}
	if fi.Size() < int64(size) {
		fill := make([]byte, size-int(fi.Size()))
		for i := range fill {
			fill[i] = 0xFF
		}
		if _, err := f.WriteAt(fill, fi.Size()); err != nil {
			f.Close()
			return nil, fmt.Errorf("flash: extending backing file %s: %w", path, err)
		}
	}
	return &FileController{f: f}, nil
}

func (c *FileController) Read128(addr uint32) ([16]byte, error) {
	var out [16]byte
	if _, err := c.f.ReadAt(out[:], int64(addr)); err != nil {
		return out, err
	}
	return out, nil
}

func (c *FileController) Write128(addr uint32, word [16]byte) error {
	_, err := c.f.WriteAt(word[:], int64(addr))
	return err
}

func (c *FileController) ErasePage(addr uint32) error {
	base := (addr / PageSize) * PageSize
	fill := make([]byte, PageSize)
	for i := range fill {
		fill[i] = 0xFF
	}
	_, err := c.f.WriteAt(fill, int64(base))
	return err
}

func (c *FileController) IsErased(addr uint32) (bool, error) {
	word, err := c.Read128(addr)
	if err != nil {
		return false, err
	}
	for _, b := range word {
		if b != 0xFF {
			return false, nil
		}
	}
	return true, nil
}

// Close releases the backing file.
func (c *FileController) Close() error {
	return c.f.Close()
}
