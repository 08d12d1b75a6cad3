//go:build unix || darwin || linux || freebsd || openbsd || netbsd

package epochsys

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// mmapArena is the unix Arena implementation backing MmapChunkStore,
// adapted from pkg/pager/mmap_unix.go: same open/grow/close lifecycle, but
// Sync takes a PwbKind and chooses MS_ASYNC/MS_SYNC accordingly (the
// original OpenMmapFile's Sync always used MS_SYNC; here Pflush wants the
// cheaper async flush and Pfence wants the original's synchronous one).
type mmapArena struct {
	file *os.File
	data []byte
	size int64
}

func openMmapArena(path string, initialSize int64) (*mmapArena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := stat.Size()
	if initialSize > size {
		if err := f.Truncate(initialSize); err != nil {
			f.Close()
			return nil, err
		}
		size = initialSize
	}
	if size == 0 {
		f.Close()
		return nil, errors.New("epochsys: cannot mmap an empty chunk store file")
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &mmapArena{file: f, data: data, size: size}, nil
}

func (m *mmapArena) Size() int64 { return m.size }

func (m *mmapArena) Slice(offset, length int) []byte {
	if offset < 0 || length < 0 || offset+length > len(m.data) {
		return nil
	}
	return m.data[offset : offset+length]
}

func (m *mmapArena) Sync(kind PwbKind) error {
	flag := unix.MS_ASYNC
	if kind == PwbWriteback {
		flag = unix.MS_SYNC
	}
	return unix.Msync(m.data, flag)
}

func (m *mmapArena) Fence() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *mmapArena) Grow(newSize int64) error {
	if newSize <= m.size {
		return nil
	}

	// Writes under MAP_SHARED land in the kernel page cache; sync before
	// unmapping so nothing is lost between the old and new mapping.
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return err
	}
	if err := syscall.Munmap(m.data); err != nil {
		return err
	}
	if err := m.file.Truncate(newSize); err != nil {
		return err
	}

	data, err := syscall.Mmap(int(m.file.Fd()), 0, int(newSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}

	m.data = data
	m.size = newSize
	return nil
}

func (m *mmapArena) Close() error {
	var firstErr error
	if m.data != nil {
		if err := syscall.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.file = nil
	}
	return firstErr
}
