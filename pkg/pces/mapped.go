package pces

import (
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

var ErrMappedFileClosed = errors.New("mapped segment is closed")

// MappedFile is a read-only memory mapping of a segment file.
type MappedFile struct {
	file   File
	fd     *os.File
	data   mmap.MMap
	closed bool
}

// MapFile maps the segment read-only. Empty files are valid and map to an
// empty slice.
func MapFile(file File) (*MappedFile, error) {
	fd, err := os.Open(file.path)
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", file.sequenceNumber, err)
	}

	info, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("stat segment %d: %w", file.sequenceNumber, err)
	}

	m := &MappedFile{file: file, fd: fd}
	// mmap of a zero length region fails on most platforms.
	if info.Size() == 0 {
		return m, nil
	}

	data, err := mmap.Map(fd, mmap.RDONLY, 0)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("mmap segment %d: %w", file.sequenceNumber, err)
	}
	m.data = data
	return m, nil
}

// Bytes returns the mapped contents. The slice must not be retained after
// Close and must not be modified.
func (m *MappedFile) Bytes() []byte {
	if m.closed {
		return nil
	}
	return m.data
}

func (m *MappedFile) File() File {
	return m.file
}

// Close unmaps the file and closes its descriptor.
func (m *MappedFile) Close() error {
	if m.closed {
		return ErrMappedFileClosed
	}
	m.closed = true

	var cErr error
	if m.data != nil {
		if err := m.data.Unmap(); err != nil {
			cErr = errors.Join(cErr, fmt.Errorf("unmap segment %d: %w", m.file.sequenceNumber, err))
		}
		m.data = nil
	}
	if err := m.fd.Close(); err != nil {
		cErr = errors.Join(cErr, err)
	}
	return cErr
}
