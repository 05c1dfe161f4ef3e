// Package plash reads and writes flash images that bundle application
// binaries.
//
// Layout, all integers little-endian uint64:
//
//	[app_count][size_0]...[size_{n-1}][payload_0]...[payload_{n-1}]
//
// Payloads are packed back to back with no padding, names or checksums; the
// i-th payload starts where the (i-1)-th ends.
package plash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the directory header.
	HeaderSize = 8
	// EntrySize is the size of one application entry.
	EntrySize = 8
)

var ErrTruncated = errors.New("plash: image truncated")

// Entry locates one application payload inside an image.
type Entry struct {
	Index  int
	Offset uint64
	Size   uint64
}

// End returns the offset just past the payload.
func (e Entry) End() uint64 { return e.Offset + e.Size }

// Directory is the decoded header of an image.
type Directory struct {
	image   []byte
	entries []Entry
}

// ReadDirectory decodes the directory of img. Every offset is checked against
// len(img) before it is used.
func ReadDirectory(img []byte) (*Directory, error) {
	size := uint64(len(img))
	if size < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d for the header", ErrTruncated, size, HeaderSize)
	}
	count := binary.LittleEndian.Uint64(img[0:HeaderSize])

	if count > (size-HeaderSize)/EntrySize {
		return nil, fmt.Errorf("%w: %d entries do not fit in %d bytes", ErrTruncated, count, size)
	}
	tableEnd := HeaderSize + count*EntrySize

	entries := make([]Entry, 0, count)
	offset := tableEnd
	for i := uint64(0); i < count; i++ {
		at := HeaderSize + i*EntrySize
		appSize := binary.LittleEndian.Uint64(img[at : at+EntrySize])
		if appSize > size-offset {
			return nil, fmt.Errorf("%w: app[%d] [%#x, +%#x) past end of image (%#x)", ErrTruncated, i, offset, appSize, size)
		}
		entries = append(entries, Entry{
			Index:  int(i),
			Offset: offset,
			Size:   appSize,
		})
		offset += appSize
	}

	return &Directory{image: img, entries: entries}, nil
}

// Len returns the number of applications.
func (d *Directory) Len() int { return len(d.entries) }

// Entries returns a copy of the directory entries in image order.
func (d *Directory) Entries() []Entry {
	return append([]Entry(nil), d.entries...)
}

// Entry returns the i-th entry.
func (d *Directory) Entry(i int) Entry { return d.entries[i] }

// Payload returns the bytes of the i-th application. The slice aliases the
// image.
func (d *Directory) Payload(i int) []byte {
	e := d.entries[i]
	return d.image[e.Offset:e.End():e.End()]
}

// Build assembles an image from application binaries.
func Build(apps ...[]byte) []byte {
	total := HeaderSize + len(apps)*EntrySize
	for _, app := range apps {
		total += len(app)
	}
	img := make([]byte, 0, total)
	img = binary.LittleEndian.AppendUint64(img, uint64(len(apps)))
	for _, app := range apps {
		img = binary.LittleEndian.AppendUint64(img, uint64(len(app)))
	}
	for _, app := range apps {
		img = append(img, app...)
	}
	return img
}

// Write streams an image built from apps to w.
func Write(w io.Writer, apps ...[]byte) (int64, error) {
	var hdr [8]byte
	var n int64

	put := func(b []byte) error {
		m, err := w.Write(b)
		n += int64(m)
		return err
	}

	binary.LittleEndian.PutUint64(hdr[:], uint64(len(apps)))
	if err := put(hdr[:]); err != nil {
		return n, err
	}
	for _, app := range apps {
		binary.LittleEndian.PutUint64(hdr[:], uint64(len(app)))
		if err := put(hdr[:]); err != nil {
			return n, err
		}
	}
	for i, app := range apps {
		if err := put(app); err != nil {
			return n, fmt.Errorf("write app[%d]: %w", i, err)
		}
	}
	return n, nil
}
