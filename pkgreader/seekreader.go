package pkgreader

import (
	"archive/zip"
	"errors"
	"io"
	"sync"
)

// SeekableEntryReader provides random access into one archive member:
// a STORE-method entry is served directly from the backing ReaderAt at
// a fixed data offset, and
// a compressed entry reuses one decompression stream across sequential
// reads, reopening it and fast-forwarding from byte zero whenever a read
// does not continue where the previous one stopped. This lets extraction resume
// partway through a large entry instead of restarting from byte zero.
type SeekableEntryReader struct {
	zf *zip.File
	or io.ReaderAt

	dataOff int64
	pos     int64

	stream       io.ReadCloser
	streamStart  int64
	streamOffset int64

	mu sync.Mutex
}

// OpenSeekable opens id for random access.
func (r *Reader) OpenSeekable(id string) (*SeekableEntryReader, error) {
	var zf *zip.File
	for _, f := range r.zr.File {
		if f.Name == id {
			zf = f
			break
		}
	}
	if zf == nil {
		return nil, errors.New("pkgreader: no such entry: " + id)
	}

	var dataOff int64
	if zf.Method == zip.Store {
		off, err := zf.DataOffset()
		if err != nil {
			return nil, errors.New("pkgreader: could not determine entry data offset: " + zf.Name)
		}
		dataOff = off
	}
	return &SeekableEntryReader{zf: zf, or: r.readerAt, dataOff: dataOff}, nil
}

func (r *SeekableEntryReader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.zf.Method == zip.Store {
		size := int64(r.zf.UncompressedSize64)
		if off >= size {
			return 0, io.EOF
		}
		if rem := size - off; int64(len(p)) > rem {
			n, err := r.or.ReadAt(p[:rem], r.dataOff+off)
			if err == nil {
				err = io.EOF
			}
			return n, err
		}
		return r.or.ReadAt(p, r.dataOff+off)
	}
	if r.stream == nil || r.streamStart+r.streamOffset != off {
		if r.stream != nil {
			r.stream.Close()
			r.stream = nil
		}
		stream, err := r.zf.Open()
		if err != nil {
			return 0, err
		}
		if _, err := io.CopyN(io.Discard, stream, off); err != nil && err != io.EOF {
			stream.Close()
			return 0, err
		}
		r.stream = stream
		r.streamStart = off
		r.streamOffset = 0
	}

	n, err := r.stream.Read(p)
	r.streamOffset += int64(n)
	return n, err
}

func (r *SeekableEntryReader) Read(p []byte) (int, error) {
	n, err := r.ReadAt(p, r.pos)
	r.pos += int64(n)
	return n, err
}

// Seek repositions the logical read cursor, clamping to [0, size] so
// Seek(0, io.SeekEnd) followed by a Read returns io.EOF.
func (r *SeekableEntryReader) Seek(offset int64, whence int) (int64, error) {
	size := int64(r.zf.UncompressedSize64)
	switch whence {
	case io.SeekStart:
		r.pos = offset
	case io.SeekCurrent:
		r.pos += offset
	case io.SeekEnd:
		r.pos = size + offset
	default:
		return 0, errors.New("pkgreader: unsupported whence")
	}
	if r.pos < 0 {
		r.pos = 0
	}
	if r.pos > size {
		r.pos = size
	}
	return r.pos, nil
}

func (r *SeekableEntryReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stream != nil {
		return r.stream.Close()
	}
	return nil
}
