// Package pkgreader implements the update package container: a
// zip-compatible archive carrying a protobuf manifest, a signature
// trailer entry, and one payload entry per manifest component, with
// per-entry compression codes on top of the zip method field.
package pkgreader

import (
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"

	"github.com/affggh/otaupdate/errs"
	"github.com/affggh/otaupdate/pkgmanifest"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// ManifestEntryName and SignatureEntryName are the fixed member names
// carrying the package manifest and its signature trailer.
const (
	ManifestEntryName  = "manifest.pb"
	SignatureEntryName = "package.sig"
)

// Reader opens an update package for streaming extraction. It supports
// zero or one in-flight extraction at a time.
type Reader struct {
	zr       *zip.Reader
	readerAt io.ReaderAt
	size     int64

	manifest  *pkgmanifest.Manifest
	extracted bool // set once an ExtractTo has completed, for restartability
}

// Open wraps ra (an io.ReaderAt over the package bytes, e.g. an *os.File
// or an mmap'd region for small packages) as a package Reader.
func Open(ra io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, errs.Wrap(errs.BadPackage, "open package container", err)
	}
	return &Reader{zr: zr, readerAt: ra, size: size}, nil
}

// LoadPackage parses and caches the manifest. It is restartable: calling
// it again after a successful extraction returns the same manifest
// without re-reading the zip central directory.
func (r *Reader) LoadPackage() (*pkgmanifest.Manifest, error) {
	if r.manifest != nil {
		return r.manifest, nil
	}
	f, err := r.zr.Open(ManifestEntryName)
	if err != nil {
		return nil, errs.Wrap(errs.BadPackage, "open manifest entry", err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, errs.Wrap(errs.BadPackage, "read manifest entry", err)
	}
	m, err := pkgmanifest.Unmarshal(raw)
	if err != nil {
		return nil, err
	}
	r.manifest = m
	return m, nil
}

// ListEntries returns the cached manifest, loading it if necessary.
func (r *Reader) ListEntries() (*pkgmanifest.Manifest, error) {
	return r.LoadPackage()
}

// SignatureTrailer returns the raw bytes of the signature entry.
func (r *Reader) SignatureTrailer() ([]byte, error) {
	f, err := r.zr.Open(SignatureEntryName)
	if err != nil {
		return nil, errs.Wrap(errs.BadPackage, "open signature entry", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// OpenEntry opens the named component's payload stream, decompressing it
// per the per-entry type the central directory + manifest agree on.
// Decompression codes: the zip method handles STORE/DEFLATE; the OEM
// codes LZ4 and GZIP are carried as STORE in the zip and decoded here.
func (r *Reader) OpenEntry(id string) (io.ReadCloser, error) {
	m, err := r.LoadPackage()
	if err != nil {
		return nil, err
	}
	entry, err := m.ByIdentity(id)
	if err != nil {
		return nil, errs.Wrap(errs.BadPackage, "unknown component", err)
	}

	zf, err := r.zr.Open(id)
	if err != nil {
		return nil, errs.Wrap(errs.BadPackage, "open component entry", err)
	}

	switch entry.Flags & entryCompressionMask {
	case entryCompressionNone, entryCompressionDeflate:
		// archive/zip already applied STORE/DEFLATE transparently. A
		// stored component may itself carry XZ framing (recovery packages
		// sometimes nest an xz-compressed image as a stored member);
		// sniff the stream magic and decode it here rather than handing
		// the caller compressed bytes it did not ask for.
		br := bufio.NewReader(zf)
		if magic, err := br.Peek(len(xzMagic)); err == nil && bytes.Equal(magic, []byte(xzMagic)) {
			xr, err := xz.NewReader(br)
			if err != nil {
				zf.Close()
				return nil, errs.Wrap(errs.UnsupportedEntry, "bad xz entry", err)
			}
			return &xzReadCloser{r: xr, inner: zf}, nil
		}
		return &bufferedReadCloser{r: br, inner: zf}, nil
	case entryCompressionLZ4:
		return &lz4ReadCloser{r: lz4.NewReader(zf), inner: zf}, nil
	case entryCompressionGzip:
		gz, err := gzip.NewReader(zf)
		if err != nil {
			zf.Close()
			return nil, errs.Wrap(errs.UnsupportedEntry, "bad gzip entry", err)
		}
		return &gzipReadCloser{r: gz, inner: zf}, nil
	default:
		zf.Close()
		return nil, errs.New(errs.UnsupportedEntry, "unknown entry compression")
	}
}

// Entry flags low two bits select the OEM compression code. Zip's own
// method field only distinguishes store/deflate, so the lz4/gzip OEM
// codes ride in the manifest entry's flags byte instead.
const (
	entryCompressionMask    = 0x3
	entryCompressionNone    = 0x0
	entryCompressionDeflate = 0x1
	entryCompressionLZ4     = 0x2
	entryCompressionGzip    = 0x3
)

// xzMagic is the 6-byte XZ stream header.
const xzMagic = "\xfd7zXZ\x00"

type xzReadCloser struct {
	r     *xz.Reader
	inner io.Closer
}

func (x *xzReadCloser) Read(p []byte) (int, error) { return x.r.Read(p) }
func (x *xzReadCloser) Close() error               { return x.inner.Close() }

type bufferedReadCloser struct {
	r     *bufio.Reader
	inner io.Closer
}

func (b *bufferedReadCloser) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *bufferedReadCloser) Close() error               { return b.inner.Close() }

type lz4ReadCloser struct {
	r     *lz4.Reader
	inner io.Closer
}

func (l *lz4ReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *lz4ReadCloser) Close() error                { return l.inner.Close() }

type gzipReadCloser struct {
	r     *gzip.Reader
	inner io.Closer
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.r.Read(p) }
func (g *gzipReadCloser) Close() error {
	g.r.Close()
	return g.inner.Close()
}

// ExtractTo streams the named entry's decompressed bytes to out while
// feeding a running digest of the entry, then verifies that digest
// against the manifest's and — when expected is non-nil — also against
// expected.
func (r *Reader) ExtractTo(id string, out io.Writer, expected *[32]byte) error {
	m, err := r.LoadPackage()
	if err != nil {
		return err
	}
	entry, err := m.ByIdentity(id)
	if err != nil {
		return err
	}

	in, err := r.OpenEntry(id)
	if err != nil {
		return err
	}
	defer in.Close()

	var h hash.Hash
	switch len(entry.Digest) {
	case sha512.Size384:
		h = sha512.New384()
	default:
		h = sha256.New()
	}

	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		return errs.Wrap(errs.IOError, "extract component", err)
	}

	sum := h.Sum(nil)
	if !bytes.Equal(sum, entry.Digest) {
		return errs.New(errs.VerifyFailed, "component digest does not match manifest")
	}
	if expected != nil && !bytes.Equal(sum, expected[:]) {
		return errs.New(errs.VerifyFailed, "component digest does not match caller-supplied hash")
	}

	r.extracted = true
	return nil
}
