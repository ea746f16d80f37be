package pkgreader

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/affggh/otaupdate/errs"
	"github.com/panjf2000/ants/v2"
)

// ExtractAll extracts every component in ids to outDir concurrently,
// bounded by a worker pool of the given size. It stops submitting new
// work once the first component fails, but already-running extractions
// are allowed to finish.
func (r *Reader) ExtractAll(ids []string, outDir string, workers int) error {
	if workers < 1 {
		workers = 1
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return errs.Wrap(errs.IOError, "create extraction worker pool", err)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, id := range ids {
		id := id
		mu.Lock()
		stop := firstErr != nil
		mu.Unlock()
		if stop {
			break
		}

		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if extractErr := r.extractOne(id, outDir); extractErr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = extractErr
				}
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = errs.Wrap(errs.IOError, "submit extraction task", submitErr)
			}
			mu.Unlock()
			break
		}
	}

	wg.Wait()
	return firstErr
}

// extractOne writes id's decompressed bytes to outDir/<base name>,
// resuming from whatever is already there (a prior attempt interrupted
// partway through) via OpenSeekable rather than starting over, then
// verifies the completed file's digest against the manifest.
func (r *Reader) extractOne(id, outDir string) error {
	m, err := r.LoadPackage()
	if err != nil {
		return err
	}
	entry, err := m.ByIdentity(id)
	if err != nil {
		return err
	}

	path := filepath.Join(outDir, filepath.Base(id))
	var startOffset int64
	if st, statErr := os.Stat(path); statErr == nil {
		startOffset = st.Size()
	}

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap(errs.IOError, "create extraction output file", err)
	}
	defer out.Close()

	if startOffset > 0 && startOffset < int64(entry.UncompressedSize) {
		sr, err := r.OpenSeekable(id)
		if err != nil {
			return err
		}
		defer sr.Close()
		if _, err := sr.Seek(startOffset, io.SeekStart); err != nil {
			return errs.Wrap(errs.IOError, "seek resumed extraction source", err)
		}
		if _, err := out.Seek(startOffset, io.SeekStart); err != nil {
			return errs.Wrap(errs.IOError, "seek resumed extraction output", err)
		}
		if _, err := io.Copy(out, sr); err != nil {
			return errs.Wrap(errs.IOError, "resume extraction", err)
		}
	} else if startOffset == 0 {
		if err := r.ExtractTo(id, out, nil); err != nil {
			return err
		}
		return out.Sync()
	}

	if err := out.Sync(); err != nil {
		return errs.Wrap(errs.IOError, "fsync extracted file", err)
	}
	return verifyFileDigest(path, entry.Digest)
}

func verifyFileDigest(path string, want []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.Wrap(errs.IOError, "reopen extracted file for verification", err)
	}
	defer f.Close()

	var h hash.Hash
	switch len(want) {
	case sha512.Size384:
		h = sha512.New384()
	default:
		h = sha256.New()
	}
	if _, err := io.Copy(h, f); err != nil {
		return errs.Wrap(errs.IOError, "hash extracted file", err)
	}
	if !bytes.Equal(h.Sum(nil), want) {
		return errs.New(errs.VerifyFailed, "extracted file digest does not match manifest")
	}
	return nil
}
