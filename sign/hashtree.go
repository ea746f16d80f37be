package sign

import (
	"bytes"

	"github.com/affggh/otaupdate/errs"
	"github.com/affggh/otaupdate/pkgmanifest"
)

// VerifyEntry checks that data hashes to the digest recorded for the
// named entry in m, per the manifest's declared digest algorithm: the
// per-file half of the two-tier verification (whole-package signature,
// then per-component digest).
func VerifyEntry(m *pkgmanifest.Manifest, identity string, data []byte) error {
	entry, err := m.ByIdentity(identity)
	if err != nil {
		return err
	}

	h, _, err := digestOf(m.DigestAlgorithm)
	if err != nil {
		return err
	}
	h.Write(data)
	sum := h.Sum(nil)

	if !bytes.Equal(sum, entry.Digest) {
		return errs.New(errs.VerifyFailed, "component digest mismatch: "+identity)
	}
	return nil
}
