// Package sign verifies an update package's whole-file signature:
// the package's own bytes (up to but excluding the trailing
// signature block) are hashed and checked against a signature produced
// with one of the package's declared algorithms, using a certificate
// from a fixed trust set.
package sign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/binary"
	"hash"

	"github.com/affggh/otaupdate/errs"
	"github.com/affggh/otaupdate/pkgmanifest"
)

// Magic identifies a trailer produced by this package.
const Magic = "PKGSIG01"

// Trailer is the parsed on-disk signature block: magic(8) |
// digestAlg(1) | sigAlg(1) | certIndex(2 LE) | sigLen(4 LE) | sig bytes.
type Trailer struct {
	DigestAlgorithm    pkgmanifest.DigestAlgorithm
	SignatureAlgorithm pkgmanifest.SignatureAlgorithm
	CertIndex          uint16
	Signature          []byte
}

// ParseTrailer decodes a raw trailer in the form Encode writes, such as
// the bytes pkgreader's Reader.SignatureTrailer returns.
func ParseTrailer(b []byte) (*Trailer, error) {
	if len(b) < 16 || string(b[:8]) != Magic {
		return nil, errs.New(errs.BadPackage, "bad signature trailer magic")
	}
	t := &Trailer{
		DigestAlgorithm:    pkgmanifest.DigestAlgorithm(b[8]),
		SignatureAlgorithm: pkgmanifest.SignatureAlgorithm(b[9]),
		CertIndex:          binary.LittleEndian.Uint16(b[10:12]),
	}
	sigLen := binary.LittleEndian.Uint32(b[12:16])
	if uint32(len(b)-16) < sigLen {
		return nil, errs.New(errs.BadPackage, "signature trailer truncated")
	}
	t.Signature = append([]byte(nil), b[16:16+sigLen]...)
	return t, nil
}

// Encode renders t back to its wire form.
func (t *Trailer) Encode() []byte {
	out := make([]byte, 16, 16+len(t.Signature))
	copy(out, Magic)
	out[8] = byte(t.DigestAlgorithm)
	out[9] = byte(t.SignatureAlgorithm)
	binary.LittleEndian.PutUint16(out[10:12], t.CertIndex)
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(t.Signature)))
	out = append(out, t.Signature...)
	return out
}

// TrustStore resolves a cert index (as carried in the trailer) to the
// certificate that should have produced the signature. A real device
// loads this from a fixed on-disk keyring; here it is supplied by the
// caller so tests and embedders can provide their own.
type TrustStore interface {
	Cert(index uint16) (*x509.Certificate, error)
}

// StaticTrustStore is a TrustStore backed by a fixed slice, the common
// case of a small number of compiled-in release keys.
type StaticTrustStore []*x509.Certificate

func (s StaticTrustStore) Cert(index uint16) (*x509.Certificate, error) {
	if int(index) >= len(s) {
		return nil, errs.New(errs.CertParseError, "certificate index out of range")
	}
	return s[index], nil
}

func digestOf(alg pkgmanifest.DigestAlgorithm) (hash.Hash, crypto.Hash, error) {
	switch alg {
	case pkgmanifest.DigestSHA256:
		return sha256.New(), crypto.SHA256, nil
	case pkgmanifest.DigestSHA384:
		return sha512.New384(), crypto.SHA384, nil
	default:
		return nil, 0, errs.New(errs.UnknownAlgorithm, "unknown digest algorithm")
	}
}

// Verify checks that signedData was signed by the private key matching
// the certificate trust resolves for t.CertIndex, using t's declared
// digest and signature algorithms.
func Verify(signedData []byte, t *Trailer, trust TrustStore) error {
	cert, err := trust.Cert(t.CertIndex)
	if err != nil {
		return err
	}

	h, cryptoHash, err := digestOf(t.DigestAlgorithm)
	if err != nil {
		return err
	}
	h.Write(signedData)
	digest := h.Sum(nil)

	switch t.SignatureAlgorithm {
	case pkgmanifest.SignatureRSA:
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return errs.New(errs.UnknownAlgorithm, "certificate key is not RSA")
		}
		if err := rsa.VerifyPKCS1v15(pub, cryptoHash, digest, t.Signature); err != nil {
			return errs.Wrap(errs.VerifyFailed, "rsa signature check failed", err)
		}
		return nil

	case pkgmanifest.SignatureECDSA:
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return errs.New(errs.UnknownAlgorithm, "certificate key is not ECDSA")
		}
		if !ecdsa.VerifyASN1(pub, digest, t.Signature) {
			return errs.New(errs.VerifyFailed, "ecdsa signature check failed")
		}
		return nil

	default:
		return errs.New(errs.UnknownAlgorithm, "unknown signature algorithm")
	}
}
