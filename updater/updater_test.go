package updater_test

import (
	"archive/zip"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/affggh/otaupdate/blockset"
	"github.com/affggh/otaupdate/partitionrecord"
	"github.com/affggh/otaupdate/pkgmanifest"
	"github.com/affggh/otaupdate/pkgreader"
	"github.com/affggh/otaupdate/sign"
	"github.com/affggh/otaupdate/transferlist"
	"github.com/affggh/otaupdate/updater"
)

// memTarget is a minimal in-memory transferlist.Target for driving the
// updater end to end without a real block device.
type memTarget struct{ data []byte }

func newMemTarget(blocks int64) *memTarget { return &memTarget{data: make([]byte, blocks*4096)} }

func (m *memTarget) ReadRange(s *blockset.Set) ([]byte, error) {
	var out []byte
	for _, r := range s.Ranges() {
		out = append(out, m.data[r.Start*4096:r.End*4096]...)
	}
	return out, nil
}

func (m *memTarget) WriteRange(s *blockset.Set, data []byte) error {
	off := 0
	for _, r := range s.Ranges() {
		n := int((r.End - r.Start) * 4096)
		copy(m.data[r.Start*4096:r.End*4096], data[off:off+n])
		off += n
	}
	return nil
}

func (m *memTarget) Discard(s *blockset.Set) error {
	for _, r := range s.Ranges() {
		for i := r.Start * 4096; i < r.End*4096; i++ {
			m.data[i] = 0
		}
	}
	return nil
}

func selfSignedECDSACert(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

func buildSignedPackage(t *testing.T, key *ecdsa.PrivateKey, entries []pkgmanifest.ComponentEntry, files map[string][]byte) []byte {
	t.Helper()

	m := &pkgmanifest.Manifest{
		SoftwareVersion: "1.0",
		DigestAlgorithm: pkgmanifest.DigestSHA256,
		Entries:         entries,
	}
	manifestBytes := pkgmanifest.Marshal(m)

	digest := sha256.Sum256(manifestBytes)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	trailer := &sign.Trailer{
		DigestAlgorithm:    pkgmanifest.DigestSHA256,
		SignatureAlgorithm: pkgmanifest.SignatureECDSA,
		Signature:          sig,
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	mw, _ := zw.Create(pkgreader.ManifestEntryName)
	mw.Write(manifestBytes)

	sw, _ := zw.Create(pkgreader.SignatureEntryName)
	sw.Write(trailer.Encode())

	for name, data := range files {
		w, _ := zw.Create(name)
		w.Write(data)
	}
	zw.Close()
	return buf.Bytes()
}

func TestDriverRunAppliesSinglePartition(t *testing.T) {
	t.Log("Testing the updater driver end to end on one partition with a single new-data write")

	cert, key := selfSignedECDSACert(t)

	newData := bytes.Repeat([]byte{0x9A}, 4096)
	transferScript := "1\n1\nnew 2,0,1\n"

	listSum := sha256.Sum256([]byte(transferScript))
	newSum := sha256.Sum256(newData)

	entries := []pkgmanifest.ComponentEntry{
		{Identity: "system.transfer.list", Type: pkgmanifest.ComponentTransferList, Digest: listSum[:]},
		{Identity: "system.new.dat", Type: pkgmanifest.ComponentRawImage, Digest: newSum[:]},
	}
	files := map[string][]byte{
		"system.transfer.list": []byte(transferScript),
		"system.new.dat":       newData,
	}
	pkgBytes := buildSignedPackage(t, key, entries, files)

	r, err := pkgreader.Open(bytes.NewReader(pkgBytes), int64(len(pkgBytes)))
	if err != nil {
		t.Fatal(err)
	}

	journalPath := filepath.Join(t.TempDir(), "misc")
	if err := os.WriteFile(journalPath, make([]byte, 64*1024), 0o644); err != nil {
		t.Fatal(err)
	}
	journal := partitionrecord.New(journalPath, 4096)

	target := newMemTarget(1)
	progress := make(chan updater.ProgressEvent, 16)

	d := &updater.Driver{
		Package:  r,
		Trust:    sign.StaticTrustStore{cert},
		Journal:  journal,
		StashDir: t.TempDir(),
		Progress: progress,
		OpenTarget: func(partition string) (transferlist.Target, error) {
			return target, nil
		},
	}

	if err := d.Run(); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(target.data, newData) {
		t.Fatal("target did not receive the expected new data")
	}

	done, err := journal.IsDone("system")
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected system partition to be marked done")
	}
}

func TestDriverSkipsAlreadyDonePartition(t *testing.T) {
	t.Log("Testing the driver skips a partition already recorded done in the journal")

	cert, key := selfSignedECDSACert(t)

	transferScript := "1\n1\nnew 2,0,1\n"
	listSum := sha256.Sum256([]byte(transferScript))
	newData := bytes.Repeat([]byte{0x11}, 4096)
	newSum := sha256.Sum256(newData)

	entries := []pkgmanifest.ComponentEntry{
		{Identity: "boot.transfer.list", Type: pkgmanifest.ComponentTransferList, Digest: listSum[:]},
		{Identity: "boot.new.dat", Type: pkgmanifest.ComponentRawImage, Digest: newSum[:]},
	}
	files := map[string][]byte{
		"boot.transfer.list": []byte(transferScript),
		"boot.new.dat":       newData,
	}
	pkgBytes := buildSignedPackage(t, key, entries, files)

	r, err := pkgreader.Open(bytes.NewReader(pkgBytes), int64(len(pkgBytes)))
	if err != nil {
		t.Fatal(err)
	}

	journalPath := filepath.Join(t.TempDir(), "misc")
	if err := os.WriteFile(journalPath, make([]byte, 64*1024), 0o644); err != nil {
		t.Fatal(err)
	}
	journal := partitionrecord.New(journalPath, 4096)
	if err := journal.MarkDone("boot", true); err != nil {
		t.Fatal(err)
	}

	target := newMemTarget(1)
	calls := 0
	d := &updater.Driver{
		Package: r,
		Trust:   sign.StaticTrustStore{cert},
		Journal: journal,
		OpenTarget: func(partition string) (transferlist.Target, error) {
			calls++
			return target, nil
		},
	}

	if err := d.Run(); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatalf("expected OpenTarget not to be called for an already-done partition, got %d calls", calls)
	}
}
