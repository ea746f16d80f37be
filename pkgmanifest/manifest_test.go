package pkgmanifest_test

import (
	"testing"

	"github.com/affggh/otaupdate/pkgmanifest"
	"github.com/google/go-cmp/cmp"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	t.Log("Testing manifest protobuf wire round trip")

	want := &pkgmanifest.Manifest{
		SoftwareVersion:    "1.2.3",
		ProductID:          "widget",
		CreationDateTime:   "2026-07-31T00:00:00Z",
		FileVersion:        "1",
		DigestAlgorithm:    pkgmanifest.DigestSHA256,
		SignatureAlgorithm: pkgmanifest.SignatureECDSA,
		Format:             pkgmanifest.FormatZip,
		Entries: []pkgmanifest.ComponentEntry{
			{
				Identity:         "system.img",
				Type:             pkgmanifest.ComponentRawImage,
				PackedSize:       1024,
				UncompressedSize: 4096,
				Digest:           make([]byte, 32),
				Version:          "v1",
			},
			{
				Identity:   "updater",
				Type:       pkgmanifest.ComponentUpdaterProgram,
				PackedSize: 512,
				Digest:     make([]byte, 32),
			},
		},
	}

	b := pkgmanifest.Marshal(want)
	got, err := pkgmanifest.Unmarshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestByIdentity(t *testing.T) {
	t.Log("Testing manifest entry lookup by identity")

	m := &pkgmanifest.Manifest{Entries: []pkgmanifest.ComponentEntry{
		{Identity: "boot.img"},
		{Identity: "transfer.list"},
	}}

	e, err := m.ByIdentity("transfer.list")
	if err != nil {
		t.Fatal(err)
	}
	if e.Identity != "transfer.list" {
		t.Fatalf("got %q", e.Identity)
	}

	if _, err := m.ByIdentity("missing"); err == nil {
		t.Fatal("expected error for missing entry")
	}
}
