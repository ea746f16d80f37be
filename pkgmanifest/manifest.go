// Package pkgmanifest defines the package-level manifest as a protobuf
// message. There is no protoc step in this build, so the wire format is
// produced and consumed directly with google.golang.org/protobuf's
// low-level protowire package: same wire compatibility as a generated
// file, without carrying one.
package pkgmanifest

import (
	"fmt"

	"github.com/affggh/otaupdate/errs"
	"google.golang.org/protobuf/encoding/protowire"
)

// ComponentType enumerates the kinds of package entries.
type ComponentType int32

const (
	ComponentRawImage ComponentType = iota
	ComponentPatchBlob
	ComponentTransferList
	ComponentUpdaterProgram
	ComponentScript
	ComponentResource
)

// DigestAlgorithm and SignatureAlgorithm enumerate the header's crypto
// choices.
type DigestAlgorithm int32

const (
	DigestSHA256 DigestAlgorithm = iota
	DigestSHA384
)

type SignatureAlgorithm int32

const (
	SignatureRSA SignatureAlgorithm = iota
	SignatureECDSA
)

// PackageFormat enumerates the container framing.
type PackageFormat int32

const (
	FormatUpgrade PackageFormat = iota
	FormatZip
	FormatLZ4
	FormatGzip
)

// ComponentEntry is one manifest row.
type ComponentEntry struct {
	Identity         string
	Type             ComponentType
	PackedSize       uint64
	UncompressedSize uint64
	Digest           []byte // 32 bytes for sha-256, 48 for sha-384
	Version          string
	Flags            uint32
	ResourceType     uint32
}

// Manifest is the full package-level manifest.
type Manifest struct {
	SoftwareVersion    string
	ProductID          string
	CreationDateTime   string
	FileVersion        string
	DigestAlgorithm    DigestAlgorithm
	SignatureAlgorithm SignatureAlgorithm
	Format             PackageFormat
	Entries            []ComponentEntry
}

// protobuf field numbers for ComponentEntry.
const (
	feIdentity = 1
	feType     = 2
	fePacked   = 3
	feUnpacked = 4
	feDigest   = 5
	feVersion  = 6
	feFlags    = 7
	feResType  = 8
)

// protobuf field numbers for Manifest.
const (
	fmEntries   = 1
	fmSoftware  = 2
	fmProduct   = 3
	fmCreated   = 4
	fmFileVer   = 5
	fmDigestAlg = 6
	fmSigAlg    = 7
	fmFormat    = 8
)

func marshalEntry(e ComponentEntry) []byte {
	var b []byte
	b = protowire.AppendTag(b, feIdentity, protowire.BytesType)
	b = protowire.AppendString(b, e.Identity)
	b = protowire.AppendTag(b, feType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	b = protowire.AppendTag(b, fePacked, protowire.VarintType)
	b = protowire.AppendVarint(b, e.PackedSize)
	b = protowire.AppendTag(b, feUnpacked, protowire.VarintType)
	b = protowire.AppendVarint(b, e.UncompressedSize)
	b = protowire.AppendTag(b, feDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Digest)
	b = protowire.AppendTag(b, feVersion, protowire.BytesType)
	b = protowire.AppendString(b, e.Version)
	b = protowire.AppendTag(b, feFlags, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Flags))
	b = protowire.AppendTag(b, feResType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.ResourceType))
	return b
}

func unmarshalEntry(b []byte) (ComponentEntry, error) {
	var e ComponentEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, errs.New(errs.BadPackage, "bad manifest entry tag")
		}
		b = b[n:]
		switch num {
		case feIdentity:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, errs.New(errs.BadPackage, "bad manifest entry identity")
			}
			e.Identity = string(v)
			b = b[n:]
		case feType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, errs.New(errs.BadPackage, "bad manifest entry type")
			}
			e.Type = ComponentType(v)
			b = b[n:]
		case fePacked:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, errs.New(errs.BadPackage, "bad manifest entry packed size")
			}
			e.PackedSize = v
			b = b[n:]
		case feUnpacked:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, errs.New(errs.BadPackage, "bad manifest entry unpacked size")
			}
			e.UncompressedSize = v
			b = b[n:]
		case feDigest:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, errs.New(errs.BadPackage, "bad manifest entry digest")
			}
			e.Digest = append([]byte(nil), v...)
			b = b[n:]
		case feVersion:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, errs.New(errs.BadPackage, "bad manifest entry version")
			}
			e.Version = string(v)
			b = b[n:]
		case feFlags:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, errs.New(errs.BadPackage, "bad manifest entry flags")
			}
			e.Flags = uint32(v)
			b = b[n:]
		case feResType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, errs.New(errs.BadPackage, "bad manifest entry resource type")
			}
			e.ResourceType = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, errs.New(errs.BadPackage, "bad manifest entry field")
			}
			b = b[n:]
		}
	}
	return e, nil
}

// Marshal encodes m in protobuf wire format.
func Marshal(m *Manifest) []byte {
	var b []byte
	for _, e := range m.Entries {
		eb := marshalEntry(e)
		b = protowire.AppendTag(b, fmEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, eb)
	}
	b = protowire.AppendTag(b, fmSoftware, protowire.BytesType)
	b = protowire.AppendString(b, m.SoftwareVersion)
	b = protowire.AppendTag(b, fmProduct, protowire.BytesType)
	b = protowire.AppendString(b, m.ProductID)
	b = protowire.AppendTag(b, fmCreated, protowire.BytesType)
	b = protowire.AppendString(b, m.CreationDateTime)
	b = protowire.AppendTag(b, fmFileVer, protowire.BytesType)
	b = protowire.AppendString(b, m.FileVersion)
	b = protowire.AppendTag(b, fmDigestAlg, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.DigestAlgorithm))
	b = protowire.AppendTag(b, fmSigAlg, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SignatureAlgorithm))
	b = protowire.AppendTag(b, fmFormat, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Format))
	return b
}

// Unmarshal decodes a Manifest from protobuf wire format.
func Unmarshal(b []byte) (*Manifest, error) {
	m := &Manifest{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errs.New(errs.BadPackage, "bad manifest tag")
		}
		b = b[n:]
		switch num {
		case fmEntries:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errs.New(errs.BadPackage, "bad manifest entries field")
			}
			e, err := unmarshalEntry(v)
			if err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, e)
			b = b[n:]
		case fmSoftware:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errs.New(errs.BadPackage, "bad software version field")
			}
			m.SoftwareVersion = string(v)
			b = b[n:]
		case fmProduct:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errs.New(errs.BadPackage, "bad product id field")
			}
			m.ProductID = string(v)
			b = b[n:]
		case fmCreated:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errs.New(errs.BadPackage, "bad creation date field")
			}
			m.CreationDateTime = string(v)
			b = b[n:]
		case fmFileVer:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errs.New(errs.BadPackage, "bad file version field")
			}
			m.FileVersion = string(v)
			b = b[n:]
		case fmDigestAlg:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errs.New(errs.BadPackage, "bad digest algorithm field")
			}
			m.DigestAlgorithm = DigestAlgorithm(v)
			b = b[n:]
		case fmSigAlg:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errs.New(errs.BadPackage, "bad signature algorithm field")
			}
			m.SignatureAlgorithm = SignatureAlgorithm(v)
			b = b[n:]
		case fmFormat:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errs.New(errs.BadPackage, "bad package format field")
			}
			m.Format = PackageFormat(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errs.New(errs.BadPackage, "bad manifest field")
			}
			b = b[n:]
		}
	}
	return m, nil
}

// ByIdentity looks up an entry by its identity string.
func (m *Manifest) ByIdentity(id string) (*ComponentEntry, error) {
	for i := range m.Entries {
		if m.Entries[i].Identity == id {
			return &m.Entries[i], nil
		}
	}
	return nil, fmt.Errorf("pkgmanifest: no entry named %q", id)
}
