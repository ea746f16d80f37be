package bsdiff

import (
	"bytes"

	"github.com/affggh/otaupdate/errs"
	"github.com/dsnet/compress/bzip2"
)

const scoreThreshold = 8

// Generate produces a BSDIFF40 patch transforming old into newData.
// Phase A builds the suffix array once; Phase B scans newData for the
// longest matches; Phase C compresses the three streams with bzip2 and
// writes the header carrying their lengths ahead of them.
func Generate(old, newData []byte) ([]byte, error) {
	sa := buildSuffixArray(old)

	var control, diff, extra bytes.Buffer

	scan, length := 0, 0
	lastScan, lastPos, lastOffset := 0, 0, 0

	for scan < len(newData) {
		oldScore := 0
		scsc := scan + length
		scan += length

		var pos int32
		for ; scan < len(newData); scan++ {
			length, pos = sa.search(old, newData[scan:], 0, sa.n)

			for ; scsc < scan+length; scsc++ {
				if scsc+lastOffset < len(old) && scsc < len(newData) &&
					old[scsc+lastOffset] == newData[scsc] {
					oldScore++
				}
			}

			if (length == oldScore && length != 0) || length > oldScore+scoreThreshold {
				break
			}

			if scan+lastOffset < len(old) && old[scan+lastOffset] == newData[scan] {
				oldScore--
			}
		}

		if length != oldScore || scan == len(newData) {
			// extend the previous match forward
			s, sf, lenf := 0, 0, 0
			i := 0
			for lastScan+i < scan && lastPos+i < len(old) {
				if old[lastPos+i] == newData[lastScan+i] {
					s++
				}
				i++
				if 2*s-i > 2*sf-lenf {
					sf = s
					lenf = i
				}
			}

			// extend the newData match backward
			lenb := 0
			if scan < len(newData) {
				s, sb := 0, 0
				for i := 1; scan >= lastScan+i && int(pos) >= i; i++ {
					if old[int(pos)-i] == newData[scan-i] {
						s++
					}
					if 2*s-i > 2*sb-lenb {
						sb = s
						lenb = i
					}
				}
			}

			// resolve overlap between the two extensions
			if lastScan+lenf > scan-lenb {
				overlap := (lastScan + lenf) - (scan - lenb)
				s, ss, lens := 0, 0, 0
				for i := 0; i < overlap; i++ {
					if newData[lastScan+lenf-overlap+i] == old[lastPos+lenf-overlap+i] {
						s++
					}
					if newData[scan-lenb+i] == old[int(pos)-lenb+i] {
						s--
					}
					if s > ss {
						ss = s
						lens = i + 1
					}
				}
				lenf += lens - overlap
				lenb -= lens
			}

			diffLen := lenf
			extraLen := (scan - lenb) - (lastScan + lenf)
			oldOffsetDelta := (int(pos) - lenb) - (lastPos + lenf)

			for i := 0; i < diffLen; i++ {
				diff.WriteByte(newData[lastScan+i] - old[lastPos+i])
			}
			for i := 0; i < extraLen; i++ {
				extra.WriteByte(newData[lastScan+diffLen+i])
			}

			var triple [24]byte
			putInt64(triple[0:8], int64(diffLen))
			putInt64(triple[8:16], int64(extraLen))
			putInt64(triple[16:24], int64(oldOffsetDelta))
			control.Write(triple[:])

			lastScan = scan - lenb
			lastPos = int(pos) - lenb
			lastOffset = int(pos) - scan
		}
	}

	compControl, err := bzCompress(control.Bytes())
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "compress control stream", err)
	}
	compDiff, err := bzCompress(diff.Bytes())
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "compress diff stream", err)
	}
	compExtra, err := bzCompress(extra.Bytes())
	if err != nil {
		return nil, errs.Wrap(errs.IOError, "compress extra stream", err)
	}

	hdr := EncodeHeader(Header{
		ControlSize: int64(len(compControl)),
		DiffSize:    int64(len(compDiff)),
		NewSize:     int64(len(newData)),
	})

	out := make([]byte, 0, len(hdr)+len(compControl)+len(compDiff)+len(compExtra))
	out = append(out, hdr...)
	out = append(out, compControl...)
	out = append(out, compDiff...)
	out = append(out, compExtra...)
	return out, nil
}

func bzCompress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, nil)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(p); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
