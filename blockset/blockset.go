// Package blockset implements the ordered, non-overlapping collection
// of block ranges used to address a partition. Everything here is pure
// and cheap; there is no I/O.
package blockset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/affggh/otaupdate/errs"
)

// Range is a half-open [Start, End) span of block indices.
type Range struct {
	Start int64
	End   int64
}

func (r Range) len() int64 { return r.End - r.Start }

// Set is a sorted, non-overlapping sequence of Ranges over one partition.
type Set struct {
	ranges []Range
}

// New builds a Set from raw (start, end) pairs, validating and normalizing
// the ascending-order invariant. A pair with end <= start is rejected.
func New(pairs ...[2]int64) (*Set, error) {
	ranges := make([]Range, 0, len(pairs))
	for _, p := range pairs {
		if p[1] <= p[0] {
			return nil, errs.New(errs.InvalidRange, fmt.Sprintf("range [%d,%d) has end <= start", p[0], p[1]))
		}
		ranges = append(ranges, Range{Start: p[0], End: p[1]})
	}
	for i := 1; i < len(ranges); i++ {
		if ranges[i].Start < ranges[i-1].End {
			return nil, errs.New(errs.InvalidRange, "ranges are not sorted and non-overlapping")
		}
	}
	return &Set{ranges: ranges}, nil
}

// fromRanges wraps already-validated Ranges without re-checking order; used
// internally by Subset and Concat where the invariant is preserved by
// construction.
func fromRanges(ranges []Range) *Set {
	return &Set{ranges: ranges}
}

// Count returns the number of disjoint ranges.
func (s *Set) Count() int { return len(s.ranges) }

// Size returns the total number of blocks covered, Σ(end-start).
func (s *Set) Size() int64 {
	var total int64
	for _, r := range s.ranges {
		total += r.len()
	}
	return total
}

// Ranges returns the underlying ranges in order. Callers must not mutate
// the returned slice.
func (s *Set) Ranges() []Range { return s.ranges }

// Overlaps reports whether s and other share any block, via a two-pointer
// merge of both sorted range lists.
func (s *Set) Overlaps(other *Set) bool {
	i, j := 0, 0
	for i < len(s.ranges) && j < len(other.ranges) {
		a, b := s.ranges[i], other.ranges[j]
		if a.Start < b.End && b.Start < a.End {
			return true
		}
		if a.End <= b.End {
			i++
		} else {
			j++
		}
	}
	return false
}

// Iterate calls fn with every block index in order, stopping early if fn
// returns false.
func (s *Set) Iterate(fn func(block int64) bool) {
	for _, r := range s.ranges {
		for b := r.Start; b < r.End; b++ {
			if !fn(b) {
				return
			}
		}
	}
}

// Subset returns the Set covering the k blocks starting at the firstN-th
// block of s (0-indexed), splitting a range if the boundary falls inside
// one. firstN+k must not exceed s.Size().
func (s *Set) Subset(firstN, k int64) (*Set, error) {
	if firstN < 0 || k < 0 || firstN+k > s.Size() {
		return nil, errs.New(errs.InvalidRange, "subset bounds exceed set size")
	}
	out := make([]Range, 0, len(s.ranges))
	var seen int64
	remaining := k
	for _, r := range s.ranges {
		rlen := r.len()
		if seen+rlen <= firstN {
			seen += rlen
			continue
		}
		if remaining == 0 {
			break
		}
		// offset into this range where the subset begins
		start := r.Start
		if seen < firstN {
			start = r.Start + (firstN - seen)
		}
		avail := r.End - start
		take := avail
		if take > remaining {
			take = remaining
		}
		out = append(out, Range{Start: start, End: start + take})
		remaining -= take
		seen += rlen
	}
	return fromRanges(out), nil
}

// Equal reports structural equality: same ranges, in the same order.
func (s *Set) Equal(other *Set) bool {
	if len(s.ranges) != len(other.ranges) {
		return false
	}
	for i := range s.ranges {
		if s.ranges[i] != other.ranges[i] {
			return false
		}
	}
	return true
}

// Concat appends other's ranges after s's, merging a's trailing range
// with b's leading range when they touch (a.End == b.Start) so the
// result stays structurally equal to the set a Subset split came from;
// used by tests to check the Subset split/rejoin invariant.
func Concat(a, b *Set) *Set {
	out := make([]Range, 0, len(a.ranges)+len(b.ranges))
	out = append(out, a.ranges...)
	for _, r := range b.ranges {
		if n := len(out); n > 0 && out[n-1].End == r.Start {
			out[n-1].End = r.End
			continue
		}
		out = append(out, r)
	}
	return fromRanges(out)
}

// Parse reads the transfer-list wire form "<2n>,<start1>,<end1>,...": a
// leading count of integers followed by that many comma-separated values.
func Parse(field string) (*Set, error) {
	parts := strings.Split(field, ",")
	if len(parts) < 1 {
		return nil, errs.New(errs.ProgramInvalid, "empty block set field")
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n%2 != 0 {
		return nil, errs.Wrap(errs.ProgramInvalid, "bad block set count", err)
	}
	if len(parts) != n+1 {
		return nil, errs.New(errs.ProgramInvalid, "block set count does not match field list")
	}
	pairs := make([][2]int64, 0, n/2)
	for i := 0; i < n; i += 2 {
		start, err := strconv.ParseInt(parts[i+1], 10, 64)
		if err != nil {
			return nil, errs.Wrap(errs.ProgramInvalid, "bad block set start", err)
		}
		end, err := strconv.ParseInt(parts[i+2], 10, 64)
		if err != nil {
			return nil, errs.Wrap(errs.ProgramInvalid, "bad block set end", err)
		}
		pairs = append(pairs, [2]int64{start, end})
	}
	return New(pairs...)
}

// String renders the set the way transfer-list text commands do:
// "<count>,<start1>,<end1>,<start2>,<end2>,...", the form Parse reads.
func (s *Set) String() string {
	out := fmt.Sprintf("%d", len(s.ranges)*2)
	for _, r := range s.ranges {
		out += fmt.Sprintf(",%d,%d", r.Start, r.End)
	}
	return out
}
