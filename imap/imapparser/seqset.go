package imapparser

import "sort"

// Expand produces the ordered, de-duplicated expansion of seqs, resolving
// '*' (represented as 0) to max and bounding every value to [min, max].
//
// Ranges that fall entirely outside [min, max] contribute nothing. A
// reversed range (Min > Max, which can happen once '*' is resolved) is
// normalized before expansion. The result is always sorted ascending with
// no duplicates, matching the set intersection described in spec §8
// property 5: expand(seq_set) ∩ [min, max].
func Expand(seqs []SeqRange, min, max uint32) []uint32 {
	if max == 0 {
		return nil
	}
	if min == 0 {
		min = 1
	}

	seen := make(map[uint32]bool)
	var out []uint32
	for _, r := range seqs {
		lo, hi := r.Min, r.Max
		if lo == 0 {
			lo = max
		}
		if hi == 0 {
			hi = max
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if lo < min {
			lo = min
		}
		if hi > max {
			hi = max
		}
		for v := lo; v <= hi && v >= lo; v++ {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
			if v == max {
				// avoid uint32 overflow wraparound when hi == ^uint32(0)
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Normalize sorts seqs's ranges by Min and fixes any reversed range
// (Min > Max) in place, without merging overlapping ranges.
func Normalize(seqs []SeqRange) []SeqRange {
	out := make([]SeqRange, len(seqs))
	for i, r := range seqs {
		if r.Min > r.Max && r.Max != 0 {
			r.Min, r.Max = r.Max, r.Min
		}
		out[i] = r
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Min < out[j].Min })
	return out
}

// IsUnbounded reports whether seqs contains a '*' endpoint (represented
// as 0 in either Min or Max of any range).
func IsUnbounded(seqs []SeqRange) bool {
	for _, r := range seqs {
		if r.Min == 0 || r.Max == 0 {
			return true
		}
	}
	return false
}
