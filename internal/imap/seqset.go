package imap

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// seqAtom is one comma-separated element of a sequence set: a single
// value, a range, or either bound as "*" (the highest value in scope).
type seqAtom struct {
	startStar bool
	start     uint32
	isRange   bool
	endStar   bool
	end       uint32
}

// parseSequenceSet parses a comma-separated sequence set whose atoms are
// N, N:M, *, or N:*, with '*' standing for the last UID in the folder
// (or the last sequence number).
func parseSequenceSet(raw string) ([]seqAtom, error) {
	if raw == "" {
		return nil, fmt.Errorf("imap: empty sequence set")
	}
	parts := strings.Split(raw, ",")
	atoms := make([]seqAtom, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if idx := strings.IndexByte(p, ':'); idx >= 0 {
			left, right := p[:idx], p[idx+1:]
			a := seqAtom{isRange: true}
			if left == "*" {
				a.startStar = true
			} else {
				v, err := strconv.ParseUint(left, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("imap: bad sequence atom %q: %w", p, err)
				}
				a.start = uint32(v)
			}
			if right == "*" {
				a.endStar = true
			} else {
				v, err := strconv.ParseUint(right, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("imap: bad sequence atom %q: %w", p, err)
				}
				a.end = uint32(v)
			}
			atoms = append(atoms, a)
			continue
		}
		if p == "*" {
			atoms = append(atoms, seqAtom{startStar: true})
			continue
		}
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("imap: bad sequence atom %q: %w", p, err)
		}
		atoms = append(atoms, seqAtom{start: uint32(v)})
	}
	return atoms, nil
}

// ResolveSequenceSet materialises a sequence-set string into a
// deduplicated, ascending list of UIDs, resolved against vector (the
// session's ordered UID list). When useUID is false, the atoms are
// sequence numbers (1-based positions into vector) rather than UIDs.
func ResolveSequenceSet(raw string, vector []uint32, useUID bool) ([]uint32, error) {
	atoms, err := parseSequenceSet(raw)
	if err != nil {
		return nil, err
	}

	var maxVal uint32
	if useUID {
		if len(vector) > 0 {
			maxVal = vector[len(vector)-1]
		}
	} else {
		maxVal = uint32(len(vector))
	}

	seen := make(map[uint32]struct{})
	var out []uint32

	addUID := func(uid uint32) {
		if _, ok := seen[uid]; ok {
			return
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}

	for _, a := range atoms {
		start := a.start
		if a.startStar {
			start = maxVal
		}
		end := start
		if a.isRange {
			end = a.end
			if a.endStar {
				end = maxVal
			}
			if start > end {
				start, end = end, start
			}
		}

		if useUID {
			for _, uid := range vector {
				if uid >= start && uid <= end {
					addUID(uid)
				}
			}
		} else {
			for seq := start; seq <= end; seq++ {
				if seq >= 1 && int(seq) <= len(vector) {
					addUID(vector[seq-1])
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
