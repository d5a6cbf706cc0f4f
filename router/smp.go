package router

import (
	"sort"

	"github.com/rohanthewiz/serr"
)

// CmpFunc ranks two candidates b1, b2 from the perspective of a:
// negative when b1 is preferred, positive when b2 is preferred.
type CmpFunc func(a, b1, b2 string) int

// Match solves the stable-marriage pairing between candidate sets A
// and B using each side's comparison function. Unequal sets are
// reduced to the most-preferred subset before matching; an
// irreducible asymmetric set is an error.
func Match(a, b []string, acmp, bcmp CmpFunc) ([][2]string, error) {
	a = dedupe(a)
	b = dedupe(b)
	if len(a) == 0 || len(b) == 0 {
		return nil, nil
	}
	if len(a) == len(b) {
		return matchEqual(a, b, acmp, bcmp), nil
	}
	if len(a) > len(b) {
		pairs, err := Match(b, a, bcmp, acmp)
		if err != nil {
			return nil, err
		}
		for i := range pairs {
			pairs[i][0], pairs[i][1] = pairs[i][1], pairs[i][0]
		}
		return pairs, nil
	}

	// Fewer sources than targets: walk each source's ranking until the
	// union of top choices covers a subset of B the same size as A.
	rank := make(map[string][]string, len(a))
	for _, src := range a {
		sorted := append([]string(nil), b...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return acmp(src, sorted[i], sorted[j]) < 0
		})
		rank[src] = sorted
	}

	chosen := map[string]bool{}
	for idx := 0; idx < len(b); idx++ {
		for _, src := range a {
			chosen[rank[src][idx]] = true
		}
		if len(chosen) < len(a) {
			continue
		}
		if len(chosen) == len(a) {
			subset := make([]string, 0, len(chosen))
			for _, tgt := range b {
				if chosen[tgt] {
					subset = append(subset, tgt)
				}
			}
			return matchEqual(a, subset, acmp, bcmp), nil
		}
		return nil, serr.New("could not reduce stable-match candidate set")
	}
	return nil, serr.New("could not reduce stable-match candidate set")
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// matchEqual runs Gale-Shapley over equal-size sets. rankA[i] is A[i]'s
// preference order over B indices, best first.
func matchEqual(a, b []string, acmp, bcmp CmpFunc) [][2]string {
	n := len(a)
	rankA := make([][]int, n)
	rankB := make([][]int, n)
	for i := 0; i < n; i++ {
		ia, ib := i, i
		ra := indexOrder(n)
		sort.SliceStable(ra, func(x, y int) bool {
			return acmp(a[ia], b[ra[x]], b[ra[y]]) < 0
		})
		rankA[ia] = ra
		rb := indexOrder(n)
		sort.SliceStable(rb, func(x, y int) bool {
			return bcmp(b[ib], a[rb[x]], a[rb[y]]) < 0
		})
		rankB[ib] = rb
	}

	// partner[ia] = (B index, rank position within rankA[ia])
	partner := make([]int, n)
	partnerRank := make([]int, n)
	for ia := 0; ia < n; ia++ {
		partner[ia] = rankA[ia][0]
	}

	stable := false
	for !stable {
		stable = true
		for ib := 0; ib < n; ib++ {
			paired := false
			for pos := 0; pos < n; pos++ {
				ia := rankB[ib][pos]
				if partner[ia] != ib {
					continue
				}
				if paired {
					// A lower-ranked suitor also claims ib; push it down
					// its own preference list.
					stable = false
					partnerRank[ia]++
					partner[ia] = rankA[ia][partnerRank[ia]]
				} else {
					paired = true
				}
			}
		}
	}

	pairs := make([][2]string, 0, n)
	for ia := 0; ia < n; ia++ {
		pairs = append(pairs, [2]string{a[ia], b[partner[ia]]})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	return pairs
}

func indexOrder(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
