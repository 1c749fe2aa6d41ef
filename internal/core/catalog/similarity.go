package catalog

// Similarity scores how close two normalized item texts are, in
// [0, 1]. It takes the stronger of an edit-distance ratio and a
// character trigram overlap: the former rewards near-identical
// strings, the latter tolerates reordered or truncated tokens common
// in receipt abbreviations.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	lev := levenshteinRatio(a, b)
	tri := trigramJaccard(a, b)
	if tri > lev {
		return tri
	}
	return lev
}

func levenshteinRatio(a, b string) float64 {
	ra := []rune(a)
	rb := []rune(b)
	dist := levenshtein(ra, rb)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	return 1.0 - float64(dist)/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func trigramJaccard(a, b string) float64 {
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	intersection := 0
	for g := range ta {
		if _, ok := tb[g]; ok {
			intersection++
		}
	}

	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func trigrams(s string) map[string]struct{} {
	runes := []rune("  " + s + " ")
	grams := make(map[string]struct{})
	for i := 0; i+3 <= len(runes); i++ {
		grams[string(runes[i:i+3])] = struct{}{}
	}
	return grams
}
