package cache

// Evaluator turns raw index similarity into an accept/reject decision for a
// tier. Cosine similarity is the primary signal. Candidates that land just
// below the threshold get one lexical check: near-identical text (trivial
// rewording, stray token) is accepted even when the embedding fell short.
// The lexical check only ever widens acceptance.
type Evaluator struct {
	// rescueBand is how far below the threshold the lexical check applies.
	rescueBand float32
	// rescueMin is the minimum normalized edit similarity for a rescue.
	rescueMin float64
}

// NewEvaluator builds an Evaluator; band 0.05 and min 0.95 are the defaults
// used by DefaultConfig.
func NewEvaluator(rescueBand float32, rescueMin float64) *Evaluator {
	return &Evaluator{rescueBand: rescueBand, rescueMin: rescueMin}
}

// Verdict is the outcome of evaluating one candidate.
type Verdict struct {
	Accepted   bool
	Similarity float32
	// Rescued marks acceptances that came from the lexical check rather than
	// the cosine threshold.
	Rescued bool
}

// Evaluate scores one candidate against the tier threshold. queryText and
// candidateText must both be normalized.
func (e *Evaluator) Evaluate(threshold, similarity float32, queryText, candidateText string) Verdict {
	if similarity >= threshold {
		return Verdict{Accepted: true, Similarity: similarity}
	}
	if similarity >= threshold-e.rescueBand {
		if lexicalSimilarity(queryText, candidateText) > e.rescueMin {
			return Verdict{Accepted: true, Similarity: similarity, Rescued: true}
		}
	}
	return Verdict{Similarity: similarity}
}

// lexicalSimilarity is 1 - editDistance/maxLen over runes, in [0, 1].
func lexicalSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(editDistance(ra, rb))/float64(longest)
}

// editDistance is Levenshtein with two rolling rows.
func editDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
