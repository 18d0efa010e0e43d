package version

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ComparisonResult is one recorded baseline-vs-shadow comparison.
type ComparisonResult struct {
	ID         int64     `db:"id" json:"id"`
	AgentID    string    `db:"agent_id" json:"agent_id"`
	RunID      string    `db:"run_id" json:"run_id"`
	Similarity float64   `db:"similarity" json:"similarity"`
	Passed     bool      `db:"passed" json:"passed"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Comparator scores output similarity and records the verdicts used by
// the divergence monitor.
type Comparator struct {
	db        *sqlx.DB
	threshold float64
	now       func() time.Time
}

// NewComparator creates a comparator; outputs at or above threshold
// similarity pass.
func NewComparator(db *sqlx.DB, threshold float64) *Comparator {
	return &Comparator{db: db, threshold: threshold, now: time.Now}
}

// Compare scores the two outputs and persists the result.
func (c *Comparator) Compare(ctx context.Context, agentID, runID, baseline, shadow string) (*ComparisonResult, error) {
	result := &ComparisonResult{
		AgentID:    agentID,
		RunID:      runID,
		Similarity: Similarity(baseline, shadow),
		CreatedAt:  c.now().UTC(),
	}
	result.Passed = result.Similarity >= c.threshold

	res, err := c.db.ExecContext(ctx, `
		INSERT INTO comparison_results (agent_id, run_id, similarity, passed, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		result.AgentID, result.RunID, result.Similarity, result.Passed, result.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("version: record comparison: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		result.ID = id
	}
	return result, nil
}

// Recent returns the agent's last n comparisons, newest first.
func (c *Comparator) Recent(ctx context.Context, agentID string, n int) ([]ComparisonResult, error) {
	var out []ComparisonResult
	err := c.db.SelectContext(ctx, &out, `
		SELECT id, agent_id, run_id, similarity, passed, created_at
		FROM comparison_results WHERE agent_id = ?
		ORDER BY id DESC LIMIT ?`, agentID, n)
	if err != nil {
		return nil, fmt.Errorf("version: recent comparisons: %w", err)
	}
	return out, nil
}

// Similarity scores two strings in [0, 1] as 2*M/T, where M is the total
// length of the longest matching blocks and T the combined length. Equal
// strings score 1, disjoint strings 0.
func Similarity(a, b string) float64 {
	ar, br := []rune(a), []rune(b)
	total := len(ar) + len(br)
	if total == 0 {
		return 1.0
	}
	return 2 * float64(matchTotal(ar, br)) / float64(total)
}

// matchTotal sums matching-block lengths: find the longest common block,
// then recurse on the pieces to its left and right.
func matchTotal(a, b []rune) int {
	type span struct{ alo, ahi, blo, bhi int }
	stack := []span{{0, len(a), 0, len(b)}}
	total := 0
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		i, j, k := longestMatch(a, b, s.alo, s.ahi, s.blo, s.bhi)
		if k == 0 {
			continue
		}
		total += k
		stack = append(stack,
			span{s.alo, i, s.blo, j},
			span{i + k, s.ahi, j + k, s.bhi})
	}
	return total
}

// longestMatch finds the longest block a[i:i+k] == b[j:j+k] within the
// given bounds, preferring the earliest match on ties.
func longestMatch(a, b []rune, alo, ahi, blo, bhi int) (besti, bestj, bestk int) {
	b2j := make(map[rune][]int, bhi-blo)
	for j := blo; j < bhi; j++ {
		b2j[b[j]] = append(b2j[b[j]], j)
	}
	besti, bestj = alo, blo
	j2len := make(map[int]int)
	for i := alo; i < ahi; i++ {
		newj2len := make(map[int]int)
		for _, j := range b2j[a[i]] {
			k := j2len[j-1] + 1
			newj2len[j] = k
			if k > bestk {
				besti, bestj, bestk = i-k+1, j-k+1, k
			}
		}
		j2len = newj2len
	}
	return besti, bestj, bestk
}
