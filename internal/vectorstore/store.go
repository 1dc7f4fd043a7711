// Package vectorstore persists embedded content per tenant and answers
// similarity queries ranked by time-weighted cosine similarity.
package vectorstore

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"
)

// ErrInvalidTenant is returned when a tenant id is not a UUID.
var ErrInvalidTenant = errors.New("tenant id must be a UUID")

// Chunk is one unit of content to embed and store.
type Chunk struct {
	Content   string
	ChannelID string
	MessageTS string
	ThreadTS  string
	// CreatedAt defaults to the time of storage when zero.
	CreatedAt time.Time
}

// Store is implemented by every vector backend.
type Store interface {
	// Store embeds all chunks in a single batch and persists them. Empty input
	// returns 0 without touching the embedder.
	Store(ctx context.Context, tenantID string, chunks []Chunk) (int, error)
	// Search returns up to k contents whose similarity exceeds threshold,
	// ordered by similarity * TimeWeight. Failures are logged and yield nil.
	Search(ctx context.Context, tenantID, query string, k int, threshold float64) []string
}

// Candidate is a stored row considered for ranking.
type Candidate struct {
	Content    string
	Similarity float64
	CreatedAt  time.Time
}

// Hit is a ranked search result.
type Hit struct {
	Content    string
	Similarity float64
	Score      float64
}

// TimeWeight is the recency factor 1 / (1 + 0.1 * ln(age_days + 1)).
// Negative ages (clock skew) count as zero.
func TimeWeight(age time.Duration) float64 {
	days := age.Hours() / 24
	if days < 0 {
		days = 0
	}
	return 1 / (1 + 0.1*math.Log(days+1))
}

// Rank keeps candidates with similarity strictly above threshold, scores them
// by similarity times recency weight and returns the top k by score.
func Rank(candidates []Candidate, now time.Time, k int, threshold float64) []Hit {
	if k <= 0 {
		return nil
	}

	hits := make([]Hit, 0, len(candidates))
	for _, c := range candidates {
		if c.Similarity <= threshold {
			continue
		}
		hits = append(hits, Hit{
			Content:    c.Content,
			Similarity: c.Similarity,
			Score:      c.Similarity * TimeWeight(now.Sub(c.CreatedAt)),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func contents(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Content
	}
	return out
}
