package knowledge

import (
	"github.com/google/uuid"
)

// EntityType identifies the kind of knowledge entity behind a vector.
type EntityType string

const (
	EntityDecision        EntityType = "decision"
	EntityTranscriptChunk EntityType = "transcript_chunk"
	EntityVideo           EntityType = "video"
	EntityTopic           EntityType = "topic"
	EntityMessage         EntityType = "message"
)

// Vector is one embedding row: one vector per entity per embedding-model
// version. Re-embedding after a model upgrade inserts a new row rather than
// mutating in place, so stale versions can be pruned without blocking reads.
type Vector struct {
	OrganizationID uuid.UUID
	EntityType     EntityType
	EntityID       uuid.UUID
	ModelVersion   string
	Embedding      []float32
	VideoID        uuid.UUID // denormalized filter; zero for non-video-bound entities
	Content        string    // source text, used for snippets and labeling
	StartSeconds   float64   // transcript chunk time range; zero otherwise
	EndSeconds     float64
}

// Candidate is a similarity search hit with its cosine score on a 0-1 scale.
type Candidate struct {
	OrganizationID uuid.UUID  `json:"-"`
	EntityType     EntityType `json:"type"`
	EntityID       uuid.UUID  `json:"id"`
	Score          float64    `json:"score"`
	Snippet        string     `json:"snippet,omitempty"`
	VideoID        uuid.UUID  `json:"videoId,omitempty"`
}

// Query describes a nearest-neighbour search.
//
// Candidates below Threshold are excluded rather than padded in; the boundary
// value itself is included. VideoIDs, when non-empty, restricts transcript
// chunks and decisions to those videos (topics and videos are unaffected).
type Query struct {
	OrganizationID uuid.UUID
	EntityTypes    []EntityType
	Vector         []float32
	VideoIDs       []uuid.UUID
	Limit          int
	Threshold      float64
}
