package knowledge

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
)

var (
	orgA = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")
	orgB = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000000")
)

func entityID(n byte) uuid.UUID { return uuid.UUID{15: n} }

// seed inserts a decision vector with a chosen cosine similarity to the unit
// query vector [1, 0]: embedding [cos, sin] has exactly that similarity.
func seed(t *testing.T, idx *MemoryIndex, org uuid.UUID, id byte, similarity float64) {
	t.Helper()
	angle := math.Acos(similarity)
	err := idx.Upsert(context.Background(), Vector{
		OrganizationID: org,
		EntityType:     EntityDecision,
		EntityID:       entityID(id),
		ModelVersion:   "test-embed-v1",
		Embedding:      []float32{float32(math.Cos(angle)), float32(math.Sin(angle))},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func search(t *testing.T, idx *MemoryIndex, org uuid.UUID, threshold float64) []Candidate {
	t.Helper()
	got, err := idx.Search(context.Background(), Query{
		OrganizationID: org,
		EntityTypes:    []EntityType{EntityDecision},
		Vector:         []float32{1, 0},
		Limit:          10,
		Threshold:      threshold,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	return got
}

func TestSearchThresholdExcludesLowScores(t *testing.T) {
	idx := NewMemoryIndex()
	seed(t, idx, orgA, 1, 0.91)
	seed(t, idx, orgA, 2, 0.72)
	seed(t, idx, orgA, 3, 0.30)

	got := search(t, idx, orgA, 0.7)

	if len(got) != 2 {
		t.Fatalf("Search() returned %d candidates, want 2", len(got))
	}
	if math.Abs(got[0].Score-0.91) > 1e-6 || math.Abs(got[1].Score-0.72) > 1e-6 {
		t.Errorf("scores = [%v, %v], want [0.91, 0.72]", got[0].Score, got[1].Score)
	}
}

func TestSearchThresholdIsInclusive(t *testing.T) {
	idx := NewMemoryIndex()
	// Exactly at the boundary: a vector identical to the query scores 1.0,
	// so use threshold 1.0 to probe inclusivity without float32 angle error.
	err := idx.Upsert(context.Background(), Vector{
		OrganizationID: orgA,
		EntityType:     EntityDecision,
		EntityID:       entityID(1),
		Embedding:      []float32{1, 0},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	seed(t, idx, orgA, 2, 0.699999)

	got := search(t, idx, orgA, 1.0)
	if len(got) != 1 {
		t.Fatalf("boundary candidate excluded: got %d candidates, want 1", len(got))
	}

	got = search(t, idx, orgA, 0.7)
	for _, c := range got {
		if c.Score < 0.7 {
			t.Errorf("candidate %v scored %v, below threshold", c.EntityID, c.Score)
		}
	}
}

func TestSearchOrdersByScoreThenEntityID(t *testing.T) {
	idx := NewMemoryIndex()
	// Insert in reverse id order with equal scores to force the tie-break.
	seed(t, idx, orgA, 3, 0.8)
	seed(t, idx, orgA, 1, 0.8)
	seed(t, idx, orgA, 2, 0.9)

	got := search(t, idx, orgA, 0.5)

	want := []uuid.UUID{entityID(2), entityID(1), entityID(3)}
	if len(got) != len(want) {
		t.Fatalf("Search() returned %d candidates, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].EntityID != id {
			t.Errorf("candidate[%d] = %v, want %v", i, got[i].EntityID, id)
		}
	}
}

func TestSearchNeverCrossesOrganizations(t *testing.T) {
	idx := NewMemoryIndex()
	seed(t, idx, orgA, 1, 0.95)
	seed(t, idx, orgB, 2, 0.95)

	got := search(t, idx, orgA, 0.5)

	if len(got) != 1 {
		t.Fatalf("Search() returned %d candidates, want 1", len(got))
	}
	if got[0].OrganizationID != orgA {
		t.Errorf("candidate organization = %v, want %v", got[0].OrganizationID, orgA)
	}
}

func TestSearchVideoScoping(t *testing.T) {
	idx := NewMemoryIndex()
	videoA := uuid.MustParse("cccccccc-0000-0000-0000-000000000001")
	videoB := uuid.MustParse("cccccccc-0000-0000-0000-000000000002")

	for i, videoID := range []uuid.UUID{videoA, videoB} {
		err := idx.Upsert(context.Background(), Vector{
			OrganizationID: orgA,
			EntityType:     EntityTranscriptChunk,
			EntityID:       entityID(byte(i + 1)),
			VideoID:        videoID,
			Embedding:      []float32{1, 0},
		})
		if err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	// Topics pass through a video filter untouched.
	err := idx.Upsert(context.Background(), Vector{
		OrganizationID: orgA,
		EntityType:     EntityTopic,
		EntityID:       entityID(3),
		Embedding:      []float32{1, 0},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := idx.Search(context.Background(), Query{
		OrganizationID: orgA,
		EntityTypes:    []EntityType{EntityTranscriptChunk, EntityTopic},
		Vector:         []float32{1, 0},
		VideoIDs:       []uuid.UUID{videoA},
		Limit:          10,
		Threshold:      0.5,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("Search() returned %d candidates, want 2", len(got))
	}
	for _, c := range got {
		if c.EntityType == EntityTranscriptChunk && c.VideoID != videoA {
			t.Errorf("chunk from video %v leaked through filter", c.VideoID)
		}
	}
}

func TestSimilarVideosExcludesSelf(t *testing.T) {
	idx := NewMemoryIndex()
	self := entityID(1)
	other := entityID(2)
	far := entityID(3)

	vectors := map[uuid.UUID][]float32{
		self:  {1, 0},
		other: {0.95, 0.3122499}, // ~0.95 similarity to self
		far:   {0, 1},
	}
	for id, emb := range vectors {
		err := idx.Upsert(context.Background(), Vector{
			OrganizationID: orgA,
			EntityType:     EntityVideo,
			EntityID:       id,
			Embedding:      emb,
		})
		if err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	got, err := idx.SimilarVideos(context.Background(), orgA, self, 10, 0)
	if err != nil {
		t.Fatalf("SimilarVideos() error = %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("SimilarVideos() returned %d, want 1", len(got))
	}
	if got[0].EntityID != other {
		t.Errorf("similar video = %v, want %v", got[0].EntityID, other)
	}
}

func TestSimilarVideosUnknownVideo(t *testing.T) {
	idx := NewMemoryIndex()

	_, err := idx.SimilarVideos(context.Background(), orgA, entityID(9), 10, 0)
	if !errors.Is(err, ErrVectorNotFound) {
		t.Errorf("SimilarVideos() error = %v, want ErrVectorNotFound", err)
	}
}

func TestUpsertReplacesExistingVector(t *testing.T) {
	idx := NewMemoryIndex()
	seed(t, idx, orgA, 1, 0.9)
	seed(t, idx, orgA, 1, 0.3) // same entity, re-embedded

	got := search(t, idx, orgA, 0.0)
	if len(got) != 1 {
		t.Fatalf("Search() returned %d candidates after upsert, want 1", len(got))
	}
	if math.Abs(got[0].Score-0.3) > 1e-6 {
		t.Errorf("score = %v, want 0.3 after replacement", got[0].Score)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite clamps to zero", []float32{1, 0}, []float32{-1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"mismatched dims", []float32{1}, []float32{1, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}
