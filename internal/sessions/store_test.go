package sessions

import (
	"errors"
	"testing"

	"patent-backend/internal/gemini"
)

func TestCreateAndGetReturnsSnapshot(t *testing.T) {
	store := NewStore()
	created := store.Create(Session{
		ID:        "sess-1",
		FileName:  "patent.pdf",
		PageCount: 3,
		PageKeys:  []string{"a/pages/0.jpg", "a/pages/1.jpg", "a/pages/2.jpg"},
	})
	if created.Generation != 1 {
		t.Fatalf("Generation = %d, want 1", created.Generation)
	}

	got, err := store.Get("sess-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FileName != "patent.pdf" || got.PageCount != 3 {
		t.Fatalf("unexpected session: %+v", got)
	}

	// Mutating the snapshot must not leak into the store.
	got.PageKeys[0] = "tampered"
	again, _ := store.Get("sess-1")
	if again.PageKeys[0] != "a/pages/0.jpg" {
		t.Error("snapshot mutation leaked into store")
	}
}

func TestGetUnknownSessionIsNotFound(t *testing.T) {
	store := NewStore()
	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPatchAppliesUnderMatchingGeneration(t *testing.T) {
	store := NewStore()
	store.Create(Session{ID: "sess-1"})

	err := store.Patch("sess-1", 1, func(s *Session) {
		s.Analysis = &gemini.StructuralAnalysis{Title: "Improved Widget"}
		s.IsAnalyzing = false
	})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	got, _ := store.Get("sess-1")
	if got.Analysis == nil || got.Analysis.Title != "Improved Widget" {
		t.Fatalf("analysis not applied: %+v", got.Analysis)
	}
}

func TestRenewDiscardsInFlightPatches(t *testing.T) {
	store := NewStore()
	created := store.Create(Session{ID: "sess-1", FileName: "old.pdf"})

	renewed, err := store.Renew("sess-1", Session{FileName: "new.pdf", PageCount: 5})
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if renewed.Generation != 2 {
		t.Fatalf("Generation = %d, want 2", renewed.Generation)
	}
	if renewed.FileName != "new.pdf" {
		t.Fatalf("FileName = %q", renewed.FileName)
	}

	// A patch carrying the pre-renewal generation must be rejected.
	err = store.Patch("sess-1", created.Generation, func(s *Session) {
		s.LastError = "late result from old upload"
	})
	if !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("err = %v, want ErrStaleGeneration", err)
	}

	got, _ := store.Get("sess-1")
	if got.LastError != "" {
		t.Error("stale patch was applied")
	}
}

func TestRenewUnknownSessionIsNotFound(t *testing.T) {
	store := NewStore()
	if _, err := store.Renew("nope", Session{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
