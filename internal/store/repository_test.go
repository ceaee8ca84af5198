package store

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "steno.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateAndEndSession(t *testing.T) {
	db := openTestDB(t)

	s, err := db.CreateSession("en_US")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if s.Status != SessionActive {
		t.Errorf("status = %s, want active", s.Status)
	}

	active, err := db.ActiveSession()
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if active == nil || active.ID != s.ID {
		t.Fatalf("ActiveSession = %+v, want %s", active, s.ID)
	}

	if err := db.EndSession(s.ID, SessionCompleted); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	active, err = db.ActiveSession()
	if err != nil {
		t.Fatalf("ActiveSession after end: %v", err)
	}
	if active != nil {
		t.Errorf("ActiveSession after end = %+v, want nil", active)
	}

	latest, err := db.LatestSession()
	if err != nil {
		t.Fatalf("LatestSession: %v", err)
	}
	if latest == nil || latest.ID != s.ID || latest.Status != SessionCompleted {
		t.Errorf("LatestSession = %+v, want completed %s", latest, s.ID)
	}
}

func TestAppendSegmentSequencingAndUniqueViolation(t *testing.T) {
	db := openTestDB(t)
	s, err := db.CreateSession("en_US")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for i := 1; i <= 3; i++ {
		seg := Segment{
			SessionID:      s.ID,
			Text:           "hello",
			StartedAt:      float64(i),
			EndedAt:        float64(i) + 0.5,
			SequenceNumber: i,
			Source:         SourceMicrophone,
		}
		if err := db.AppendSegment(seg); err != nil {
			t.Fatalf("AppendSegment(%d): %v", i, err)
		}
	}

	segs, err := db.SegmentsFor(s.ID)
	if err != nil {
		t.Fatalf("SegmentsFor: %v", err)
	}
	if len(segs) != 3 {
		t.Fatalf("len(segs) = %d, want 3", len(segs))
	}
	for i, seg := range segs {
		if seg.SequenceNumber != i+1 {
			t.Errorf("segs[%d].SequenceNumber = %d, want %d", i, seg.SequenceNumber, i+1)
		}
	}

	dup := Segment{
		SessionID:      s.ID,
		Text:           "again",
		StartedAt:      9,
		EndedAt:        9.5,
		SequenceNumber: 1,
		Source:         SourceMicrophone,
	}
	if err := db.AppendSegment(dup); err != ErrUniqueViolation {
		t.Errorf("AppendSegment duplicate seq = %v, want ErrUniqueViolation", err)
	}
}

func TestSaveTopicsReplacingIsAtomic(t *testing.T) {
	db := openTestDB(t)
	s, err := db.CreateSession("en_US")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	first := []Topic{{Title: "Intro", Summary: "A.", SegmentRangeStart: 1, SegmentRangeEnd: 2}}
	if err := db.SaveTopicsReplacing(s.ID, first); err != nil {
		t.Fatalf("SaveTopicsReplacing: %v", err)
	}

	got, err := db.TopicsFor(s.ID)
	if err != nil {
		t.Fatalf("TopicsFor: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Intro" {
		t.Fatalf("TopicsFor = %+v, want one Intro topic", got)
	}

	second := []Topic{
		{Title: "Intro revised", Summary: "A'.", SegmentRangeStart: 1, SegmentRangeEnd: 2},
		{Title: "Outro", Summary: "B.", SegmentRangeStart: 3, SegmentRangeEnd: 4},
	}
	if err := db.SaveTopicsReplacing(s.ID, second); err != nil {
		t.Fatalf("SaveTopicsReplacing second: %v", err)
	}

	got, err = db.TopicsFor(s.ID)
	if err != nil {
		t.Fatalf("TopicsFor after replace: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("TopicsFor after replace = %+v, want 2 topics", got)
	}
	if got[0].Title != "Intro revised" || got[1].Title != "Outro" {
		t.Errorf("TopicsFor after replace = %+v, want full replacement not a mixture", got)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	db := openTestDB(t)
	s, err := db.CreateSession("en_US")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := db.AppendSegment(Segment{SessionID: s.ID, Text: "hi", StartedAt: 0, EndedAt: 1, SequenceNumber: 1, Source: SourceMicrophone}); err != nil {
		t.Fatalf("AppendSegment: %v", err)
	}
	if err := db.SaveTopicsReplacing(s.ID, []Topic{{Title: "T", Summary: "S", SegmentRangeStart: 1, SegmentRangeEnd: 1}}); err != nil {
		t.Fatalf("SaveTopicsReplacing: %v", err)
	}
	if err := db.SaveSummary(Summary{SessionID: s.ID, Content: "c", SummaryType: SummaryRolling, SegmentRangeStart: 1, SegmentRangeEnd: 1, ModelID: "m"}); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	if err := db.DeleteSession(s.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	segs, err := db.SegmentsFor(s.ID)
	if err != nil {
		t.Fatalf("SegmentsFor after delete: %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("SegmentsFor after delete = %+v, want none", segs)
	}

	topics, err := db.TopicsFor(s.ID)
	if err != nil {
		t.Fatalf("TopicsFor after delete: %v", err)
	}
	if len(topics) != 0 {
		t.Errorf("TopicsFor after delete = %+v, want none", topics)
	}

	summaries, err := db.SummariesFor(s.ID)
	if err != nil {
		t.Fatalf("SummariesFor after delete: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("SummariesFor after delete = %+v, want none", summaries)
	}
}
