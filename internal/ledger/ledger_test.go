package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dgnsrekt/narrator-go/internal/integrity"
	"github.com/dgnsrekt/narrator-go/internal/logging"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "ledger.db"), logging.Discard())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if !s.Enabled() {
		t.Fatal("expected enabled store")
	}

	if err := s.Record(ctx, Render{ID: "r1", Status: StatusRunning, Streaming: true, TextLength: 120}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	first, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if first.Status != StatusRunning || !first.Streaming || first.TextLength != 120 {
		t.Errorf("Get() = %+v", first)
	}

	report := &integrity.Report{
		Valid:  false,
		Issues: []integrity.Issue{{Type: integrity.IssueSkip, TimestampSeconds: 2, Severity: integrity.SeverityWarning}},
		Stats:  integrity.Stats{DurationSeconds: 4, SignalStats: &integrity.SignalStats{Windows: 80}},
	}
	err = s.Record(ctx, Render{
		ID:              "r1",
		Status:          StatusCompleted,
		Streaming:       true,
		Chunks:          3,
		TextLength:      120,
		AudioURL:        "http://x/a.wav",
		DurationSeconds: 4,
		SizeBytes:       128044,
		Integrity:       report,
		CreatedAt:       first.CreatedAt,
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusCompleted || got.Chunks != 3 || got.AudioURL != "http://x/a.wav" || got.SizeBytes != 128044 {
		t.Errorf("Get() = %+v", got)
	}
	if got.Integrity == nil || got.Integrity.Valid || len(got.Integrity.Issues) != 1 {
		t.Fatalf("Integrity = %+v", got.Integrity)
	}
	if got.Integrity.Stats.SignalStats == nil || got.Integrity.Stats.Windows != 80 {
		t.Errorf("Integrity stats = %+v", got.Integrity.Stats)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed from %v to %v", first.CreatedAt, got.CreatedAt)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Errorf("UpdatedAt %v before CreatedAt %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestRecord_KeepsIntegrityWhenUpdateOmitsIt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	report := &integrity.Report{Valid: true, Issues: []integrity.Issue{}}
	if err := s.Record(ctx, Render{ID: "r2", Status: StatusCompleted, Integrity: report}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := s.Record(ctx, Render{ID: "r2", Status: StatusCompleted}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got, err := s.Get(ctx, "r2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Integrity == nil || !got.Integrity.Valid {
		t.Errorf("Integrity = %+v, want preserved report", got.Integrity)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestRecord_RequiresID(t *testing.T) {
	s := openTestStore(t)
	if err := s.Record(context.Background(), Render{Status: StatusFailed}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	s, err := Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Record(ctx, Render{ID: "r3", Status: StatusFailed, Error: "synthesis timed out"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	s.Close()

	s, err = Open(ctx, path, nil)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	got, err := s.Get(ctx, "r3")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Error != "synthesis timed out" || got.AudioURL != "" {
		t.Errorf("Get() = %+v", got)
	}
}

func TestDisabledStore(t *testing.T) {
	s, err := Open(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Enabled() {
		t.Error("expected disabled store")
	}
	if err := s.Record(context.Background(), Render{ID: "x"}); err != nil {
		t.Errorf("Record() error = %v", err)
	}
	if _, err := s.Get(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
