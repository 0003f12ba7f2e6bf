package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tempandmajor/ottowrite-sub000/internal/content"
)

func TestDocumentRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	mirror := NewMirror(tempDir)

	if err := mirror.EnsureDocument("doc-1", content.Prose("<p>Opening line.</p>"), "Avery"); err != nil {
		t.Fatalf("EnsureDocument() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	if err := mirror.EnsureDocument("doc-1", content.Prose("ignored"), "Avery"); err != nil {
		t.Fatalf("second EnsureDocument() error = %v", err)
	}

	if err := mirror.EnsureBranch("doc-1", "draft-2", "main"); err != nil {
		t.Fatalf("EnsureBranch() error = %v", err)
	}

	updated := content.Prose("<p>Opening line, revised.</p>")
	updated.AnchorIDs = []string{"a1"}
	entry, err := mirror.CommitContent("doc-1", Record{
		CommitID: "cmt_123",
		Branch:   "draft-2",
		Message:  "Revise opening",
		Author:   "Avery",
		Content:  updated,
	})
	if err != nil {
		t.Fatalf("CommitContent() error = %v", err)
	}
	if entry.Hash == "" || entry.CommitID != "cmt_123" || entry.Message != "Revise opening" {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	history, err := mirror.History("doc-1", "draft-2", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].CommitID != "cmt_123" {
		t.Fatalf("newest entry = %+v", history[0])
	}

	mainHistory, err := mirror.History("doc-1", "main", 0)
	if err != nil {
		t.Fatalf("History(main) error = %v", err)
	}
	if len(mainHistory) != 1 {
		t.Fatalf("main should be untouched, got %d entries", len(mainHistory))
	}

	stored, err := mirror.ContentAt("doc-1", entry.Hash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if stored.HTMLValue() != "<p>Opening line, revised.</p>" || len(stored.AnchorIDs) != 1 {
		t.Fatalf("unexpected content: %+v", stored)
	}
}

func TestScreenplayContentRoundTrip(t *testing.T) {
	mirror := NewMirror(t.TempDir())
	if err := mirror.EnsureDocument("doc-s", content.Content{}, "Robin"); err != nil {
		t.Fatalf("EnsureDocument() error = %v", err)
	}

	script := content.Screenplay(
		content.ScreenplayElement{ID: "e1", Type: "scene_heading", Content: "INT. KITCHEN - NIGHT"},
		content.ScreenplayElement{ID: "e2", Type: "action", Content: "The kettle screams."},
	)
	entry, err := mirror.CommitContent("doc-s", Record{Branch: "main", Message: "Scene one", Author: "Robin", Content: script})
	if err != nil {
		t.Fatalf("CommitContent() error = %v", err)
	}
	got, err := mirror.ContentAt("doc-s", entry.Hash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if len(got.Screenplay) != 2 || got.Screenplay[1].Content != "The kettle screams." {
		t.Fatalf("unexpected screenplay: %+v", got.Screenplay)
	}
}

func TestCommitCreatesUnknownBranchFromMain(t *testing.T) {
	mirror := NewMirror(t.TempDir())
	if err := mirror.EnsureDocument("doc-2", content.Prose("base"), "Avery"); err != nil {
		t.Fatalf("EnsureDocument() error = %v", err)
	}
	if _, err := mirror.CommitContent("doc-2", Record{Branch: "alt", Message: "alt work", Author: "Avery", Content: content.Prose("alt")}); err != nil {
		t.Fatalf("CommitContent() error = %v", err)
	}
	history, err := mirror.History("doc-2", "alt", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}

	if err := mirror.DeleteBranch("doc-2", "alt"); err != nil {
		t.Fatalf("DeleteBranch() error = %v", err)
	}
	if _, err := mirror.History("doc-2", "alt", 0); err == nil {
		t.Fatal("expected error reading deleted branch")
	}
}

func TestContentAtUnknownRevision(t *testing.T) {
	mirror := NewMirror(t.TempDir())
	if err := mirror.EnsureDocument("doc-r", content.Prose("<p>x</p>"), "Ada"); err != nil {
		t.Fatalf("EnsureDocument() error = %v", err)
	}
	for _, rev := range []string{"0000000000000000000000000000000000000000", "main", "main~1", "HEAD"} {
		_, err := mirror.ContentAt("doc-r", rev)
		if !errors.Is(err, ErrUnknownRevision) {
			t.Fatalf("ContentAt(%q) error = %v, want ErrUnknownRevision", rev, err)
		}
	}
}

func TestMissingRepository(t *testing.T) {
	mirror := NewMirror(t.TempDir())
	_, err := mirror.History("nope", "main", 0)
	if !errors.Is(err, ErrNoRepository) {
		t.Fatalf("History() error = %v, want ErrNoRepository", err)
	}
}

func TestConcurrentCommitsAreSerialized(t *testing.T) {
	mirror := NewMirror(t.TempDir())
	if err := mirror.EnsureDocument("doc-c", content.Prose("base"), "Avery"); err != nil {
		t.Fatalf("EnsureDocument() error = %v", err)
	}

	const writers = 6
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := mirror.CommitContent("doc-c", Record{
				Branch:  "main",
				Message: fmt.Sprintf("edit %d", i),
				Author:  "Avery",
				Content: content.Prose(fmt.Sprintf("<p>edit %d</p>", i)),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("CommitContent() error = %v", err)
		}
	}

	history, err := mirror.History("doc-c", "main", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("len(history) = %d, want %d", len(history), writers+1)
	}
}

func TestSanitizeEmail(t *testing.T) {
	if got := sanitizeEmail("Avery Q_Writer!"); got != "Avery.Q.Writer" {
		t.Fatalf("sanitizeEmail() = %q", got)
	}
	if got := sanitizeEmail("***"); got != "user" {
		t.Fatalf("sanitizeEmail() = %q", got)
	}
}
