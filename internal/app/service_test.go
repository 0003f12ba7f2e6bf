package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tempandmajor/ottowrite-sub000/internal/config"
	"github.com/tempandmajor/ottowrite-sub000/internal/content"
	"github.com/tempandmajor/ottowrite-sub000/internal/gitrepo"
	"github.com/tempandmajor/ottowrite-sub000/internal/logging"
	"github.com/tempandmajor/ottowrite-sub000/internal/session"
	"github.com/tempandmajor/ottowrite-sub000/internal/snapshot"
	"github.com/tempandmajor/ottowrite-sub000/internal/store"
	"github.com/tempandmajor/ottowrite-sub000/internal/undo"
)

const testSecret = "test-secret-value"

var (
	alice = Session{UserID: "user_alice", UserName: "Alice"}
	bob   = Session{UserID: "user_bob", UserName: "Bob"}
)

type testEnv struct {
	svc   *Service
	store *store.MemoryStore
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	memory := store.NewMemoryStore()
	return newTestEnvWithStore(t, memory, memory)
}

// newTestEnvWithStore runs the service on data while fixtures read memory
// directly.
func newTestEnvWithStore(t *testing.T, memory *store.MemoryStore, data DataStore) testEnv {
	t.Helper()
	logger := logging.Discard()
	states := session.NewMemoryStore()
	flusher := undo.NewFlusher(states, time.Hour, logger)
	registry, err := session.NewRegistry(states, flusher, 16, 5, logger)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	svc := New(config.Config{JWTSecret: testSecret}, logger, Deps{
		Store:     data,
		Snapshots: snapshot.NewMemoryStore(),
		Sessions:  registry,
	})
	return testEnv{svc: svc, store: memory}
}

func (e testEnv) createDocument(t *testing.T, html string) store.Document {
	t.Helper()
	doc, err := e.svc.CreateDocument(context.Background(), alice, CreateDocumentInput{
		Title:   "Chapter One",
		Content: content.Prose(html),
	})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	return doc
}

func (e testEnv) mainBranch(t *testing.T, documentID string) store.Branch {
	t.Helper()
	main, err := e.store.GetMainBranch(context.Background(), documentID, alice.UserID)
	if err != nil {
		t.Fatalf("GetMainBranch() error = %v", err)
	}
	return main
}

func (e testEnv) createBranch(t *testing.T, documentID, name string) store.Branch {
	t.Helper()
	branch, err := e.svc.CreateBranch(context.Background(), alice, CreateBranchInput{DocumentID: documentID, Name: name})
	if err != nil {
		t.Fatalf("CreateBranch() error = %v", err)
	}
	return branch
}

func (e testEnv) commit(t *testing.T, branchID, html string) store.Commit {
	t.Helper()
	body := content.Prose(html)
	commit, err := e.svc.CreateCommit(context.Background(), alice, CreateCommitInput{BranchID: branchID, Content: &body})
	if err != nil {
		t.Fatalf("CreateCommit() error = %v", err)
	}
	return commit
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("error code = %s, want %s (%s)", domainErr.Code, code, domainErr.Message)
	}
}

func TestCreateDocumentComputesHashAndWordCount(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "<p>The cat sat on the mat.</p>")

	if doc.WordCount != 6 {
		t.Fatalf("WordCount = %d, want 6", doc.WordCount)
	}
	if doc.ContentHash != content.HashOf(doc.Content).String() {
		t.Fatalf("ContentHash = %s does not match content", doc.ContentHash)
	}

	main := env.mainBranch(t, doc.ID)
	if !main.IsMain || !main.IsActive || main.Name != "main" {
		t.Fatalf("unexpected main branch: %+v", main)
	}
}

func TestCreateDocumentRequiresTitle(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.CreateDocument(context.Background(), alice, CreateDocumentInput{Title: "   "})
	requireCode(t, err, CodeValidation)
}

func TestDocumentsAreScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "<p>private</p>")

	_, err := env.svc.GetDocument(context.Background(), bob, doc.ID)
	requireCode(t, err, CodeNotFound)
}

func TestAutosaveSavesWhenBaseHashMatches(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "<p>one two</p>")

	result, err := env.svc.Autosave(context.Background(), alice, AutosaveInput{
		DocumentID: doc.ID,
		BaseHash:   doc.ContentHash,
		Content:    content.Prose("<p>one two three</p>"),
	})
	if err != nil {
		t.Fatalf("Autosave() error = %v", err)
	}
	if result.Status != AutosaveSaved || result.WordCount != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Hash == doc.ContentHash {
		t.Fatal("expected a new hash after saving changed content")
	}

	main := env.mainBranch(t, doc.ID)
	if main.Content.HTMLValue() != "<p>one two three</p>" {
		t.Fatalf("active branch content = %q", main.Content.HTMLValue())
	}
}

func TestAutosaveReturnsConflictOnStaleHash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>original</p>")

	first, err := env.svc.Autosave(ctx, alice, AutosaveInput{
		DocumentID: doc.ID,
		BaseHash:   doc.ContentHash,
		Content:    content.Prose("<p>first writer</p>"),
	})
	if err != nil {
		t.Fatalf("Autosave() error = %v", err)
	}

	second, err := env.svc.Autosave(ctx, alice, AutosaveInput{
		DocumentID: doc.ID,
		BaseHash:   doc.ContentHash,
		Content:    content.Prose("<p>second writer</p>"),
	})
	if err != nil {
		t.Fatalf("Autosave() error = %v", err)
	}
	if second.Status != AutosaveConflict || second.Server == nil {
		t.Fatalf("expected conflict with server state, got %+v", second)
	}
	if second.Server.Hash != first.Hash || second.Server.Content.HTMLValue() != "<p>first writer</p>" {
		t.Fatalf("server state = %+v", second.Server)
	}

	current, err := env.svc.GetDocument(ctx, alice, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if current.ContentHash != first.Hash {
		t.Fatal("a conflicting autosave must not write")
	}
}

func TestAutosaveRejectsMalformedBaseHash(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "<p>x</p>")

	_, err := env.svc.Autosave(context.Background(), alice, AutosaveInput{DocumentID: doc.ID, BaseHash: "not-a-hash"})
	requireCode(t, err, CodeValidation)
}

func TestCreateBranchValidatesName(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "<p>x</p>")

	_, err := env.svc.CreateBranch(context.Background(), alice, CreateBranchInput{DocumentID: doc.ID, Name: "has spaces"})
	requireCode(t, err, CodeValidation)
}

func TestCreateBranchRejectsDuplicateName(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "<p>x</p>")
	env.createBranch(t, doc.ID, "draft")

	_, err := env.svc.CreateBranch(context.Background(), alice, CreateBranchInput{DocumentID: doc.ID, Name: "draft"})
	requireCode(t, err, CodeConflict)
}

func TestCreateBranchCopiesSourceHead(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "<p>seed</p>")
	main := env.mainBranch(t, doc.ID)
	head := env.commit(t, main.ID, "<p>seed grows</p>")

	branch := env.createBranch(t, doc.ID, "draft")
	if branch.Head() != head.ID {
		t.Fatalf("branch head = %q, want %q", branch.Head(), head.ID)
	}
	if branch.IsMain || branch.IsActive {
		t.Fatalf("new branch flags = main:%v active:%v", branch.IsMain, branch.IsActive)
	}
	if branch.Content.HTMLValue() != "<p>seed grows</p>" || branch.WordCount != 2 {
		t.Fatalf("branch content = %q (%d words)", branch.Content.HTMLValue(), branch.WordCount)
	}
}

func TestDeleteBranchProtectsMainAndActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>x</p>")
	main := env.mainBranch(t, doc.ID)

	requireCode(t, env.svc.DeleteBranch(ctx, alice, main.ID), CodeInvalidOperation)

	draft := env.createBranch(t, doc.ID, "draft")
	if _, err := env.svc.ActivateBranch(ctx, alice, draft.ID, ActivateBranchInput{BaseHash: doc.ContentHash}); err != nil {
		t.Fatalf("ActivateBranch() error = %v", err)
	}
	requireCode(t, env.svc.DeleteBranch(ctx, alice, draft.ID), CodeInvalidOperation)

	scratch := env.createBranch(t, doc.ID, "scratch")
	if err := env.svc.DeleteBranch(ctx, alice, scratch.ID); err != nil {
		t.Fatalf("DeleteBranch() error = %v", err)
	}
	branches, err := env.svc.ListBranches(ctx, alice, doc.ID)
	if err != nil {
		t.Fatalf("ListBranches() error = %v", err)
	}
	if len(branches) != 2 {
		t.Fatalf("expected 2 branches after delete, got %d", len(branches))
	}
}

func TestActivateBranchLoadsWorkingCopy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>main text</p>")
	draft := env.createBranch(t, doc.ID, "draft")
	env.commit(t, draft.ID, "<p>draft text here</p>")

	result, err := env.svc.ActivateBranch(ctx, alice, draft.ID, ActivateBranchInput{BaseHash: doc.ContentHash})
	if err != nil {
		t.Fatalf("ActivateBranch() error = %v", err)
	}
	if result.Status != AutosaveSaved || result.WordCount != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}

	current, err := env.svc.GetDocument(ctx, alice, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if current.Content.HTMLValue() != "<p>draft text here</p>" || current.ContentHash != result.Hash {
		t.Fatalf("document after activation = %+v", current)
	}

	stale, err := env.svc.ActivateBranch(ctx, alice, env.mainBranch(t, doc.ID).ID, ActivateBranchInput{BaseHash: doc.ContentHash})
	if err != nil {
		t.Fatalf("ActivateBranch() error = %v", err)
	}
	if stale.Status != AutosaveConflict {
		t.Fatalf("expected conflict for stale base hash, got %s", stale.Status)
	}
}

func TestCreateCommitChainsParents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>a</p>")
	main := env.mainBranch(t, doc.ID)

	first := env.commit(t, main.ID, "<p>a b</p>")
	if first.ParentCommitID != nil {
		t.Fatalf("first commit parent = %v, want nil", *first.ParentCommitID)
	}
	if first.Message != "Update main" || first.WordCount != 2 {
		t.Fatalf("unexpected first commit: %+v", first)
	}
	second := env.commit(t, main.ID, "<p>a b c</p>")
	if second.ParentCommitID == nil || *second.ParentCommitID != first.ID {
		t.Fatalf("second commit parent = %v, want %s", second.ParentCommitID, first.ID)
	}

	latest, err := env.svc.LatestCommit(ctx, alice, main.ID)
	if err != nil {
		t.Fatalf("LatestCommit() error = %v", err)
	}
	if latest == nil || latest.ID != second.ID {
		t.Fatalf("LatestCommit() = %+v, want %s", latest, second.ID)
	}

	current, err := env.svc.GetDocument(ctx, alice, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if current.WordCount != 3 {
		t.Fatalf("active branch commit did not reach the document: %+v", current)
	}
}

func TestCreateCommitRejectsForeignParent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>a</p>")
	main := env.mainBranch(t, doc.ID)
	draft := env.createBranch(t, doc.ID, "draft")

	onDraft := env.commit(t, draft.ID, "<p>draft</p>")
	env.commit(t, main.ID, "<p>main</p>")

	parent := onDraft.ID
	_, err := env.svc.CreateCommit(ctx, alice, CreateCommitInput{BranchID: main.ID, ParentCommitID: &parent})
	requireCode(t, err, CodeValidation)

	missing := "cm_missing"
	_, err = env.svc.CreateCommit(ctx, alice, CreateCommitInput{BranchID: main.ID, ParentCommitID: &missing})
	requireCode(t, err, CodeValidation)
}

func TestCreateCommitAcceptsAncestorParent(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "<p>a</p>")
	main := env.mainBranch(t, doc.ID)
	first := env.commit(t, main.ID, "<p>one</p>")
	env.commit(t, main.ID, "<p>two</p>")

	parent := first.ID
	commit, err := env.svc.CreateCommit(context.Background(), alice, CreateCommitInput{
		BranchID:       main.ID,
		ParentCommitID: &parent,
		Message:        "  rewind  ",
	})
	if err != nil {
		t.Fatalf("CreateCommit() error = %v", err)
	}
	if *commit.ParentCommitID != first.ID || commit.Message != "rewind" {
		t.Fatalf("unexpected commit: %+v", commit)
	}
}

func TestMergeWithoutConflictsLandsCommit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>shared</p>")
	main := env.mainBranch(t, doc.ID)
	draft := env.createBranch(t, doc.ID, "draft")

	result, err := env.svc.Merge(ctx, alice, MergeInput{SourceBranchID: draft.ID, TargetBranchID: main.ID})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if result.HasConflicts || result.Commit == nil {
		t.Fatalf("unexpected merge result: %+v", result)
	}
	if result.Commit.Message != "Merge draft into main" {
		t.Fatalf("merge message = %q", result.Commit.Message)
	}
	if result.Target.Head() != result.Commit.ID {
		t.Fatalf("target head = %q, want %q", result.Target.Head(), result.Commit.ID)
	}

	view, err := env.svc.GetMerge(ctx, alice, result.MergeID)
	if err != nil {
		t.Fatalf("GetMerge() error = %v", err)
	}
	if view.MergeCommitID == nil || *view.MergeCommitID != result.Commit.ID || len(view.Conflicts) != 0 {
		t.Fatalf("unexpected merge view: %+v", view)
	}
}

func TestMergeWithConflictsRecordsWithoutWriting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>The cat sat.</p>")
	main := env.mainBranch(t, doc.ID)
	draft := env.createBranch(t, doc.ID, "draft")
	env.commit(t, draft.ID, "<p>The dog sat.</p>")
	mainHead := env.commit(t, main.ID, "<p>The cat stood.</p>")

	result, err := env.svc.Merge(ctx, alice, MergeInput{SourceBranchID: draft.ID, TargetBranchID: main.ID})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if !result.HasConflicts || result.Commit != nil || len(result.Conflicts) != 1 {
		t.Fatalf("unexpected merge result: %+v", result)
	}
	htmlConflict, ok := result.Conflicts[0].(HTMLConflict)
	if !ok {
		t.Fatalf("conflict type = %T, want HTMLConflict", result.Conflicts[0])
	}
	if htmlConflict.Stats.TotalChanges != 4 {
		t.Fatalf("conflict stats = %+v", htmlConflict.Stats)
	}

	after := env.mainBranch(t, doc.ID)
	if after.Head() != mainHead.ID {
		t.Fatal("an unresolved merge must not move the target head")
	}

	view, err := env.svc.GetMerge(ctx, alice, result.MergeID)
	if err != nil {
		t.Fatalf("GetMerge() error = %v", err)
	}
	if !view.HasConflicts || view.ConflictsResolved || view.MergeCommitID != nil || len(view.Conflicts) != 1 {
		t.Fatalf("unexpected merge view: %+v", view)
	}
}

func TestMergeWithResolutionCommitsResolvedContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>The cat sat.</p>")
	main := env.mainBranch(t, doc.ID)
	draft := env.createBranch(t, doc.ID, "draft")
	env.commit(t, draft.ID, "<p>The dog sat.</p>")

	resolved := content.Prose("<p>The cat and the dog sat together.</p>")
	result, err := env.svc.Merge(ctx, alice, MergeInput{
		SourceBranchID:  draft.ID,
		TargetBranchID:  main.ID,
		ResolvedContent: &resolved,
		Message:         "combine pets",
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if !result.HasConflicts || !result.ConflictsResolved || result.Commit == nil {
		t.Fatalf("unexpected merge result: %+v", result)
	}
	if result.Commit.WordCount != 7 || result.Commit.Message != "combine pets" {
		t.Fatalf("merge commit = %+v", result.Commit)
	}

	current, err := env.svc.GetDocument(ctx, alice, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if current.Content.HTMLValue() != "<p>The cat and the dog sat together.</p>" {
		t.Fatalf("active target did not update the document: %q", current.Content.HTMLValue())
	}
	if current.ContentHash != content.HashOf(current.Content).String() {
		t.Fatal("document hash out of sync with merged content")
	}
}

func TestMergeValidatesBranches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>x</p>")
	main := env.mainBranch(t, doc.ID)

	_, err := env.svc.Merge(ctx, alice, MergeInput{SourceBranchID: main.ID, TargetBranchID: main.ID})
	requireCode(t, err, CodeValidation)

	_, err = env.svc.Merge(ctx, alice, MergeInput{SourceBranchID: "br_missing", TargetBranchID: main.ID})
	requireCode(t, err, CodeNotFound)

	other := env.createDocument(t, "<p>y</p>")
	_, err = env.svc.Merge(ctx, alice, MergeInput{SourceBranchID: env.mainBranch(t, other.ID).ID, TargetBranchID: main.ID})
	requireCode(t, err, CodeValidation)
}

func TestSearchCommitsFallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "<p>x</p>")
	main := env.mainBranch(t, doc.ID)
	body := content.Prose("<p>y</p>")
	if _, err := env.svc.CreateCommit(context.Background(), alice, CreateCommitInput{BranchID: main.ID, Content: &body, Message: "Rewrite the opening"}); err != nil {
		t.Fatalf("CreateCommit() error = %v", err)
	}
	env.commit(t, main.ID, "<p>z</p>")

	resp, err := env.svc.SearchCommits(context.Background(), alice, doc.ID, "opening", 0)
	if err != nil {
		t.Fatalf("SearchCommits() error = %v", err)
	}
	if resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("unexpected search response: %+v", resp)
	}
}

func TestUndoRedoRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>one</p>")

	first, err := env.svc.PushUndo(ctx, alice, doc.ID, PushUndoInput{Content: content.Prose("<p>one two</p>"), Description: "typing"})
	if err != nil {
		t.Fatalf("PushUndo() error = %v", err)
	}
	if first.Entry.WordCountDelta != 1 {
		t.Fatalf("WordCountDelta = %d, want 1", first.Entry.WordCountDelta)
	}
	if _, err := env.svc.PushUndo(ctx, alice, doc.ID, PushUndoInput{Content: content.Prose("<p>one two three</p>")}); err != nil {
		t.Fatalf("PushUndo() error = %v", err)
	}

	undone, err := env.svc.Undo(ctx, alice, doc.ID)
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if undone.Snapshot == nil || undone.Snapshot.Content.HTMLValue() != "<p>one two</p>" {
		t.Fatalf("Undo() snapshot = %+v", undone.Snapshot)
	}
	if !undone.State.CanRedo || undone.State.UndoDepth != 1 {
		t.Fatalf("state after undo = %+v", undone.State)
	}

	redone, err := env.svc.Redo(ctx, alice, doc.ID)
	if err != nil {
		t.Fatalf("Redo() error = %v", err)
	}
	if redone.Snapshot == nil || redone.Snapshot.WordCount != 3 {
		t.Fatalf("Redo() snapshot = %+v", redone.Snapshot)
	}

	state, err := env.svc.UndoState(ctx, alice, doc.ID)
	if err != nil {
		t.Fatalf("UndoState() error = %v", err)
	}
	if state.CanRedo || state.UndoDepth != 2 || state.MaxStackSize != 5 {
		t.Fatalf("UndoState() = %+v", state)
	}
}

func TestUndoWithEmptyHistoryRestoresNothing(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "<p>one</p>")

	result, err := env.svc.Undo(context.Background(), alice, doc.ID)
	if err != nil {
		t.Fatalf("Undo() error = %v", err)
	}
	if result.Snapshot != nil || result.State.CanUndo {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestUndoRequiresDocumentOwnership(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "<p>one</p>")

	_, err := env.svc.PushUndo(context.Background(), bob, doc.ID, PushUndoInput{Content: content.Prose("<p>x</p>")})
	requireCode(t, err, CodeNotFound)
}

func TestUndoDisabledWithoutSessions(t *testing.T) {
	svc := New(config.Config{}, logging.Discard(), Deps{Store: store.NewMemoryStore()})

	_, err := svc.UndoState(context.Background(), alice, "doc_1")
	requireCode(t, err, CodeInvalidOperation)
}

func TestClearUndoDropsHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>one</p>")
	if _, err := env.svc.PushUndo(ctx, alice, doc.ID, PushUndoInput{Content: content.Prose("<p>one two</p>")}); err != nil {
		t.Fatalf("PushUndo() error = %v", err)
	}

	if err := env.svc.ClearUndo(ctx, alice, doc.ID); err != nil {
		t.Fatalf("ClearUndo() error = %v", err)
	}
	state, err := env.svc.UndoState(ctx, alice, doc.ID)
	if err != nil {
		t.Fatalf("UndoState() error = %v", err)
	}
	if state.CanUndo || state.UndoDepth != 0 {
		t.Fatalf("state after clear = %+v", state)
	}
}

func TestCommitsAreMirroredToArchive(t *testing.T) {
	env := newTestEnv(t)
	env.svc.mirror = gitrepo.NewMirror(t.TempDir())
	ctx := context.Background()
	doc := env.createDocument(t, "<p>first draft</p>")
	main := env.mainBranch(t, doc.ID)
	commit := env.commit(t, main.ID, "<p>second draft</p>")

	entries, err := env.svc.ArchiveHistory(ctx, alice, main.ID, 10)
	if err != nil {
		t.Fatalf("ArchiveHistory() error = %v", err)
	}
	if len(entries) == 0 || entries[0].CommitID != commit.ID {
		t.Fatalf("archive entries = %+v, want newest %s", entries, commit.ID)
	}

	body, err := env.svc.ArchivedContent(ctx, alice, main.ID, entries[0].Hash)
	if err != nil {
		t.Fatalf("ArchivedContent() error = %v", err)
	}
	if body.HTMLValue() != "<p>second draft</p>" {
		t.Fatalf("archived content = %q", body.HTMLValue())
	}

	_, err = env.svc.ArchivedContent(ctx, alice, main.ID, "0000000000000000000000000000000000000000")
	requireCode(t, err, CodeNotFound)

	_, err = env.svc.ArchivedContent(ctx, alice, main.ID, "main~1")
	requireCode(t, err, CodeValidation)

	draft := env.createBranch(t, doc.ID, "draft")
	env.commit(t, draft.ID, "<p>draft only</p>")
	draftEntries, err := env.svc.ArchiveHistory(ctx, alice, draft.ID, 1)
	if err != nil {
		t.Fatalf("ArchiveHistory() error = %v", err)
	}
	_, err = env.svc.ArchivedContent(ctx, alice, main.ID, draftEntries[0].Hash)
	requireCode(t, err, CodeNotFound)
}

func TestArchiveDisabledWithoutMirror(t *testing.T) {
	env := newTestEnv(t)
	doc := env.createDocument(t, "<p>x</p>")

	_, err := env.svc.ArchiveHistory(context.Background(), alice, env.mainBranch(t, doc.ID).ID, 0)
	requireCode(t, err, CodeInvalidOperation)
}

// racingStore lets another writer land just before the next conditional
// write of each kind.
type racingStore struct {
	*store.MemoryStore
	beforeUpdate func()
	beforeAppend func()
	beforeMerge  func()
}

func runOnce(hook *func()) {
	if fn := *hook; fn != nil {
		*hook = nil
		fn()
	}
}

func (s *racingStore) UpdateDocumentContent(ctx context.Context, update store.ContentUpdate) error {
	runOnce(&s.beforeUpdate)
	return s.MemoryStore.UpdateDocumentContent(ctx, update)
}

func (s *racingStore) AppendCommit(ctx context.Context, change store.CommitAppend) error {
	runOnce(&s.beforeAppend)
	return s.MemoryStore.AppendCommit(ctx, change)
}

func (s *racingStore) ApplyMerge(ctx context.Context, merge store.MergeApplication) error {
	runOnce(&s.beforeMerge)
	return s.MemoryStore.ApplyMerge(ctx, merge)
}

func newRacingEnv(t *testing.T) (testEnv, *racingStore) {
	t.Helper()
	racing := &racingStore{MemoryStore: store.NewMemoryStore()}
	return newTestEnvWithStore(t, racing.MemoryStore, racing), racing
}

func TestAutosaveLostRaceReturnsWinnerState(t *testing.T) {
	env, racing := newRacingEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>original</p>")

	var winner AutosaveResult
	racing.beforeUpdate = func() {
		result, err := env.svc.Autosave(ctx, alice, AutosaveInput{
			DocumentID: doc.ID,
			BaseHash:   doc.ContentHash,
			Content:    content.Prose("<p>other tab wins</p>"),
		})
		if err != nil || result.Status != AutosaveSaved {
			t.Fatalf("competing Autosave() = %+v, %v", result, err)
		}
		winner = result
	}

	result, err := env.svc.Autosave(ctx, alice, AutosaveInput{
		DocumentID: doc.ID,
		BaseHash:   doc.ContentHash,
		Content:    content.Prose("<p>this tab loses</p>"),
	})
	if err != nil {
		t.Fatalf("Autosave() error = %v", err)
	}
	if result.Status != AutosaveConflict || result.Server == nil {
		t.Fatalf("expected conflict after a lost race, got %+v", result)
	}
	if result.Hash != winner.Hash || result.Server.WordCount != 3 || result.Server.Content.HTMLValue() != "<p>other tab wins</p>" {
		t.Fatalf("server state = %+v, want the winning write", result.Server)
	}
}

func TestCreateCommitLostRaceIsInvalidOperation(t *testing.T) {
	env, racing := newRacingEnv(t)
	doc := env.createDocument(t, "<p>a</p>")
	main := env.mainBranch(t, doc.ID)

	var winner store.Commit
	racing.beforeAppend = func() {
		winner = env.commit(t, main.ID, "<p>landed first</p>")
	}

	body := content.Prose("<p>landed second</p>")
	_, err := env.svc.CreateCommit(context.Background(), alice, CreateCommitInput{BranchID: main.ID, Content: &body})
	requireCode(t, err, CodeInvalidOperation)

	if head := env.mainBranch(t, doc.ID).Head(); head != winner.ID {
		t.Fatalf("branch head = %q, want the winning commit %q", head, winner.ID)
	}
}

func TestMergeLostRaceAppliesNothing(t *testing.T) {
	env, racing := newRacingEnv(t)
	ctx := context.Background()
	doc := env.createDocument(t, "<p>shared</p>")
	main := env.mainBranch(t, doc.ID)
	draft := env.createBranch(t, doc.ID, "draft")

	var winner store.Commit
	racing.beforeMerge = func() {
		winner = env.commit(t, main.ID, "<p>moved meanwhile</p>")
	}

	_, err := env.svc.Merge(ctx, alice, MergeInput{SourceBranchID: draft.ID, TargetBranchID: main.ID})
	requireCode(t, err, CodeInvalidOperation)

	after := env.mainBranch(t, doc.ID)
	if after.Head() != winner.ID || after.Content.HTMLValue() != "<p>moved meanwhile</p>" {
		t.Fatalf("target after lost merge = head %q content %q", after.Head(), after.Content.HTMLValue())
	}
	commits, err := env.svc.ListCommits(ctx, alice, main.ID, 0)
	if err != nil {
		t.Fatalf("ListCommits() error = %v", err)
	}
	if len(commits) != 1 {
		t.Fatalf("expected only the winning commit on target, got %d", len(commits))
	}
}

func TestAutosaveMixedContentScreenplayEdit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	original := content.Content{
		HTML:       content.Prose("<p>Cold open.</p>").HTML,
		Screenplay: []content.ScreenplayElement{{ID: "el1", Type: "action", Content: "Bob walks in"}},
	}
	doc, err := env.svc.CreateDocument(ctx, alice, CreateDocumentInput{Title: "Pilot", Content: original})
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	edited := original.Clone()
	edited.Screenplay[0].Content = "Bob runs in"
	result, err := env.svc.Autosave(ctx, alice, AutosaveInput{DocumentID: doc.ID, BaseHash: doc.ContentHash, Content: edited})
	if err != nil {
		t.Fatalf("Autosave() error = %v", err)
	}
	if result.Status != AutosaveSaved || result.Hash == doc.ContentHash {
		t.Fatalf("screenplay edit next to html not saved: %+v", result)
	}

	current, err := env.svc.GetDocument(ctx, alice, doc.ID)
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if current.Content.Screenplay[0].Content != "Bob runs in" || current.ContentHash != result.Hash {
		t.Fatalf("stored document = %+v", current)
	}
	if current.WordCount != 5 {
		t.Fatalf("WordCount = %d, want html and screenplay words", current.WordCount)
	}
}
