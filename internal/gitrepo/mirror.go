// Package gitrepo mirrors document history into per-document git
// repositories for archival.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/tempandmajor/ottowrite-sub000/internal/content"
)

const (
	contentFile   = "content.json"
	mainBranch    = "main"
	commitTrailer = "Ottowrite-Commit: "
)

var commitHashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

var (
	ErrNoRepository    = errors.New("document has no mirror repository")
	ErrUnknownRevision = errors.New("unknown mirror revision")
)

// Entry is one mirrored commit as read back from git.
type Entry struct {
	Hash      string    `json:"hash"`
	CommitID  string    `json:"commitId"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Record describes a store commit to be mirrored.
type Record struct {
	CommitID string
	Branch   string
	Message  string
	Author   string
	Content  content.Content
	At       time.Time
}

type Mirror struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMirror(baseDir string) *Mirror {
	return &Mirror{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureDocument initialises the repository with a baseline commit on main.
// It is a no-op when the repository already exists.
func (m *Mirror) EnsureDocument(documentID string, initial content.Content, author string) error {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path := m.repoPath(documentID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	hash, err := writeAndCommit(repo, initial, author, "Document created", time.Now(), true)
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName(mainBranch), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// EnsureBranch points a new branch ref at fromBranch's tip.
func (m *Mirror) EnsureBranch(documentID, branchName, fromBranch string) error {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.open(documentID)
	if err != nil {
		return err
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err == nil {
		return nil
	}
	fromRef, err := repo.Reference(plumbing.NewBranchReferenceName(fromBranch), true)
	if err != nil {
		return fmt.Errorf("read source branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, fromRef.Hash())); err != nil {
		return fmt.Errorf("create branch ref: %w", err)
	}
	return nil
}

func (m *Mirror) DeleteBranch(documentID, branchName string) error {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.open(documentID)
	if err != nil {
		return err
	}
	if err := repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(branchName)); err != nil {
		return fmt.Errorf("remove branch ref: %w", err)
	}
	return nil
}

// CommitContent appends rec to its branch, creating the branch from main if
// the mirror has not seen it yet.
func (m *Mirror) CommitContent(documentID string, rec Record) (Entry, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.open(documentID)
	if err != nil {
		return Entry{}, err
	}
	if err := checkoutBranch(repo, rec.Branch); err != nil {
		return Entry{}, err
	}

	message := rec.Message
	if rec.CommitID != "" {
		message = fmt.Sprintf("%s\n\n%s%s", rec.Message, commitTrailer, rec.CommitID)
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	hash, err := writeAndCommit(repo, rec.Content, rec.Author, message, at, true)
	if err != nil {
		return Entry{}, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Entry{}, fmt.Errorf("read commit object: %w", err)
	}
	return toEntry(commitObj), nil
}

// History walks a branch newest first. limit <= 0 returns everything.
func (m *Mirror) History(documentID, branchName string, limit int) ([]Entry, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.open(documentID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	var items []Entry
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toEntry(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// ContentAt reads the document content recorded by a mirror commit. hash must
// be a full 40-character commit id; revision expressions are not resolved.
func (m *Mirror) ContentAt(documentID, hash string) (content.Content, error) {
	lock := m.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.open(documentID)
	if err != nil {
		return content.Content{}, err
	}
	if !commitHashPattern.MatchString(hash) {
		return content.Content{}, fmt.Errorf("%w: %q", ErrUnknownRevision, hash)
	}
	commitObj, err := repo.CommitObject(plumbing.NewHash(hash))
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return content.Content{}, fmt.Errorf("%w: %s", ErrUnknownRevision, hash)
	}
	if err != nil {
		return content.Content{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContent(commitObj)
}

func (m *Mirror) open(documentID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(m.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoRepository
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (m *Mirror) repoPath(documentID string) string {
	return filepath.Join(m.baseDir, documentID)
}

func (m *Mirror) documentLock(documentID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	m.locks[documentID] = lock
	return lock
}

func writeAndCommit(repo *git.Repository, c content.Content, author, message string, at time.Time, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := content.Encode(c)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.ottowrite.local", sanitizeEmail(author)),
			When:  at,
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("resolve branch %s: %w", branchName, err)
		}
		mainRef, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
		if err != nil {
			return fmt.Errorf("resolve main: %w", err)
		}
		if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, mainRef.Hash())); err != nil {
			return fmt.Errorf("create branch ref %s: %w", branchName, err)
		}
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

func readContent(commitObj *object.Commit) (content.Content, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return content.Content{}, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	raw, err := file.Contents()
	if err != nil {
		return content.Content{}, fmt.Errorf("read content: %w", err)
	}
	c, err := content.Decode([]byte(raw))
	if err != nil {
		return content.Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	return c, nil
}

func toEntry(commitObj *object.Commit) Entry {
	message := commitObj.Message
	var commitID string
	if idx := strings.LastIndex(message, commitTrailer); idx >= 0 {
		commitID = strings.TrimSpace(message[idx+len(commitTrailer):])
		message = strings.TrimSpace(message[:idx])
	}
	return Entry{
		Hash:      commitObj.Hash.String(),
		CommitID:  commitID,
		Message:   strings.TrimSpace(message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
