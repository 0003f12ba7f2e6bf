package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tempandmajor/ottowrite-sub000/internal/content"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

const documentColumns = `id, owner_id, title, content, content_hash, word_count, created_at, updated_at`

func scanDocument(row rowScanner) (Document, error) {
	var (
		item Document
		raw  []byte
	)
	if err := row.Scan(&item.ID, &item.OwnerID, &item.Title, &raw, &item.ContentHash, &item.WordCount, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Document{}, err
	}
	decoded, err := content.Decode(raw)
	if err != nil {
		return Document{}, fmt.Errorf("decode document content: %w", err)
	}
	item.Content = decoded
	return item, nil
}

const branchColumns = `id, document_id, owner_id, name, is_main, is_active, content, word_count, base_commit_id, created_at, updated_at`

func scanBranch(row rowScanner) (Branch, error) {
	var (
		item Branch
		raw  []byte
		head sql.NullString
	)
	if err := row.Scan(&item.ID, &item.DocumentID, &item.OwnerID, &item.Name, &item.IsMain, &item.IsActive, &raw, &item.WordCount, &head, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return Branch{}, err
	}
	decoded, err := content.Decode(raw)
	if err != nil {
		return Branch{}, fmt.Errorf("decode branch content: %w", err)
	}
	item.Content = decoded
	item.BaseCommitID = nullableString(head)
	return item, nil
}

const commitColumns = `id, document_id, branch_id, parent_commit_id, owner_id, message, content, word_count, author, created_at`

func scanCommit(row rowScanner) (Commit, error) {
	var (
		item   Commit
		raw    []byte
		parent sql.NullString
	)
	if err := row.Scan(&item.ID, &item.DocumentID, &item.BranchID, &parent, &item.OwnerID, &item.Message, &raw, &item.WordCount, &item.Author, &item.CreatedAt); err != nil {
		return Commit{}, err
	}
	decoded, err := content.Decode(raw)
	if err != nil {
		return Commit{}, fmt.Errorf("decode commit content: %w", err)
	}
	item.Content = decoded
	item.ParentCommitID = nullableString(parent)
	return item, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document, main Branch) error {
	docContent, err := content.Encode(doc.Content)
	if err != nil {
		return fmt.Errorf("encode document content: %w", err)
	}
	branchContent, err := content.Encode(main.Content)
	if err != nil {
		return fmt.Errorf("encode branch content: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents (id, owner_id, title, content, content_hash, word_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, doc.ID, doc.OwnerID, doc.Title, docContent, doc.ContentHash, doc.WordCount, doc.CreatedAt, doc.UpdatedAt); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert document: %w", err)
		}
		if err := insertBranch(ctx, tx, main, branchContent); err != nil {
			return err
		}
		return nil
	})
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID, ownerID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1 AND owner_id=$2`, documentID, ownerID)
	item, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return item, nil
}

// UpdateDocumentContent is the autosave compare-and-swap: the row is written
// only while content_hash still equals ExpectedHash.
func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, update ContentUpdate) error {
	raw, err := content.Encode(update.Content)
	if err != nil {
		return fmt.Errorf("encode document content: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE documents
			SET content=$1, word_count=$2, content_hash=$3, updated_at=$4
			WHERE id=$5 AND owner_id=$6 AND content_hash=$7
		`, raw, update.WordCount, update.NewHash, update.UpdatedAt, update.DocumentID, update.OwnerID, update.ExpectedHash)
		if err != nil {
			return fmt.Errorf("update document content: %w", err)
		}
		if err := expectOneRow(result, ErrStaleWrite); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE branches SET content=$1, word_count=$2, updated_at=$3
			WHERE document_id=$4 AND is_active
		`, raw, update.WordCount, update.UpdatedAt, update.DocumentID); err != nil {
			return fmt.Errorf("sync active branch: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) CreateBranch(ctx context.Context, branch Branch) error {
	raw, err := content.Encode(branch.Content)
	if err != nil {
		return fmt.Errorf("encode branch content: %w", err)
	}
	return insertBranch(ctx, s.db, branch, raw)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertBranch(ctx context.Context, db execer, branch Branch, raw []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO branches (id, document_id, owner_id, name, is_main, is_active, content, word_count, base_commit_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, branch.ID, branch.DocumentID, branch.OwnerID, branch.Name, branch.IsMain, branch.IsActive, raw, branch.WordCount, branch.BaseCommitID, branch.CreatedAt, branch.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert branch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBranch(ctx context.Context, branchID, ownerID string) (Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE id=$1 AND owner_id=$2`, branchID, ownerID)
	item, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, ErrNotFound
	}
	if err != nil {
		return Branch{}, fmt.Errorf("get branch: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) GetMainBranch(ctx context.Context, documentID, ownerID string) (Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchColumns+` FROM branches WHERE document_id=$1 AND owner_id=$2 AND is_main`, documentID, ownerID)
	item, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, ErrNotFound
	}
	if err != nil {
		return Branch{}, fmt.Errorf("get main branch: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListBranches(ctx context.Context, documentID, ownerID string) ([]Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+branchColumns+`
		FROM branches
		WHERE document_id=$1 AND owner_id=$2
		ORDER BY created_at ASC, seq ASC
	`, documentID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	items := make([]Branch, 0)
	for rows.Next() {
		item, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteBranch(ctx context.Context, branchID, ownerID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM branches WHERE id=$1 AND owner_id=$2 AND NOT is_main`, branchID, ownerID)
	if err != nil {
		return fmt.Errorf("delete branch: %w", err)
	}
	return expectOneRow(result, ErrNotFound)
}

func (s *PostgresStore) ActivateBranch(ctx context.Context, activation BranchActivation) error {
	raw, err := content.Encode(activation.Content)
	if err != nil {
		return fmt.Errorf("encode branch content: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE documents
			SET content=$1, word_count=$2, content_hash=$3, updated_at=$4
			WHERE id=$5 AND owner_id=$6 AND content_hash=$7
		`, raw, activation.WordCount, activation.NewHash, activation.UpdatedAt, activation.DocumentID, activation.OwnerID, activation.ExpectedHash)
		if err != nil {
			return fmt.Errorf("load branch into document: %w", err)
		}
		if err := expectOneRow(result, ErrStaleWrite); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE branches SET is_active=FALSE WHERE document_id=$1 AND is_active`, activation.DocumentID); err != nil {
			return fmt.Errorf("clear active branch: %w", err)
		}
		result, err = tx.ExecContext(ctx, `
			UPDATE branches SET is_active=TRUE, updated_at=$1
			WHERE id=$2 AND document_id=$3 AND owner_id=$4
		`, activation.UpdatedAt, activation.BranchID, activation.DocumentID, activation.OwnerID)
		if err != nil {
			return fmt.Errorf("set active branch: %w", err)
		}
		return expectOneRow(result, ErrNotFound)
	})
}

func (s *PostgresStore) AppendCommit(ctx context.Context, change CommitAppend) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return appendCommit(ctx, tx, change)
	})
}

func (s *PostgresStore) ApplyMerge(ctx context.Context, merge MergeApplication) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := appendCommit(ctx, tx, merge.CommitAppend); err != nil {
			return err
		}
		return insertMerge(ctx, tx, merge.Record)
	})
}

func appendCommit(ctx context.Context, tx *sql.Tx, change CommitAppend) error {
	commit := change.Commit
	raw, err := content.Encode(commit.Content)
	if err != nil {
		return fmt.Errorf("encode commit content: %w", err)
	}

	// CAS on the branch head; a writer that moved it first wins.
	result, err := tx.ExecContext(ctx, `
		UPDATE branches
		SET base_commit_id=$1, content=$2, word_count=$3, updated_at=$4
		WHERE id=$5 AND owner_id=$6 AND base_commit_id IS NOT DISTINCT FROM $7
	`, commit.ID, raw, commit.WordCount, commit.CreatedAt, commit.BranchID, commit.OwnerID, change.ExpectedHead)
	if err != nil {
		return fmt.Errorf("advance branch head: %w", err)
	}
	if err := expectOneRow(result, ErrStaleWrite); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO commits (id, document_id, branch_id, parent_commit_id, owner_id, message, content, word_count, author, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, commit.ID, commit.DocumentID, commit.BranchID, commit.ParentCommitID, commit.OwnerID, commit.Message, raw, commit.WordCount, commit.Author, commit.CreatedAt); err != nil {
		return fmt.Errorf("insert commit: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents d
		SET content=$1, word_count=$2, content_hash=$3, updated_at=$4
		FROM branches b
		WHERE b.id=$5 AND b.is_active AND d.id=b.document_id
	`, raw, commit.WordCount, change.ContentHash, commit.CreatedAt, commit.BranchID); err != nil {
		return fmt.Errorf("sync document from active branch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCommit(ctx context.Context, commitID, ownerID string) (Commit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commitColumns+` FROM commits WHERE id=$1 AND owner_id=$2`, commitID, ownerID)
	item, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Commit{}, ErrNotFound
	}
	if err != nil {
		return Commit{}, fmt.Errorf("get commit: %w", err)
	}
	return item, nil
}

// LatestCommit returns nil when the branch has no commits yet.
func (s *PostgresStore) LatestCommit(ctx context.Context, branchID, ownerID string) (*Commit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commitColumns+`
		FROM commits
		WHERE branch_id=$1 AND owner_id=$2
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
	`, branchID, ownerID)
	item, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest commit: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListCommits(ctx context.Context, branchID, ownerID string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commitColumns+`
		FROM commits
		WHERE branch_id=$1 AND owner_id=$2
		ORDER BY created_at DESC, seq DESC
		LIMIT $3
	`, branchID, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	return collectCommits(rows)
}

// SearchCommits is a case-insensitive substring match on commit messages.
func (s *PostgresStore) SearchCommits(ctx context.Context, documentID, ownerID, query string, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commitColumns+`
		FROM commits
		WHERE document_id=$1 AND owner_id=$2 AND message ILIKE $3
		ORDER BY created_at DESC, seq DESC
		LIMIT $4
	`, documentID, ownerID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search commits: %w", err)
	}
	return collectCommits(rows)
}

func collectCommits(rows *sql.Rows) ([]Commit, error) {
	defer rows.Close()
	items := make([]Commit, 0)
	for rows.Next() {
		item, err := scanCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// IsAncestor reports whether ancestorID is descendantID or one of its parents.
func (s *PostgresStore) IsAncestor(ctx context.Context, ancestorID, descendantID string) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx, `
		WITH RECURSIVE lineage(id, parent_commit_id) AS (
			SELECT id, parent_commit_id FROM commits WHERE id=$1
			UNION ALL
			SELECT c.id, c.parent_commit_id FROM commits c JOIN lineage l ON c.id = l.parent_commit_id
		)
		SELECT EXISTS(SELECT 1 FROM lineage WHERE id=$2)
	`, descendantID, ancestorID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("walk commit lineage: %w", err)
	}
	return found, nil
}

func (s *PostgresStore) RecordMerge(ctx context.Context, record MergeRecord) error {
	return insertMerge(ctx, s.db, record)
}

func insertMerge(ctx context.Context, db execer, record MergeRecord) error {
	conflicts := record.ConflictData
	if len(conflicts) == 0 {
		conflicts = []byte("[]")
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO merges (id, document_id, source_branch_id, target_branch_id, source_commit_id, target_commit_id, merge_commit_id, owner_id, has_conflicts, conflicts_resolved, conflict_data, merged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, record.ID, record.DocumentID, record.SourceBranchID, record.TargetBranchID, record.SourceCommitID, record.TargetCommitID, record.MergeCommitID, record.OwnerID, record.HasConflicts, record.ConflictsResolved, []byte(conflicts), record.MergedAt); err != nil {
		return fmt.Errorf("insert merge record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMerge(ctx context.Context, mergeID, ownerID string) (MergeRecord, error) {
	var (
		item                       MergeRecord
		sourceCommit, targetCommit sql.NullString
		mergeCommit                sql.NullString
		conflicts                  []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, source_branch_id, target_branch_id, source_commit_id, target_commit_id, merge_commit_id, owner_id, has_conflicts, conflicts_resolved, conflict_data, merged_at
		FROM merges WHERE id=$1 AND owner_id=$2
	`, mergeID, ownerID).Scan(&item.ID, &item.DocumentID, &item.SourceBranchID, &item.TargetBranchID, &sourceCommit, &targetCommit, &mergeCommit, &item.OwnerID, &item.HasConflicts, &item.ConflictsResolved, &conflicts, &item.MergedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MergeRecord{}, ErrNotFound
	}
	if err != nil {
		return MergeRecord{}, fmt.Errorf("get merge: %w", err)
	}
	item.SourceCommitID = nullableString(sourceCommit)
	item.TargetCommitID = nullableString(targetCommit)
	item.MergeCommitID = nullableString(mergeCommit)
	item.ConflictData = conflicts
	return item, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func expectOneRow(result sql.Result, notMatched error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notMatched
	}
	return nil
}

func nullableString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return stringPtr(value.String)
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
