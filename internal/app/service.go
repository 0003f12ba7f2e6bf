package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/tempandmajor/ottowrite-sub000/internal/auth"
	"github.com/tempandmajor/ottowrite-sub000/internal/config"
	"github.com/tempandmajor/ottowrite-sub000/internal/content"
	"github.com/tempandmajor/ottowrite-sub000/internal/gitrepo"
	"github.com/tempandmajor/ottowrite-sub000/internal/search"
	"github.com/tempandmajor/ottowrite-sub000/internal/session"
	"github.com/tempandmajor/ottowrite-sub000/internal/snapshot"
	"github.com/tempandmajor/ottowrite-sub000/internal/store"
	"github.com/tempandmajor/ottowrite-sub000/internal/undo"
	"github.com/tempandmajor/ottowrite-sub000/internal/util"
)

// Session is the authenticated caller of a request.
type Session struct {
	Token     string
	UserID    string
	UserName  string
	TokenID   string
	ExpiresAt time.Time
}

// DataStore is the persistence the service runs on; PostgresStore and
// MemoryStore both implement it.
type DataStore interface {
	CreateDocument(context.Context, store.Document, store.Branch) error
	GetDocument(context.Context, string, string) (store.Document, error)
	UpdateDocumentContent(context.Context, store.ContentUpdate) error
	CreateBranch(context.Context, store.Branch) error
	GetBranch(context.Context, string, string) (store.Branch, error)
	GetMainBranch(context.Context, string, string) (store.Branch, error)
	ListBranches(context.Context, string, string) ([]store.Branch, error)
	DeleteBranch(context.Context, string, string) error
	ActivateBranch(context.Context, store.BranchActivation) error
	AppendCommit(context.Context, store.CommitAppend) error
	ApplyMerge(context.Context, store.MergeApplication) error
	GetCommit(context.Context, string, string) (store.Commit, error)
	LatestCommit(context.Context, string, string) (*store.Commit, error)
	ListCommits(context.Context, string, string, int) ([]store.Commit, error)
	SearchCommits(context.Context, string, string, string, int) ([]store.Commit, error)
	IsAncestor(context.Context, string, string) (bool, error)
	RecordMerge(context.Context, store.MergeRecord) error
	GetMerge(context.Context, string, string) (store.MergeRecord, error)
	Ping(ctx context.Context) error
}

type historyMirror interface {
	EnsureDocument(string, content.Content, string) error
	EnsureBranch(string, string, string) error
	DeleteBranch(string, string) error
	CommitContent(string, gitrepo.Record) (gitrepo.Entry, error)
	History(string, string, int) ([]gitrepo.Entry, error)
	ContentAt(string, string) (content.Content, error)
}

type commitSearch interface {
	Search(context.Context, search.Query) (search.Response, error)
	IndexCommit(search.CommitRecord)
}

type undoSessions interface {
	Manager(ctx context.Context, userID, documentID string) (*undo.Manager, error)
	Forget(ctx context.Context, userID, documentID string) error
}

// Deps are the collaborators a Service is built from. Mirror is optional;
// without Search, commit search reads straight from the store.
type Deps struct {
	Store     DataStore
	Snapshots snapshot.Store
	Sessions  *session.Registry
	Mirror    *gitrepo.Mirror
	Search    *search.Service
	// Redis is checked by readiness when undo state lives there.
	Redis *session.RedisStore
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	store     DataStore
	snapshots snapshot.Store
	sessions  undoSessions
	mirror    historyMirror
	search    commitSearch
	redis     pinger
	now       func() time.Time
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		logger:    logger,
		store:     deps.Store,
		snapshots: deps.Snapshots,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if deps.Sessions != nil {
		s.sessions = deps.Sessions
	}
	if deps.Mirror != nil {
		s.mirror = deps.Mirror
	}
	if deps.Redis != nil {
		s.redis = deps.Redis
	}
	if deps.Search != nil {
		s.search = deps.Search
	} else {
		s.search = search.NewService(nil, deps.Store, logger)
	}
	return s
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	name := claims.Name
	if strings.TrimSpace(name) == "" {
		name = claims.UserID()
	}
	session := Session{
		Token:    token,
		UserID:   claims.UserID(),
		UserName: name,
		TokenID:  claims.ID,
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Readiness pings every backing service the process depends on, keyed by
// check name. A nil error means the check passed.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.Ping(ctx)}
	if s.redis != nil {
		checks["redis"] = s.redis.Ping(ctx)
	}
	return checks
}

type CreateDocumentInput struct {
	Title   string          `json:"title"`
	Content content.Content `json:"content"`
}

// CreateDocument stores a new document together with its main branch, which
// starts out as the active working copy.
func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (store.Document, error) {
	input.Title = strings.TrimSpace(input.Title)
	if err := validation.ValidateStruct(&input,
		validation.Field(&input.Title, validation.Required, validation.RuneLength(1, 200)),
	); err != nil {
		return store.Document{}, invalidInput(err)
	}

	body := content.Sanitize(input.Content)
	wordCount := content.WordCount(body)
	now := s.now()
	doc := store.Document{
		ID:          util.NewID("doc"),
		OwnerID:     session.UserID,
		Title:       input.Title,
		Content:     body,
		ContentHash: content.HashOf(body).String(),
		WordCount:   wordCount,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	main := store.Branch{
		ID:         util.NewID("br"),
		DocumentID: doc.ID,
		OwnerID:    session.UserID,
		Name:       mainBranchName,
		IsMain:     true,
		IsActive:   true,
		Content:    body,
		WordCount:  wordCount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateDocument(ctx, doc, main); err != nil {
		return store.Document{}, s.storeFailure("create document", err)
	}

	if s.mirror != nil {
		if err := s.mirror.EnsureDocument(doc.ID, body, session.UserName); err != nil {
			s.logger.Warn("mirror document failed", "document_id", doc.ID, "error", err)
		}
	}
	s.logger.Info("document created", "document_id", doc.ID, "owner_id", session.UserID)
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID, session.UserID)
	if err != nil {
		return store.Document{}, s.lookupFailure("Document", err)
	}
	return doc, nil
}

// lookupFailure maps a read miss to NotFound. Absent and not-owned look the
// same to the caller.
func (s *Service) lookupFailure(what string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound(what)
	}
	return s.storeFailure("load "+strings.ToLower(what), err)
}

func (s *Service) storeFailure(op string, err error) error {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	s.logger.Error("store operation failed", "op", op, "error", err)
	return internalError(err)
}
