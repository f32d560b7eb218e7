package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"signoff/api/internal/admin"
	"signoff/api/internal/auth"
	"signoff/api/internal/authpw"
	"signoff/api/internal/config"
	"signoff/api/internal/email"
	"signoff/api/internal/export"
	"signoff/api/internal/kv"
	"signoff/api/internal/linear"
	"signoff/api/internal/rbac"
	"signoff/api/internal/search"
	"signoff/api/internal/session"
	"signoff/api/internal/store"
	"signoff/api/internal/syncer"
	"signoff/api/internal/util"
	"signoff/api/internal/workflow"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         rbac.Role
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	authpw.UserStore
	ListUsers(ctx context.Context) ([]store.User, error)
	DeactivateUser(ctx context.Context, userID string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	InsertReviewEvent(ctx context.Context, event store.ReviewEvent) (store.ReviewEvent, error)
	ListReviewEvents(ctx context.Context, issueID, teamID string, limit int) ([]store.ReviewEvent, error)
	ListSyncRuns(ctx context.Context, teamID string, limit int) ([]store.SyncRun, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID, displayName string, expiresAt time.Time) error
	ConsumeRefreshSession(ctx context.Context, tokenHash string) (session.TokenData, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeUserSessions(ctx context.Context, userID string) (int64, error)
	Ping(ctx context.Context) error
}

type teamSyncer interface {
	SyncTeamHierarchyFrom(ctx context.Context, teamID, source string) (syncer.Result, error)
	SyncTeamsFrom(ctx context.Context, source string) ([]syncer.Result, error)
}

// issueFetcher reads single issues from Linear. The Linear client passed as
// Deps.Remote implements it.
type issueFetcher interface {
	FetchIssue(ctx context.Context, issueID string) (linear.Issue, error)
}

type issueSearcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type reporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type notifier interface {
	IsConfigured() bool
	SendReviewNotification(to []string, n email.ReviewNotification) error
}

// Deps are the collaborators a Service is built from. Syncer, Search,
// Export and Email are optional.
type Deps struct {
	Store     dataStore
	Sessions  sessionStore
	Admin     *admin.Store
	Mirror    *kv.Mirror
	Remote    workflow.Remote
	Syncer    teamSyncer
	Search    issueSearcher
	Export    reporter
	Email     notifier
	Passwords *authpw.Service
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	admin     *admin.Store
	mirror    *kv.Mirror
	executor  *workflow.Executor
	fetcher   issueFetcher
	syncer    teamSyncer
	search    issueSearcher
	export    reporter
	email     notifier
	passwords *authpw.Service
	now       func() time.Time
	// notify runs notification delivery; tests replace it to run inline.
	notify func(func())
}

func New(cfg config.Config, deps Deps) *Service {
	passwords := deps.Passwords
	if passwords == nil {
		passwords = authpw.NewService(deps.Store)
	}
	fetcher, _ := deps.Remote.(issueFetcher)
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		admin:     deps.Admin,
		mirror:    deps.Mirror,
		executor:  workflow.NewExecutor(deps.Remote, deps.Mirror),
		fetcher:   fetcher,
		syncer:    deps.Syncer,
		search:    deps.Search,
		export:    deps.Export,
		email:     deps.Email,
		passwords: passwords,
		now:       time.Now,
		notify:    func(fn func()) { go fn() },
	}
}

// Bootstrap creates the configured admin account on first start and makes
// sure it holds the admin role.
func (s *Service) Bootstrap(ctx context.Context) error {
	adminEmail := strings.TrimSpace(s.cfg.AdminEmail)
	if adminEmail == "" || s.cfg.AdminPassword == "" {
		return nil
	}
	user, err := s.store.GetUserByEmail(ctx, adminEmail)
	if errors.Is(err, sql.ErrNoRows) {
		user, err = s.passwords.CreateUser(ctx, authpw.CreateUserRequest{
			Email:       adminEmail,
			Password:    s.cfg.AdminPassword,
			DisplayName: "Administrator",
		})
		if err == nil {
			log.Printf("bootstrap: created admin account %s", adminEmail)
		}
	}
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	return s.admin.SetRole(ctx, user.ID, string(rbac.RoleAdmin))
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh trades a refresh token for a new session. Refresh tokens are
// single use.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	data, err := s.sessions.ConsumeRefreshSession(ctx, auth.HashToken(refreshToken))
	if errors.Is(err, session.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, data.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	role, err := s.admin.Role(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}

	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: string(role),
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewSecret(32)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, user.DisplayName, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Role:         role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token. The role is read from the
// admin store on every request so role changes apply immediately.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if user.DeactivatedAt != nil {
		return Session{}, auth.ErrInvalidToken
	}
	role, err := s.admin.Role(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Role:      role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt); err != nil {
			log.Printf("logout: revoke access token for %s: %v", sess.UserID, err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Printf("logout: revoke refresh session for %s: %v", sess.UserID, err)
		}
	}
	return nil
}

// ChangePassword replaces the caller's password and signs out every other
// device by dropping all refresh sessions.
func (s *Service) ChangePassword(ctx context.Context, sess Session, current, next string) error {
	if err := s.passwords.ChangePassword(ctx, sess.UserID, current, next); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeUserSessions(ctx, sess.UserID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

func (s *Service) access(ctx context.Context, sess Session) (admin.Access, error) {
	return s.admin.Resolve(ctx, sess.UserID)
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// Ping checks Postgres and Redis.
func (s *Service) Ping(ctx context.Context) map[string]error {
	return map[string]error{
		"database": s.store.Ping(ctx),
		"redis":    s.sessions.Ping(ctx),
	}
}
