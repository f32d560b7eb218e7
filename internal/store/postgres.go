package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"signoff/api/internal/util"
)

var ErrEmailTaken = errors.New("email already registered")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const userColumns = `id, display_name, email, password_hash, deactivated_at, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.DeactivatedAt, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) CreateUser(ctx context.Context, displayName, email, passwordHash string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name, email, password_hash)
		SELECT $1::text, $2::text, $3::text
		WHERE NOT EXISTS (SELECT 1 FROM users WHERE LOWER(email) = LOWER($2))
		RETURNING `+userColumns,
		displayName, strings.TrimSpace(email), passwordHash)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrEmailTaken
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, strings.TrimSpace(email)))
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY display_name, created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) SetPasswordHash(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("set password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeactivateUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET deactivated_at=NOW(), updated_at=NOW() WHERE id=$1 AND deactivated_at IS NULL`, userID)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// PurgeExpiredRevocations drops revocations whose tokens have expired anyway.
func (s *PostgresStore) PurgeExpiredRevocations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM revoked_access_tokens WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge revocations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) InsertReviewEvent(ctx context.Context, event ReviewEvent) (ReviewEvent, error) {
	childIDs := event.ChildIDs
	if childIDs == nil {
		childIDs = []string{}
	}
	encoded, err := json.Marshal(childIDs)
	if err != nil {
		return ReviewEvent{}, fmt.Errorf("marshal review children: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO review_events (issue_id, identifier, team_id, action, outcome, from_state, to_state, child_ids, feedback, detail, actor_id, actor_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11, $12)
		RETURNING id, created_at
	`, event.IssueID, event.Identifier, event.TeamID, event.Action, event.Outcome, event.FromState, event.ToState,
		string(encoded), event.Feedback, event.Detail, event.ActorID, event.ActorName,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return ReviewEvent{}, fmt.Errorf("insert review event: %w", err)
	}
	return event, nil
}

// ListReviewEvents returns the newest events first, filtered by issue or
// team when the ids are non-empty.
func (s *PostgresStore) ListReviewEvents(ctx context.Context, issueID, teamID string, limit int) ([]ReviewEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, issue_id, identifier, team_id, action, outcome, from_state, to_state, child_ids, feedback, detail, actor_id, actor_name, created_at
		FROM review_events
		WHERE (issue_id=$1 OR $1='') AND (team_id=$2 OR $2='')
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, issueID, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list review events: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewEvent, 0)
	for rows.Next() {
		var item ReviewEvent
		var childRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.IssueID,
			&item.Identifier,
			&item.TeamID,
			&item.Action,
			&item.Outcome,
			&item.FromState,
			&item.ToState,
			&childRaw,
			&item.Feedback,
			&item.Detail,
			&item.ActorID,
			&item.ActorName,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan review event: %w", err)
		}
		_ = json.Unmarshal(childRaw, &item.ChildIDs)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) StartSyncRun(ctx context.Context, teamID, source string) (SyncRun, error) {
	run := SyncRun{ID: util.NewID("sync"), TeamID: teamID, Source: source, Status: SyncRunning}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sync_runs (id, team_id, source, status)
		VALUES ($1, $2, $3, $4)
		RETURNING started_at
	`, run.ID, run.TeamID, run.Source, run.Status).Scan(&run.StartedAt)
	if err != nil {
		return SyncRun{}, fmt.Errorf("start sync run: %w", err)
	}
	return run, nil
}

func (s *PostgresStore) FinishSyncRun(ctx context.Context, run SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status=$2, issue_count=$3, changed_count=$4, removed_count=$5, error=$6, finished_at=NOW()
		WHERE id=$1
	`, run.ID, run.Status, run.IssueCount, run.Changed, run.Removed, run.Error)
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSyncRuns(ctx context.Context, teamID string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, team_id, source, status, issue_count, changed_count, removed_count, error, started_at, finished_at
		FROM sync_runs
		WHERE team_id=$1 OR $1=''
		ORDER BY started_at DESC
		LIMIT $2
	`, teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	runs := make([]SyncRun, 0)
	for rows.Next() {
		var run SyncRun
		if err := rows.Scan(&run.ID, &run.TeamID, &run.Source, &run.Status, &run.IssueCount, &run.Changed, &run.Removed, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync runs: %w", err)
	}
	return runs, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
