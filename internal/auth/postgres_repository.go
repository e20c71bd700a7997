package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindUserByOAuth looks up a user by their OAuth provider and provider ID.
func (r *PostgresRepository) FindUserByOAuth(ctx context.Context, provider, providerID string) (*User, error) {
	const query = `
		SELECT id, email, name, avatar_url, oauth_provider, oauth_provider_id, created_at, updated_at, last_login_at
		FROM users
		WHERE oauth_provider = $1 AND oauth_provider_id = $2
	`

	var row userRow
	if err := r.db.GetContext(ctx, &row, query, provider, providerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return row.toUser(), nil
}

// CreateUser inserts a new user into the database.
func (r *PostgresRepository) CreateUser(ctx context.Context, user User) (User, error) {
	const query = `
		INSERT INTO users (id, email, name, avatar_url, oauth_provider, oauth_provider_id, created_at, updated_at, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Email,
		user.Name,
		user.AvatarURL,
		user.OAuthProvider,
		user.OAuthProviderID,
		user.CreatedAt,
		user.UpdatedAt,
		user.LastLoginAt,
	)
	if err != nil {
		return User{}, err
	}

	return user, nil
}

// UpdateUserLogin updates the user's last login time and refreshes profile data.
func (r *PostgresRepository) UpdateUserLogin(ctx context.Context, id uuid.UUID, name, avatarURL string) error {
	const query = `
		UPDATE users
		SET name = $2, avatar_url = $3, last_login_at = $4, updated_at = $4
		WHERE id = $1
	`

	now := time.Now()
	_, err := r.db.ExecContext(ctx, query, id, name, avatarURL, now)
	return err
}

// SaveSession inserts the session or replaces the token material of an
// existing session stored under the same key.
func (r *PostgresRepository) SaveSession(ctx context.Context, keyHash string, session Session) error {
	const query = `
		INSERT INTO user_sessions (
			id, session_key_hash, user_id, access_token, refresh_token, role,
			expires_at, created_at, updated_at, user_agent, ip_address
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_key_hash) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			role = EXCLUDED.role,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		keyHash,
		session.User.ID,
		session.AccessToken,
		session.RefreshToken,
		session.User.AppMetadata.Role,
		session.ExpiresAt,
		session.CreatedAt,
		time.Now(),
		session.UserAgent,
		session.IPAddress,
	)
	return err
}

// FindSession looks up a session and its associated user by key hash.
func (r *PostgresRepository) FindSession(ctx context.Context, keyHash string) (*Session, error) {
	const query = `
		SELECT
			s.id, s.user_id, s.access_token, s.refresh_token, s.role, s.expires_at,
			s.created_at, s.user_agent, s.ip_address,
			u.email, u.name, u.avatar_url, u.oauth_provider, u.oauth_provider_id,
			u.created_at AS user_created_at, u.updated_at AS user_updated_at, u.last_login_at
		FROM user_sessions s
		JOIN users u ON s.user_id = u.id
		WHERE s.session_key_hash = $1
	`

	var row sessionUserRow
	if err := r.db.GetContext(ctx, &row, query, keyHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return row.toSession(), nil
}

// DeleteSession removes a session from the database.
func (r *PostgresRepository) DeleteSession(ctx context.Context, keyHash string) error {
	const query = `DELETE FROM user_sessions WHERE session_key_hash = $1`
	_, err := r.db.ExecContext(ctx, query, keyHash)
	return err
}

// DeleteStaleSessions removes sessions that have not been touched since before.
func (r *PostgresRepository) DeleteStaleSessions(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM user_sessions WHERE updated_at < $1`
	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// userRow is a database row representation of User.
type userRow struct {
	ID              uuid.UUID `db:"id"`
	Email           string    `db:"email"`
	Name            string    `db:"name"`
	AvatarURL       string    `db:"avatar_url"`
	OAuthProvider   string    `db:"oauth_provider"`
	OAuthProviderID string    `db:"oauth_provider_id"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
	LastLoginAt     time.Time `db:"last_login_at"`
}

func (r *userRow) toUser() *User {
	return &User{
		ID:              r.ID,
		Email:           r.Email,
		Name:            r.Name,
		AvatarURL:       r.AvatarURL,
		OAuthProvider:   r.OAuthProvider,
		OAuthProviderID: r.OAuthProviderID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		LastLoginAt:     r.LastLoginAt,
	}
}

// sessionUserRow is a database row for the session + user join query.
type sessionUserRow struct {
	// Session fields
	ID           uuid.UUID `db:"id"`
	UserID       uuid.UUID `db:"user_id"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	Role         string    `db:"role"`
	ExpiresAt    time.Time `db:"expires_at"`
	CreatedAt    time.Time `db:"created_at"`
	UserAgent    string    `db:"user_agent"`
	IPAddress    string    `db:"ip_address"`

	// User fields
	Email           string    `db:"email"`
	Name            string    `db:"name"`
	AvatarURL       string    `db:"avatar_url"`
	OAuthProvider   string    `db:"oauth_provider"`
	OAuthProviderID string    `db:"oauth_provider_id"`
	UserCreatedAt   time.Time `db:"user_created_at"`
	UserUpdatedAt   time.Time `db:"user_updated_at"`
	LastLoginAt     time.Time `db:"last_login_at"`
}

func (r *sessionUserRow) toSession() *Session {
	return &Session{
		ID:           r.ID,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt,
		CreatedAt:    r.CreatedAt,
		UserAgent:    r.UserAgent,
		IPAddress:    r.IPAddress,
		User: User{
			ID:              r.UserID,
			Email:           r.Email,
			Name:            r.Name,
			AvatarURL:       r.AvatarURL,
			OAuthProvider:   r.OAuthProvider,
			OAuthProviderID: r.OAuthProviderID,
			AppMetadata:     AppMetadata{Role: r.Role},
			CreatedAt:       r.UserCreatedAt,
			UpdatedAt:       r.UserUpdatedAt,
			LastLoginAt:     r.LastLoginAt,
		},
	}
}
