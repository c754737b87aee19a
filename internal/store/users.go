// ABOUTME: User account persistence for the SQLite store
// ABOUTME: Lookups by id, email, API key hash and Stripe customer plus tier and token updates

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buzzposter/buzzposter-gateway/internal/tier"
)

const userColumns = `id, email, api_key_hash, tier, late_access_token, late_refresh_token,
	stripe_customer_id, created_at, updated_at`

// CreateUser inserts a user and assigns its ID.
// Returns ErrDuplicate if the email or API key hash is already registered.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = user.CreatedAt
	if user.Tier == "" {
		user.Tier = tier.Free
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	query := `
		INSERT INTO users (email, api_key_hash, tier, late_access_token, late_refresh_token,
			stripe_customer_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		user.Email,
		user.APIKeyHash,
		string(user.Tier),
		nullString(user.LateAccessToken),
		nullString(user.LateRefreshToken),
		nullString(user.StripeCustomerID),
		formatTime(user.CreatedAt),
		formatTime(user.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading user id: %w", err)
	}
	user.ID = id

	s.logger.Debug("created user", "id", user.ID, "tier", user.Tier)
	return nil
}

// GetUser retrieves a user by ID.
func (s *SQLiteStore) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email (case-insensitive).
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// GetUserByAPIKeyHash retrieves the user owning an API key hash.
func (s *SQLiteStore) GetUserByAPIKeyHash(ctx context.Context, hash string) (*User, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE api_key_hash = ?`, hash)
	return scanUser(row)
}

// GetUserByStripeCustomer retrieves the user linked to a Stripe customer.
func (s *SQLiteStore) GetUserByStripeCustomer(ctx context.Context, customerID string) (*User, error) {
	if customerID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE stripe_customer_id = ?`, customerID)
	return scanUser(row)
}

// ListUsers returns all users ordered by id.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating users: %w", err)
	}
	return users, nil
}

// UpdateUserTier changes a user's tier. The next gate check sees the new tier.
func (s *SQLiteStore) UpdateUserTier(ctx context.Context, id int64, t tier.Name) error {
	return s.updateUser(ctx, id, "tier", `UPDATE users SET tier = ?, updated_at = ? WHERE id = ?`, string(t))
}

// RotateAPIKey replaces the stored key hash, invalidating the previous key.
func (s *SQLiteStore) RotateAPIKey(ctx context.Context, id int64, hash string) error {
	err := s.updateUser(ctx, id, "api key", `UPDATE users SET api_key_hash = ?, updated_at = ? WHERE id = ?`, hash)
	if err != nil && isConstraintViolation(err) {
		return ErrDuplicate
	}
	return err
}

// SaveLateTokens stores the Late OAuth tokens. Empty strings clear them.
func (s *SQLiteStore) SaveLateTokens(ctx context.Context, id int64, accessToken, refreshToken string) error {
	query := `UPDATE users SET late_access_token = ?, late_refresh_token = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		nullString(accessToken),
		nullString(refreshToken),
		formatTime(time.Now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating late tokens: %w", err)
	}
	return requireAffected(res)
}

// SetStripeCustomerID links the user to a Stripe customer.
func (s *SQLiteStore) SetStripeCustomerID(ctx context.Context, id int64, customerID string) error {
	return s.updateUser(ctx, id, "stripe customer", `UPDATE users SET stripe_customer_id = ?, updated_at = ? WHERE id = ?`, nullString(customerID))
}

func (s *SQLiteStore) updateUser(ctx context.Context, id int64, what, query string, value any) error {
	res, err := s.db.ExecContext(ctx, query, value, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating %s: %w", what, err)
	}
	if err := requireAffected(res); err != nil {
		return err
	}
	s.logger.Debug("updated user", "id", id, "field", what)
	return nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var tierName string
	var lateAccess, lateRefresh, stripeCustomer sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.APIKeyHash,
		&tierName,
		&lateAccess,
		&lateRefresh,
		&stripeCustomer,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	u.Tier = tier.Name(tierName)
	u.LateAccessToken = lateAccess.String
	u.LateRefreshToken = lateRefresh.String
	u.StripeCustomerID = stripeCustomer.String

	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if updatedAt != "" {
		if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
	}

	return &u, nil
}

var _ UserStore = (*SQLiteStore)(nil)
