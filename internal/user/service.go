package user

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/speedleague/reflex/internal/domain"
	"github.com/speedleague/reflex/internal/errors"
	"github.com/speedleague/reflex/internal/worldid"
)

const (
	codeUniqueViolation = "23505"
	tokenLifetime       = 30 * 24 * time.Hour
)

// DB is the slice of pgxpool.Pool this service queries through.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Config struct {
	DB          DB
	Verifier    worldid.Verifier
	TokenSecret string
}

// Service owns player identities: guests created on first contact, verified
// users keyed by their identity-proof nullifier, profile and preference edits,
// and the per-attempt stat updates the orchestrator applies.
type Service struct {
	db       DB
	verifier worldid.Verifier
	secret   []byte
}

func NewService(c Config) *Service {
	return &Service{
		db:       c.DB,
		verifier: c.Verifier,
		secret:   []byte(c.TokenSecret),
	}
}

const userColumns = `
id, COALESCE(username, ''), COALESCE(world_id, ''), is_verified, COALESCE(country, ''),
current_streak, longest_streak, COALESCE(last_played_day, ''), total_attempts,
COALESCE(all_time_best_ms, 0), COALESCE(preferences, '{}'::jsonb), create_time, last_active`

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID, &u.Username, &u.WorldID, &u.IsVerified, &u.Country,
		&u.CurrentStreak, &u.LongestStreak, &u.LastPlayedDay, &u.TotalAttempts,
		&u.AllTimeBestMs, &u.Preferences, &u.CreatedAt, &u.LastActive,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Get returns the user, or a not-found error.
func (s *Service) Get(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1;`, id)

	u, err := scanUser(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("user not found: %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("user: get: %w", err)
	}

	return u, nil
}

// GetMany returns the users for the given ids. Missing ids are skipped.
func (s *Service) GetMany(ctx context.Context, ids []string) ([]domain.User, error) {
	rows, err := s.db.Query(ctx, `SELECT `+userColumns+` FROM users WHERE id = ANY($1);`, ids)
	if err != nil {
		return nil, fmt.Errorf("user: get many: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.User, error) {
		u, err := scanUser(r)
		if err != nil {
			return domain.User{}, err
		}
		return *u, nil
	})
}

// Resolve returns the user with the given id, lazily creating a guest record
// on first contact.
func (s *Service) Resolve(ctx context.Context, id string) (*domain.User, error) {
	u, err := s.Get(ctx, id)
	if err == nil {
		return u, nil
	}
	if !errors.IsCode(err, errors.CodeNotFound) {
		return nil, err
	}

	u, err = s.insert(ctx, &domain.User{
		ID:       id,
		Username: fmt.Sprintf("Player%04d", rand.Intn(10000)),
	})
	// A concurrent first contact can win the insert; the row exists either way.
	if errors.IsCode(err, errors.CodeAlreadyExists) {
		return s.Get(ctx, id)
	}
	return u, err
}

// CreateGuest mints a fresh guest identity.
func (s *Service) CreateGuest(ctx context.Context) (*domain.User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("user: generate guest ID: %w", err)
	}

	return s.insert(ctx, &domain.User{
		ID:       "guest_" + id.String(),
		Username: fmt.Sprintf("Guest%04d", rand.Intn(10000)),
	})
}

func (s *Service) insert(ctx context.Context, u *domain.User) (*domain.User, error) {
	const stmt = `
INSERT INTO users (id, username, world_id, is_verified, create_time, last_active)
VALUES ($1, $2, NULLIF($3, ''), $4, now(), now())
RETURNING create_time, last_active;`

	err := s.db.QueryRow(ctx, stmt, u.ID, u.Username, u.WorldID, u.IsVerified).Scan(&u.CreatedAt, &u.LastActive)

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return nil, errors.New(errors.CodeAlreadyExists, errors.WithCause(err))
	}
	if err != nil {
		return nil, fmt.Errorf("user: insert: %w", err)
	}

	return u, nil
}

// VerifyIdentity runs the identity proof through the verifier and returns the
// verified user, creating one on first verification. The proof's nullifier is
// the stable cross-session key.
func (s *Service) VerifyIdentity(ctx context.Context, p worldid.Proof) (*domain.User, error) {
	if p.NullifierHash == "" {
		return nil, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("missing nullifier_hash"))
	}

	v, err := s.verifier.Verify(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("user: verify identity: %w", err)
	}
	if !v.Valid {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("identity proof rejected: %s", v.Reason))
	}

	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE world_id = $1;`, p.NullifierHash)
	u, err := scanUser(row)
	if err == nil {
		_, err = s.db.Exec(ctx, `UPDATE users SET last_active = now() WHERE id = $1;`, u.ID)
		if err != nil {
			return nil, fmt.Errorf("user: touch: %w", err)
		}
		return u, nil
	}
	if !stderrors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user: find by world id: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("user: generate user ID: %w", err)
	}

	return s.insert(ctx, &domain.User{
		ID:         "user_" + id.String(),
		Username:   fmt.Sprintf("Player%04d", rand.Intn(10000)),
		WorldID:    p.NullifierHash,
		IsVerified: true,
	})
}

// UpdateProfile edits username and country. Usernames are unique.
func (s *Service) UpdateProfile(ctx context.Context, id string, username, country *string) (*domain.User, error) {
	if username != nil {
		const stmt = `UPDATE users SET username = $2 WHERE id = $1;`
		if _, err := s.db.Exec(ctx, stmt, id, *username); err != nil {
			var pgErr *pgconn.PgError
			if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
				return nil, errors.New(errors.CodeAlreadyExists, errors.WithMessagef("username taken: %s", *username))
			}
			return nil, fmt.Errorf("user: update username: %w", err)
		}
	}

	if country != nil {
		if _, err := s.db.Exec(ctx, `UPDATE users SET country = $2 WHERE id = $1;`, id, *country); err != nil {
			return nil, fmt.Errorf("user: update country: %w", err)
		}
	}

	return s.Get(ctx, id)
}

// UpdatePreferences merges the given keys into the user's preference document.
func (s *Service) UpdatePreferences(ctx context.Context, id string, prefs map[string]any) (*domain.User, error) {
	const stmt = `
UPDATE users SET preferences = COALESCE(preferences, '{}'::jsonb) || $2
WHERE id = $1;`

	if _, err := s.db.Exec(ctx, stmt, id, prefs); err != nil {
		return nil, fmt.Errorf("user: update preferences: %w", err)
	}

	return s.Get(ctx, id)
}

// SaveStats writes back the mutable per-attempt fields after the orchestrator
// has applied streak, totals and all-time best.
func (s *Service) SaveStats(ctx context.Context, u *domain.User) error {
	const stmt = `
UPDATE users
SET total_attempts = $2, current_streak = $3, longest_streak = $4,
    last_played_day = $5, all_time_best_ms = NULLIF($6, 0), last_active = now()
WHERE id = $1;`

	_, err := s.db.Exec(ctx, stmt, u.ID, u.TotalAttempts, u.CurrentStreak, u.LongestStreak, u.LastPlayedDay, u.AllTimeBestMs)
	if err != nil {
		return fmt.Errorf("user: save stats: %w", err)
	}

	return nil
}

// Token issues a signed session token for the user.
func (s *Service) Token(u *domain.User) (string, error) {
	claims := jwt.MapClaims{
		"sub":      u.ID,
		"verified": u.IsVerified,
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(tokenLifetime).Unix(),
	}

	t, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("user: sign token: %w", err)
	}

	return t, nil
}

// ParseToken validates a session token and returns the user ID it carries.
func (s *Service) ParseToken(token string) (string, error) {
	t, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !t.Valid {
		return "", errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid session token"), errors.WithCause(err))
	}

	sub, err := t.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New(errors.CodeUnauthenticated, errors.WithMessagef("token missing subject"))
	}

	return sub, nil
}
