package user_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/speedleague/reflex/internal/domain"
	"github.com/speedleague/reflex/internal/errors"
	"github.com/speedleague/reflex/internal/user"
)

// scriptDB hands out a fixed sequence of single-row results.
type scriptDB struct {
	rows []scriptRow
}

type scriptRow struct {
	err error
	id  string
}

func (r scriptRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.id
	return nil
}

func (d *scriptDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	r := d.rows[0]
	d.rows = d.rows[1:]
	return r
}

func (d *scriptDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	panic("not scripted")
}

func (d *scriptDB) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func TestResolve_FirstContactRace(t *testing.T) {
	// The loser of two concurrent first contacts sees a unique violation on
	// insert and must return the row the winner created, not an error.
	db := &scriptDB{rows: []scriptRow{
		{err: pgx.ErrNoRows},
		{err: &pgconn.PgError{Code: "23505"}},
		{id: "u1"},
	}}
	s := user.NewService(user.Config{DB: db, TokenSecret: "test-secret"})

	u, err := s.Resolve(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)
	require.Empty(t, db.rows, "insert loser re-reads the winner's row")
}

func TestTokenRoundTrip(t *testing.T) {
	s := user.NewService(user.Config{TokenSecret: "test-secret"})

	tok, err := s.Token(&domain.User{ID: "guest_abc", IsVerified: false})
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	id, err := s.ParseToken(tok)
	require.NoError(t, err)
	require.Equal(t, "guest_abc", id)
}

func TestParseToken_RejectsForeignSignature(t *testing.T) {
	issuer := user.NewService(user.Config{TokenSecret: "secret-a"})
	parser := user.NewService(user.Config{TokenSecret: "secret-b"})

	tok, err := issuer.Token(&domain.User{ID: "u1"})
	require.NoError(t, err)

	_, err = parser.ParseToken(tok)
	require.Error(t, err)
	require.True(t, errors.IsCode(err, errors.CodeUnauthenticated))
}

func TestParseToken_RejectsGarbage(t *testing.T) {
	s := user.NewService(user.Config{TokenSecret: "test-secret"})

	_, err := s.ParseToken("not-a-token")
	require.True(t, errors.IsCode(err, errors.CodeUnauthenticated))
}
