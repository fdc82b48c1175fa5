package certdb

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a scratch database named by TLSTERM_TEST_DSN.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TLSTERM_TEST_DSN")
	if dsn == "" {
		t.Skip("TLSTERM_TEST_DSN not set")
	}
	ctx := context.Background()

	s, err := OpenPostgres(dsn, "")
	require.NoError(t, err)
	defer s.Close()
	s.DB().SetMaxOpenConns(1) // temporary tables are per connection

	_, err = s.DB().ExecContext(ctx, `CREATE TEMPORARY TABLE server_certificate (
		id bigserial PRIMARY KEY,
		common_name text NOT NULL,
		alt_names text[],
		special text,
		certificate_der bytea NOT NULL,
		chain_der bytea[],
		key_der bytea NOT NULL,
		key_wrap_name text,
		not_after timestamptz NOT NULL DEFAULT now() + interval '1 year',
		modified timestamptz NOT NULL DEFAULT now(),
		deleted boolean NOT NULL DEFAULT false)`)
	require.NoError(t, err)

	rec, _ := record(t, 1, nil, "", "pg.example", "alt.pg.example")
	_, err = s.DB().ExecContext(ctx, `INSERT INTO server_certificate
		(common_name, alt_names, certificate_der, chain_der, key_der)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.Names[0], pq.Array(rec.Names[1:]), rec.Chain[0], pq.Array(rec.Chain[1:]), rec.Key)
	require.NoError(t, err)

	got, err := s.Find(ctx, "alt.pg.example", "")
	require.NoError(t, err)
	assert.Equal(t, rec.Names, got.Names)
	assert.Equal(t, rec.Chain, got.Chain)
	_, err = got.Certificate(nil)
	require.NoError(t, err)

	_, err = s.Find(ctx, "pg.example", SelectorACME)
	assert.Equal(t, ErrNotFound, errors.Cause(err))

	names, err := s.Names(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, rec.Names, names[0].Names)
}
