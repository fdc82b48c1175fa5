package certdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// PostgresStore reads certificates from the server_certificate table:
//
//	id bigint, common_name text, alt_names text[], special text,
//	certificate_der bytea, chain_der bytea[], key_der bytea,
//	key_wrap_name text, not_after timestamptz, modified timestamptz,
//	deleted boolean
type PostgresStore struct {
	db    *sql.DB
	table string
}

func OpenPostgres(dsn, schema string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	return NewPostgresStore(db, schema), nil
}

func NewPostgresStore(db *sql.DB, schema string) *PostgresStore {
	table := pq.QuoteIdentifier("server_certificate")
	if schema != "" {
		table = pq.QuoteIdentifier(schema) + "." + table
	}
	return &PostgresStore{db: db, table: table}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Find(ctx context.Context, name, selector string) (*Record, error) {
	q := fmt.Sprintf(`SELECT id, common_name, alt_names, certificate_der, chain_der,
		key_der, COALESCE(key_wrap_name, ''), modified
		FROM %s
		WHERE NOT deleted AND (common_name = $1 OR $1 = ANY(alt_names))
			AND special IS NOT DISTINCT FROM NULLIF($2, '')
		ORDER BY common_name = $1 DESC, not_after DESC
		LIMIT 1`, s.table)

	var (
		rec      Record
		cn       string
		altNames []string
		leaf     []byte
		chain    [][]byte
	)
	err := s.db.QueryRowContext(ctx, q, name, selector).Scan(
		&rec.ID, &cn, pq.Array(&altNames), &leaf, pq.Array(&chain),
		&rec.Key, &rec.KeyWrap, &rec.Modified)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find %s", name)
	}

	rec.Names = append([]string{cn}, altNames...)
	rec.Chain = append([][]byte{leaf}, chain...)
	return &rec, nil
}

func (s *PostgresStore) Names(ctx context.Context, since time.Time) ([]NameRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if since.IsZero() {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, common_name, alt_names, deleted, modified
			FROM %s WHERE NOT deleted`, s.table))
	} else {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, common_name, alt_names, deleted, modified
			FROM %s WHERE modified >= $1 ORDER BY modified`, s.table), since)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query names")
	}
	defer rows.Close()

	var recs []NameRecord
	for rows.Next() {
		var (
			r        NameRecord
			cn       string
			altNames []string
		)
		if err := rows.Scan(&r.ID, &cn, pq.Array(&altNames), &r.Deleted, &r.Modified); err != nil {
			return nil, errors.Wrap(err, "scan names")
		}
		r.Names = append([]string{cn}, altNames...)
		recs = append(recs, r)
	}
	return recs, errors.Wrap(rows.Err(), "query names")
}
