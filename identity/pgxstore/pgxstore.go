// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package pgxstore implements the identity directory store on PostgreSQL.
package pgxstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/zot"
	"github.com/katzenpost/zot/identity"
)

// Schema is the database schema, applied on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS metadata (
	schema_version smallint NOT NULL
);

CREATE TABLE IF NOT EXISTS xchan (
	hash       text PRIMARY KEY,
	guid       text NOT NULL,
	guid_sig   text NOT NULL,
	pubkey     text NOT NULL,
	name       text NOT NULL DEFAULT '',
	address    text NOT NULL DEFAULT '',
	url        text NOT NULL DEFAULT '',
	photo      text NOT NULL DEFAULT '',
	updated    timestamptz NOT NULL,
	deleted    boolean NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS hubloc (
	id         bigserial PRIMARY KEY,
	hash       text NOT NULL REFERENCES xchan (hash),
	guid       text NOT NULL,
	guid_sig   text NOT NULL,
	address    text NOT NULL,
	site_url   text NOT NULL,
	url_sig    text NOT NULL,
	callback   text NOT NULL,
	sitekey    text NOT NULL,
	is_primary boolean NOT NULL DEFAULT false,
	deleted    boolean NOT NULL DEFAULT false,
	created    timestamptz NOT NULL,
	UNIQUE (hash, site_url)
);

CREATE INDEX IF NOT EXISTS hubloc_address_idx ON hubloc (address);
CREATE INDEX IF NOT EXISTS hubloc_site_idx ON hubloc (site_url);
`

const (
	schemaVersion = 0

	tagGetXchan      = "xchan_get"
	tagUpsertXchan   = "xchan_upsert"
	tagDeleteXchan   = "xchan_delete"
	tagDeleteHublocs = "hubloc_delete"
	tagUpsertHubloc  = "hubloc_upsert"
	tagByAddress     = "hubloc_by_address"
	tagByHash        = "hubloc_by_hash"
	tagBySite        = "hubloc_by_site"

	hublocColumns = "id, hash, guid, guid_sig, address, site_url, url_sig, callback, sitekey, is_primary, deleted, created"
	hublocOrder   = " ORDER BY created DESC, id DESC;"

	pgCodeForeignKeyViolation = "23503"
)

type pgxStore struct {
	pool *pgx.ConnPool
	log  *logging.Logger
}

// Log implements pgx.Logger.
func (s *pgxStore) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	if level == pgx.LogLevelNone {
		return
	}

	argVec := make([]interface{}, 0, 1+len(data))
	argVec = append(argVec, msg+" ")
	for k, v := range data {
		argVec = append(argVec, fmt.Sprintf("%s=%v ", k, v))
	}
	mStr := strings.TrimSpace(fmt.Sprint(argVec...))

	switch level {
	case pgx.LogLevelDebug:
		s.log.Debug(mStr)
	case pgx.LogLevelInfo:
		s.log.Info(mStr)
	case pgx.LogLevelWarn:
		s.log.Warning(mStr)
	case pgx.LogLevelError:
		s.log.Error(mStr)
	}
}

func (s *pgxStore) initMetadata() error {
	if _, err := s.pool.Exec(Schema); err != nil {
		return fmt.Errorf("pgxstore: failed to apply schema: %v", err)
	}

	var version int32
	err := s.pool.QueryRow("SELECT schema_version FROM metadata LIMIT 1;").Scan(&version)
	switch {
	case err == pgx.ErrNoRows:
		_, err = s.pool.Exec("INSERT INTO metadata (schema_version) VALUES ($1);", int32(schemaVersion))
		return err
	case err != nil:
		return fmt.Errorf("pgxstore: metadata query failed: %v", err)
	case version != schemaVersion:
		return fmt.Errorf("pgxstore: invalid schema version: %v", version)
	}
	return nil
}

func (s *pgxStore) initStatements() error {
	stmts := []struct {
		tag, query string
	}{
		{tagGetXchan, "SELECT hash, guid, guid_sig, pubkey, name, address, url, photo, updated, deleted FROM xchan WHERE hash = $1;"},
		{tagUpsertXchan, `INSERT INTO xchan (hash, guid, guid_sig, pubkey, name, address, url, photo, updated, deleted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (hash) DO UPDATE SET pubkey = EXCLUDED.pubkey, name = EXCLUDED.name,
			address = EXCLUDED.address, url = EXCLUDED.url, photo = EXCLUDED.photo,
			updated = EXCLUDED.updated, deleted = EXCLUDED.deleted;`},
		{tagDeleteXchan, "UPDATE xchan SET deleted = true WHERE hash = $1;"},
		{tagDeleteHublocs, "UPDATE hubloc SET deleted = true WHERE hash = $1;"},
		{tagUpsertHubloc, `INSERT INTO hubloc (hash, guid, guid_sig, address, site_url, url_sig, callback, sitekey, is_primary, deleted, created)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (hash, site_url) DO UPDATE SET address = EXCLUDED.address, url_sig = EXCLUDED.url_sig,
			callback = EXCLUDED.callback, sitekey = EXCLUDED.sitekey, is_primary = EXCLUDED.is_primary,
			deleted = EXCLUDED.deleted
			RETURNING id, created;`},
		{tagByAddress, "SELECT " + hublocColumns + " FROM hubloc WHERE address = $1" + hublocOrder},
		{tagByHash, "SELECT " + hublocColumns + " FROM hubloc WHERE hash = $1" + hublocOrder},
		{tagBySite, "SELECT " + hublocColumns + " FROM hubloc WHERE site_url = $1" + hublocOrder},
	}

	for _, v := range stmts {
		if _, err := s.pool.Prepare(v.tag, v.query); err != nil {
			s.log.Errorf("Failed to prepare statement %v -> %v: %v", v.tag, v.query, err)
			return err
		}
	}
	return nil
}

func (s *pgxStore) findLocations(tag, arg string) ([]*identity.Hubloc, error) {
	rows, err := s.pool.Query(tag, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hs []*identity.Hubloc
	for rows.Next() {
		var id int64
		h := new(identity.Hubloc)
		if err := rows.Scan(&id, &h.Hash, &h.GUID, &h.GUIDSig, &h.Address, &h.SiteURL, &h.URLSig, &h.Callback, &h.SiteKey, &h.Primary, &h.Deleted, &h.Created); err != nil {
			return nil, err
		}
		h.ID = uint64(id)
		hs = append(hs, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hs, nil
}

func (s *pgxStore) FindLocationsByAddress(addr string) ([]*identity.Hubloc, error) {
	return s.findLocations(tagByAddress, addr)
}

func (s *pgxStore) FindLocationsByHash(hash string) ([]*identity.Hubloc, error) {
	return s.findLocations(tagByHash, hash)
}

func (s *pgxStore) FindLocationsBySite(siteURL string) ([]*identity.Hubloc, error) {
	return s.findLocations(tagBySite, siteURL)
}

func (s *pgxStore) GetXchan(hash string) (*identity.Xchan, error) {
	x := new(identity.Xchan)
	err := s.pool.QueryRow(tagGetXchan, hash).Scan(&x.Hash, &x.GUID, &x.GUIDSig, &x.PublicKey, &x.Name, &x.Address, &x.URL, &x.Photo, &x.Updated, &x.Deleted)
	switch {
	case err == pgx.ErrNoRows:
		return nil, fmt.Errorf("%w: xchan %v", zot.ErrNotFound, hash)
	case err != nil:
		return nil, err
	}
	return x, nil
}

func (s *pgxStore) UpsertXchan(x *identity.Xchan) error {
	_, err := s.pool.Exec(tagUpsertXchan, x.Hash, x.GUID, x.GUIDSig, x.PublicKey, x.Name, x.Address, x.URL, x.Photo, x.Updated, x.Deleted)
	return err
}

func (s *pgxStore) UpsertHubloc(h *identity.Hubloc) error {
	created := h.Created
	if created.IsZero() {
		created = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(tagUpsertHubloc, h.Hash, h.GUID, h.GUIDSig, h.Address, h.SiteURL, h.URLSig, h.Callback, h.SiteKey, h.Primary, h.Deleted, created).Scan(&id, &h.Created)
	if pgErr, ok := err.(pgx.PgError); ok && pgErr.Code == pgCodeForeignKeyViolation {
		return fmt.Errorf("%w: hubloc references unknown xchan %v", zot.ErrNotFound, h.Hash)
	}
	if err != nil {
		return err
	}
	h.ID = uint64(id)
	return nil
}

func (s *pgxStore) DeleteXchan(hash string) error {
	tx, err := s.pool.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tag, err := tx.Exec(tagDeleteXchan, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: xchan %v", zot.ErrNotFound, hash)
	}
	if _, err = tx.Exec(tagDeleteHublocs, hash); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgxStore) Close() {
	s.pool.Close()
}

// New connects to the PostgreSQL database described by dsn, applying the
// schema if needed.  logLevel is the zotd logging level, mapped onto pgx's.
func New(dsn string, log *logging.Logger, logLevel string) (identity.Store, error) {
	s := &pgxStore{log: log}

	connCfg, err := pgx.ParseConnectionString(dsn)
	if err != nil {
		return nil, err
	}
	connCfg.Logger = s
	connCfg.LogLevel = toPgxLogLevel(logLevel)
	poolCfg := pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: 8,
	}

	isOk := false
	defer func() {
		if !isOk && s.pool != nil {
			s.pool.Close()
		}
	}()

	if s.pool, err = pgx.NewConnPool(poolCfg); err != nil {
		return nil, err
	}
	if err = s.initMetadata(); err != nil {
		return nil, err
	}
	if err = s.initStatements(); err != nil {
		return nil, err
	}

	isOk = true
	return s, nil
}

func toPgxLogLevel(cfgLevel string) pgx.LogLevel {
	switch strings.ToUpper(cfgLevel) {
	case "ERROR":
		return pgx.LogLevelError
	case "DEBUG":
		return pgx.LogLevelDebug
	default:
		// pgx.LogLevelInfo logs query arguments, which include remote
		// identities, so it is only exposed when debugging.
		return pgx.LogLevelWarn
	}
}
