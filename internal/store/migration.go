// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/cnyy99/giggle-worker/pkg/log"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const supportedVersion uint = 1

//go:embed migrations/*
var migrationFiles embed.FS

func checkDBVersion(backend string, db *sql.DB) error {
	var m *migrate.Migrate
	var err error

	if backend == "sqlite3" {
		driver, derr := sqlite3.WithInstance(db, &sqlite3.Config{})
		if derr != nil {
			return derr
		}
		d, derr := iofs.New(migrationFiles, "migrations/sqlite3")
		if derr != nil {
			return derr
		}
		m, err = migrate.NewWithInstance("iofs", d, "sqlite3", driver)
	} else if backend == "mysql" {
		driver, derr := mysql.WithInstance(db, &mysql.Config{})
		if derr != nil {
			return derr
		}
		d, derr := iofs.New(migrationFiles, "migrations/mysql")
		if derr != nil {
			return derr
		}
		m, err = migrate.NewWithInstance("iofs", d, "mysql", driver)
	} else {
		return fmt.Errorf("store: unsupported backend %q", backend)
	}
	if err != nil {
		return err
	}

	v, _, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Warn("store: no schema applied yet, running migrations")
			if upErr := m.Up(); upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
				return fmt.Errorf("store: applying migrations: %w", upErr)
			}
			return nil
		}
		return err
	}

	if v < supportedVersion {
		log.Infof("store: schema at version %d, migrating to %d", v, supportedVersion)
		if upErr := m.Up(); upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
			return fmt.Errorf("store: applying migrations: %w", upErr)
		}
		return nil
	}

	if v > supportedVersion {
		return fmt.Errorf("store: schema version %d is newer than this binary supports (%d)", v, supportedVersion)
	}

	return nil
}

// MigrateDB applies all pending migrations for backend against the dsn db
// without requiring an already-open *sql.DB. cmd/worker calls this once
// at startup before Connect so the engine never dequeues against a
// schema that hasn't been created yet.
func MigrateDB(backend string, db string) error {
	var m *migrate.Migrate
	var err error

	if backend == "sqlite3" {
		d, derr := iofs.New(migrationFiles, "migrations/sqlite3")
		if derr != nil {
			return derr
		}
		m, err = migrate.NewWithSourceInstance("iofs", d, fmt.Sprintf("sqlite3://%s?_foreign_keys=on", db))
	} else if backend == "mysql" {
		d, derr := iofs.New(migrationFiles, "migrations/mysql")
		if derr != nil {
			return derr
		}
		m, err = migrate.NewWithSourceInstance("iofs", d, fmt.Sprintf("mysql://%s?multiStatements=true", db))
	} else {
		return fmt.Errorf("store: unsupported backend %q", backend)
	}
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
