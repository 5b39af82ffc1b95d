// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store is the worker's persistent store client: a thin sqlx +
// squirrel layer over the translation_tasks table, with connection
// setup, schema migrations and query-logging hooks adapted from the
// teacher's own repository package.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cnyy99/giggle-worker/pkg/log"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

var (
	dbConnOnce     sync.Once
	dbConnInstance *DBConnection
)

type DBConnection struct {
	DB *sqlx.DB
}

// Connect opens the singleton database connection for driver ("sqlite3"
// or "mysql") and dsn db, then checks the schema version and applies
// pending migrations when none or an older one is recorded (a newer
// version is an error). maxConns sizes the pool for mysql; sqlite3 is always
// capped at a single connection since it does not multiplex writes.
func Connect(driver string, db string, maxConns int) error {
	var err error
	var dbHandle *sqlx.DB

	dbConnOnce.Do(func() {
		if driver == "sqlite3" {
			sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &Hooks{}))
			dbHandle, err = sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", db))
			if err != nil {
				return
			}

			// sqlite does not multithread. Having more than one connection open would just mean
			// waiting for locks.
			dbHandle.SetMaxOpenConns(1)
		} else if driver == "mysql" {
			dbHandle, err = sqlx.Open("mysql", fmt.Sprintf("%s?multiStatements=true", db))
			if err != nil {
				return
			}

			dbHandle.SetConnMaxLifetime(time.Minute * 3)
			dbHandle.SetMaxOpenConns(maxConns)
			dbHandle.SetMaxIdleConns(maxConns)
		} else {
			err = fmt.Errorf("unsupported database driver: %s", driver)
			return
		}

		dbConnInstance = &DBConnection{DB: dbHandle}
		err = checkDBVersion(driver, dbHandle.DB)
	})

	return err
}

func GetConnection() *DBConnection {
	if dbConnInstance == nil {
		log.Fatal("store: database connection not initialized")
	}

	return dbConnInstance
}
