// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE translation_tasks (
	id                 VARCHAR(255) PRIMARY KEY,
	status             VARCHAR(32) NOT NULL,
	audio_file_path    VARCHAR(1024),
	text_content       TEXT,
	source_language    VARCHAR(16),
	target_languages   TEXT,
	assigned_node_id   VARCHAR(255),
	created_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at         TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	result_file_path   VARCHAR(1024),
	error_message      TEXT,
	retry_count        INTEGER NOT NULL DEFAULT 0,
	accuracy           REAL
);`

func setupRepo(t *testing.T) *TaskRepository {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(schema); err != nil {
		t.Fatal(err)
	}

	return &TaskRepository{DB: db, stmtCache: sq.NewStmtCache(db.DB)}
}

func TestTaskCreateAndFind(t *testing.T) {
	r := setupRepo(t)

	textContent := "hello world"
	sourceLang := "en"
	if err := r.Create("task-1", nil, &textContent, &sourceLang, []string{"de", "fr"}); err != nil {
		t.Fatal(err)
	}

	task, err := r.Find("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusPending {
		t.Errorf("status: got %s, want %s", task.Status, StatusPending)
	}
	if got := task.TargetLanguageList(); len(got) != 2 || got[0] != "de" || got[1] != "fr" {
		t.Errorf("target languages: got %v", got)
	}
}

func TestTaskUpdateStatusOnlyTouchesSuppliedFields(t *testing.T) {
	r := setupRepo(t)

	textContent := "hello"
	sourceLang := "en"
	if err := r.Create("task-1", nil, &textContent, &sourceLang, []string{"de"}); err != nil {
		t.Fatal(err)
	}

	accuracy := 0.9
	if err := r.UpdateStatus("task-1", StatusCompleted, UpdateStatusOpts{Accuracy: &accuracy}); err != nil {
		t.Fatal(err)
	}

	task, err := r.Find("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusCompleted {
		t.Errorf("status: got %s, want %s", task.Status, StatusCompleted)
	}
	if task.Accuracy == nil || *task.Accuracy != 0.9 {
		t.Errorf("accuracy: got %v, want 0.9", task.Accuracy)
	}
	if task.TextContent == nil || *task.TextContent != "hello" {
		t.Errorf("text_content should be untouched, got %v", task.TextContent)
	}

	errMsg := "boom"
	if err := r.UpdateStatus("task-1", StatusFailed, UpdateStatusOpts{ErrorMessage: &errMsg}); err != nil {
		t.Fatal(err)
	}
	task, err = r.Find("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.ErrorMessage == nil || *task.ErrorMessage != "boom" {
		t.Errorf("error_message: got %v", task.ErrorMessage)
	}
	if task.Accuracy == nil || *task.Accuracy != 0.9 {
		t.Errorf("accuracy should survive a later update that does not set it, got %v", task.Accuracy)
	}
}

func TestTaskUpdateAssignedNode(t *testing.T) {
	r := setupRepo(t)

	textContent := "hi"
	sourceLang := "en"
	if err := r.Create("task-1", nil, &textContent, &sourceLang, []string{"de"}); err != nil {
		t.Fatal(err)
	}

	if err := r.UpdateAssignedNode("task-1", "node-7"); err != nil {
		t.Fatal(err)
	}

	task, err := r.Find("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if task.AssignedNodeID == nil || *task.AssignedNodeID != "node-7" {
		t.Errorf("assigned_node_id: got %v, want node-7", task.AssignedNodeID)
	}
}

func TestTaskIncrementRetryCount(t *testing.T) {
	r := setupRepo(t)

	textContent := "hi"
	sourceLang := "en"
	if err := r.Create("task-1", nil, &textContent, &sourceLang, []string{"de"}); err != nil {
		t.Fatal(err)
	}

	count, err := r.IncrementRetryCount("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("retry count: got %d, want 1", count)
	}

	count, err = r.IncrementRetryCount("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("retry count: got %d, want 2", count)
	}
}
