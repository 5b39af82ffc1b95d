// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
)

var (
	taskRepoOnce     sync.Once
	taskRepoInstance *TaskRepository
)

// TaskStatus mirrors the status column of translation_tasks.
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusFailed     TaskStatus = "FAILED"
	StatusCancelled  TaskStatus = "CANCELLED"
)

// Task is a row of the translation_tasks table.
type Task struct {
	ID               string     `db:"id"`
	Status           TaskStatus `db:"status"`
	AudioFilePath    *string    `db:"audio_file_path"`
	TextContent      *string    `db:"text_content"`
	SourceLanguage   *string    `db:"source_language"`
	TargetLanguages  string     `db:"target_languages"`
	AssignedNodeID   *string    `db:"assigned_node_id"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	ResultFilePath   *string    `db:"result_file_path"`
	ErrorMessage     *string    `db:"error_message"`
	RetryCount       int        `db:"retry_count"`
	Accuracy         *float64   `db:"accuracy"`
}

// TargetLanguageList splits the comma-joined target_languages column.
func (t *Task) TargetLanguageList() []string {
	if t.TargetLanguages == "" {
		return nil
	}
	return strings.Split(t.TargetLanguages, ",")
}

// TaskRepository is the persistent store client for translation_tasks: a
// thin sqlx + squirrel layer that only ever touches the columns it is
// given, so a status update that carries no transcript or accuracy
// leaves those columns untouched rather than clobbering them with NULL.
type TaskRepository struct {
	DB        *sqlx.DB
	stmtCache *sq.StmtCache
}

func GetTaskRepository() *TaskRepository {
	taskRepoOnce.Do(func() {
		db := GetConnection()
		taskRepoInstance = &TaskRepository{
			DB:        db.DB,
			stmtCache: sq.NewStmtCache(db.DB),
		}
	})
	return taskRepoInstance
}

var taskColumns = []string{
	"id", "status", "audio_file_path", "text_content", "source_language",
	"target_languages", "assigned_node_id", "created_at", "updated_at",
	"result_file_path", "error_message", "retry_count", "accuracy",
}

// Find returns the task with the given id, or sql.ErrNoRows if absent.
func (r *TaskRepository) Find(taskID string) (*Task, error) {
	task := &Task{}
	row := sq.Select(taskColumns...).From("translation_tasks").
		Where("id = ?", taskID).RunWith(r.stmtCache).QueryRow()

	if err := row.Scan(
		&task.ID, &task.Status, &task.AudioFilePath, &task.TextContent, &task.SourceLanguage,
		&task.TargetLanguages, &task.AssignedNodeID, &task.CreatedAt, &task.UpdatedAt,
		&task.ResultFilePath, &task.ErrorMessage, &task.RetryCount, &task.Accuracy,
	); err != nil {
		return nil, err
	}
	return task, nil
}

// Create inserts a new PENDING task. targetLanguages is stored comma-joined.
func (r *TaskRepository) Create(taskID string, audioFilePath, textContent, sourceLanguage *string, targetLanguages []string) error {
	_, err := r.DB.Exec(
		`INSERT INTO translation_tasks (id, status, audio_file_path, text_content, source_language, target_languages, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		taskID, StatusPending, audioFilePath, textContent, sourceLanguage, strings.Join(targetLanguages, ","),
	)
	return err
}

// UpdateStatusOpts carries the optional fields of an UpdateStatus call.
// A nil field leaves the corresponding column untouched.
type UpdateStatusOpts struct {
	ResultFilePath   *string
	ErrorMessage     *string
	Accuracy         *float64
	TranscribedText  *string
}

// UpdateStatus sets status and updated_at, plus any of the optional
// result columns that were supplied. Only columns with a non-nil value
// are included in the UPDATE, so e.g. marking a task FAILED does not
// overwrite a previously recorded accuracy with NULL.
func (r *TaskRepository) UpdateStatus(taskID string, status TaskStatus, opts UpdateStatusOpts) error {
	stmt := sq.Update("translation_tasks").
		Set("status", status).
		Set("updated_at", time.Now().UTC()).
		Where("id = ?", taskID)

	if opts.ResultFilePath != nil {
		stmt = stmt.Set("result_file_path", *opts.ResultFilePath)
	}
	if opts.ErrorMessage != nil {
		stmt = stmt.Set("error_message", *opts.ErrorMessage)
	}
	if opts.Accuracy != nil {
		stmt = stmt.Set("accuracy", *opts.Accuracy)
	}
	if opts.TranscribedText != nil {
		stmt = stmt.Set("text_content", *opts.TranscribedText)
	}

	_, err := stmt.RunWith(r.stmtCache).Exec()
	return err
}

// UpdateAssignedNode records which node owns a task, set on assignment.
func (r *TaskRepository) UpdateAssignedNode(taskID, nodeID string) error {
	_, err := sq.Update("translation_tasks").
		Set("assigned_node_id", nodeID).
		Set("updated_at", time.Now().UTC()).
		Where("id = ?", taskID).
		RunWith(r.stmtCache).Exec()
	return err
}

// IncrementRetryCount bumps retry_count by one and returns the new value.
func (r *TaskRepository) IncrementRetryCount(taskID string) (int, error) {
	if _, err := sq.Update("translation_tasks").
		Set("retry_count", sq.Expr("retry_count + 1")).
		Set("updated_at", time.Now().UTC()).
		Where("id = ?", taskID).
		RunWith(r.stmtCache).Exec(); err != nil {
		return 0, err
	}

	var count int
	err := sq.Select("retry_count").From("translation_tasks").
		Where("id = ?", taskID).RunWith(r.stmtCache).QueryRow().Scan(&count)
	return count, err
}
