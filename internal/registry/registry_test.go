// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package registry

import "testing"

func TestRankingScoreWeighting(t *testing.T) {
	// All-idle node should score 0.
	if got := rankingScore(0, 0, 0); got != 0 {
		t.Errorf("idle node: got %f, want 0", got)
	}

	// Fully loaded node should score 1.
	if got := rankingScore(100, 100, 10); got != 1 {
		t.Errorf("saturated node: got %f, want 1", got)
	}
}

func TestRankingScoreCapsActiveTaskContribution(t *testing.T) {
	at10 := rankingScore(0, 0, 10)
	at20 := rankingScore(0, 0, 20)
	if at10 != at20 {
		t.Errorf("active task contribution should cap at 10: got %f and %f", at10, at20)
	}
}

func TestRankingScorePrefersLighterNode(t *testing.T) {
	light := rankingScore(10, 10, 1)
	heavy := rankingScore(90, 90, 9)
	if light >= heavy {
		t.Errorf("lighter node should score lower: light=%f heavy=%f", light, heavy)
	}
}

func TestFloatFieldFallback(t *testing.T) {
	if got := floatField(42.5, 0); got != 42.5 {
		t.Errorf("got %f, want 42.5", got)
	}
	if got := floatField(nil, 99.0); got != 99.0 {
		t.Errorf("got %f, want fallback 99.0", got)
	}
	if got := floatField("not a float", 5.0); got != 5.0 {
		t.Errorf("got %f, want fallback 5.0", got)
	}
}

func TestBoolField(t *testing.T) {
	if got := boolField(true); got != "1" {
		t.Errorf("got %q, want 1", got)
	}
	if got := boolField(false); got != "0" {
		t.Errorf("got %q, want 0", got)
	}
}

func TestCancelledTaskTracking(t *testing.T) {
	r := &Registry{}

	if r.IsCancelled("task-1") {
		t.Errorf("task should not be cancelled yet")
	}

	r.cancelledTasks.Store("task-1", struct{}{})
	if !r.IsCancelled("task-1") {
		t.Errorf("task should be cancelled")
	}

	r.ClearCancelled("task-1")
	if r.IsCancelled("task-1") {
		t.Errorf("task should no longer be cancelled after clearing")
	}
}

func TestReleaseTaskNeverGoesNegative(t *testing.T) {
	r := &Registry{}
	r.ReleaseTask()
	if r.activeTaskCount != 0 {
		t.Errorf("activeTaskCount should stay at 0, got %d", r.activeTaskCount)
	}

	r.activeTaskCount = 2
	r.ReleaseTask()
	if r.activeTaskCount != 1 {
		t.Errorf("got %d, want 1", r.activeTaskCount)
	}
}

func TestValidateAgainstTaskSchema(t *testing.T) {
	if err := validateAgainst(taskSchema, []byte(`{"taskId":"t1","sourceLanguage":"en"}`)); err != nil {
		t.Errorf("valid task payload should pass: %v", err)
	}
	if err := validateAgainst(taskSchema, []byte(`{"sourceLanguage":"en"}`)); err == nil {
		t.Errorf("task payload missing taskId should fail validation")
	}
	if err := validateAgainst(taskSchema, []byte(`not json`)); err == nil {
		t.Errorf("invalid json should fail validation")
	}
}

func TestValidateAgainstControlSchema(t *testing.T) {
	if err := validateAgainst(controlSchema, []byte(`{"action":"CANCEL_TASK","taskId":"t1"}`)); err != nil {
		t.Errorf("valid control payload should pass: %v", err)
	}
	if err := validateAgainst(controlSchema, []byte(`{"action":"CANCEL_TASK"}`)); err == nil {
		t.Errorf("control payload missing taskId should fail validation")
	}
}

func TestKeyHelpers(t *testing.T) {
	r := &Registry{nodeID: "node-7"}

	if got := r.nodeKey(); got != "worker_nodes:node-7" {
		t.Errorf("nodeKey: got %q", got)
	}
	if got := r.taskQueue(); got != "task_queue:node-7" {
		t.Errorf("taskQueue: got %q", got)
	}
	if got := r.ctrlQueue(); got != "control_queue:node-7" {
		t.Errorf("ctrlQueue: got %q", got)
	}
}
