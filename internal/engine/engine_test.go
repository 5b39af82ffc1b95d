// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package engine

import (
	"testing"

	"github.com/cnyy99/giggle-worker/internal/diagnostics"
	"github.com/cnyy99/giggle-worker/pkg/packedformat"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPackTranslationsTagsSourceCorrectly(t *testing.T) {
	data, err := packTranslations(
		"task-1", "hello",
		map[string]string{"de": "hallo", "fr": "bonjour"},
		"hullo",
		map[string]string{"de": "hallo2"},
	)
	if err != nil {
		t.Fatal(err)
	}

	text, ok, err := packedformat.Query(data, "de", "task-1", packedformat.SourceText)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || text != "hallo" {
		t.Errorf("de/SourceText: got (%q, %v), want (hallo, true)", text, ok)
	}

	audio, ok, err := packedformat.Query(data, "de", "task-1", packedformat.SourceAudio)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || audio != "hallo2" {
		t.Errorf("de/SourceAudio: got (%q, %v), want (hallo2, true)", audio, ok)
	}

	fr, ok, err := packedformat.Query(data, "fr", "task-1", packedformat.SourceText)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || fr != "bonjour" {
		t.Errorf("fr/SourceText: got (%q, %v), want (bonjour, true)", fr, ok)
	}

	if _, ok, err := packedformat.Query(data, "fr", "task-1", packedformat.SourceAudio); err != nil || ok {
		t.Errorf("fr/SourceAudio should not exist, got (ok=%v, err=%v)", ok, err)
	}
}

func TestPublishRecordsTasksProcessed(t *testing.T) {
	e := &Engine{}

	before := testutil.ToFloat64(diagnostics.TasksProcessed.WithLabelValues("task_completed"))
	e.publish("task_completed", "task-1")
	after := testutil.ToFloat64(diagnostics.TasksProcessed.WithLabelValues("task_completed"))

	if after != before+1 {
		t.Errorf("expected task_completed counter to increment by 1, got before=%v after=%v", before, after)
	}
}

func TestPackTranslationsEmptyInputs(t *testing.T) {
	data, err := packTranslations("task-1", "", nil, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok, err := packedformat.Query(data, "de", "task-1", packedformat.SourceText); err != nil || ok {
		t.Errorf("expected no entries, got (ok=%v, err=%v)", ok, err)
	}
}
