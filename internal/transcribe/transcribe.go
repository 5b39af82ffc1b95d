// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transcribe defines the Transcriber adapter interface the
// engine calls when a task carries an audio file. No speech-to-text
// model ships in this repo; callers plug in whatever backend loads the
// model once at startup and binds it to an accelerator if available.
package transcribe

import "context"

// Transcriber turns recorded audio into text. Implementations do not
// observe cancellation themselves; the engine checks the cancelled set
// before calling and discards a late result if the task was cancelled
// while Transcribe was running.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath, sourceLanguage string) (string, error)
}

// Fixture is a Transcriber that returns canned text without touching
// the filesystem or any model, for use in tests and local runs where
// no real speech-to-text backend is wired up.
type Fixture struct {
	Text string
	Err  error
}

// Transcribe returns f.Text (or f.Err, if set) regardless of input.
func (f Fixture) Transcribe(_ context.Context, _, _ string) (string, error) {
	if f.Err != nil {
		return "", f.Err
	}
	return f.Text, nil
}
