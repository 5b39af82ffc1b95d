// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package transcribe

import (
	"context"
	"errors"
	"testing"
)

func TestFixtureReturnsText(t *testing.T) {
	f := Fixture{Text: "hello world"}
	text, err := f.Transcribe(context.Background(), "/tmp/audio.wav", "en")
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello world" {
		t.Errorf("got %q, want %q", text, "hello world")
	}
}

func TestFixtureReturnsError(t *testing.T) {
	wantErr := errors.New("boom")
	f := Fixture{Err: wantErr}
	_, err := f.Transcribe(context.Background(), "/tmp/audio.wav", "en")
	if err != wantErr {
		t.Errorf("got %v, want %v", err, wantErr)
	}
}
