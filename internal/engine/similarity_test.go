// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package engine

import "testing"

func TestSimilarityRatioIdentical(t *testing.T) {
	if got := similarityRatio("the quick fox", "the quick fox"); got != 1.0 {
		t.Errorf("got %f, want 1.0", got)
	}
}

func TestSimilarityRatioDisjoint(t *testing.T) {
	if got := similarityRatio("abc", "xyz"); got != 0.0 {
		t.Errorf("got %f, want 0.0", got)
	}
}

func TestSimilarityRatioEmptyBoth(t *testing.T) {
	if got := similarityRatio("", ""); got != 1.0 {
		t.Errorf("got %f, want 1.0", got)
	}
}

func TestSimilarityRatioOneEmpty(t *testing.T) {
	if got := similarityRatio("abc", ""); got != 0.0 {
		t.Errorf("got %f, want 0.0", got)
	}
}

func TestSimilarityRatioPartialOverlap(t *testing.T) {
	got := similarityRatio("hello world", "hello there")
	if got <= 0.0 || got >= 1.0 {
		t.Errorf("expected a ratio strictly between 0 and 1, got %f", got)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "  ", "b", "c"); got != "b" {
		t.Errorf("got %q, want %q", got, "b")
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
