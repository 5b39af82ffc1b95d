// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package packedformat

import (
	"encoding/hex"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
)

// hexBlob lets TestPackDeterministic pin the packed binary layout as a
// readable hex string: cupaloy uses fmt.Stringer's output verbatim as
// the snapshot body instead of a spew hex dump of the raw bytes.
type hexBlob string

func (h hexBlob) String() string { return string(h) }

func sampleEntries() map[string][]TextEntry {
	return map[string][]TextEntry{
		"en": {{TaskID: "task001", Text: "Hello world", SourceType: SourceText}},
		"zh-cn": {
			{TaskID: "task001", Text: "你好世界", SourceType: SourceText},
			{TaskID: "task001", Text: "你好世界音频", SourceType: SourceAudio},
		},
		"ja": {{TaskID: "task002", Text: "おはよう", SourceType: SourceText}},
	}
}

func TestPackQueryRoundtrip(t *testing.T) {
	blob, err := Pack(sampleEntries())
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	text, ok, err := Query(blob, "zh-cn", "task001", SourceText)
	if err != nil || !ok {
		t.Fatalf("Query zh-cn/task001/TEXT: ok=%v err=%v", ok, err)
	}
	if text != "你好世界" {
		t.Fatalf("got %q", text)
	}

	text, ok, err = Query(blob, "zh-cn", "task001", SourceAudio)
	if err != nil || !ok || text != "你好世界音频" {
		t.Fatalf("Query zh-cn/task001/AUDIO: text=%q ok=%v err=%v", text, ok, err)
	}

	if _, ok, err := Query(blob, "fr", "task001", SourceText); err != nil || ok {
		t.Fatalf("Query fr/task001/TEXT should miss, got ok=%v err=%v", ok, err)
	}

	if _, ok, err := Query(blob, "en", "task999", SourceText); err != nil || ok {
		t.Fatalf("Query en/task999/TEXT should miss, got ok=%v err=%v", ok, err)
	}
}

func TestQueryUnknownSourceType(t *testing.T) {
	blob, err := Pack(sampleEntries())
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	if _, ok := SourceTypeFromString("VIDEO"); ok {
		t.Fatalf("VIDEO should not resolve to a valid source type")
	}

	// A caller must short-circuit on SourceTypeFromString returning false
	// rather than calling Query with a made-up code; verify Query itself
	// still just misses instead of panicking on an unused code value.
	if _, ok, err := Query(blob, "en", "task001", 7); err != nil || ok {
		t.Fatalf("Query with unknown sourceType code should simply miss, got ok=%v err=%v", ok, err)
	}
}

func TestPackEmpty(t *testing.T) {
	blob, err := Pack(map[string][]TextEntry{})
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if len(blob) != headerSize {
		t.Fatalf("empty blob should be exactly %d bytes, got %d", headerSize, len(blob))
	}
	if byteOrder.Uint32(blob[4:8]) != 0 {
		t.Fatalf("empty blob should have langCount 0")
	}
}

func TestPackLongTaskIDTruncated(t *testing.T) {
	longID := "very_long_task_id_that_exceeds_8_bytes"
	entries := map[string][]TextEntry{
		"en": {{TaskID: longID, Text: "Test", SourceType: SourceText}},
	}
	blob, err := Pack(entries)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	text, ok, err := Query(blob, "en", longID, SourceText)
	if err != nil || !ok || text != "Test" {
		t.Fatalf("lookup with full long id should still hit via the shared 8-byte prefix: text=%q ok=%v err=%v", text, ok, err)
	}
}

func TestPackQueryLongLanguageTag(t *testing.T) {
	longTag := "zh-Hant-HK"
	entries := map[string][]TextEntry{
		longTag: {{TaskID: "task001", Text: "long tag text", SourceType: SourceText}},
	}
	blob, err := Pack(entries)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	text, ok, err := Query(blob, longTag, "task001", SourceText)
	if err != nil || !ok || text != "long tag text" {
		t.Fatalf("lookup with a language tag over 6 bytes should still hit: text=%q ok=%v err=%v", text, ok, err)
	}
}

func TestPackDeterministic(t *testing.T) {
	a, err := Pack(sampleEntries())
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	b, err := Pack(sampleEntries())
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("packing the same input twice produced different bytes")
	}

	cupaloy.SnapshotT(t, hexBlob(hex.EncodeToString(a)))
}

func TestQueryTruncatedBlob(t *testing.T) {
	if _, _, err := Query([]byte{1, 2, 3}, "en", "t", SourceText); err == nil {
		t.Fatalf("expected error for truncated header")
	}
}
