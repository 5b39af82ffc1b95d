// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package packedformat implements the bit-exact, random-access packed
// binary translation format written to disk as a task's result file.
//
// Layout (all integers little-endian):
//
//	header        16 bytes: version u32=4, langCount u32, langIndexOffset u32, textDataOffset u32
//	language table  8 bytes/entry: codeLen u16, code [6]byte (NUL-padded/truncated), sorted lexicographically
//	language index 12 bytes/entry: codeHash u32, textIndexRelOffset u32, textCount u32
//	text index     20 bytes/entry: taskID [8]byte (NUL-padded/truncated), dataOffset u32, dataLength u32, sourceType u16, reserved u16
//	text data       zlib (best compression) of the UTF-8 text, concatenated back to back
//
// An empty blob (no translations at all) is exactly the 16-byte header
// with langCount == 0 and both offsets pointing past the header.
package packedformat

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

var byteOrder = binary.LittleEndian

const (
	Version = 4

	headerSize        = 16
	langEntrySize     = 8
	langIndexItemSize = 12
	textIndexItemSize = 20

	// SourceText marks a translation produced from the task's submitted text.
	SourceText uint16 = 0
	// SourceAudio marks a translation produced from the transcribed audio.
	SourceAudio uint16 = 1
)

// TextEntry is one translated string belonging to a single task and language.
type TextEntry struct {
	TaskID     string
	Text       string
	SourceType uint16
}

// languageHash returns the first 32 bits of the MD5 hex digest of code,
// matching the original packer's deterministic_hash.
func languageHash(code string) uint32 {
	sum := md5.Sum([]byte(code))
	hexDigest := hex.EncodeToString(sum[:])
	h, _ := strconv.ParseUint(hexDigest[:8], 16, 32)
	return uint32(h)
}

func packTaskID(taskID string) [8]byte {
	var out [8]byte
	copy(out[:], taskID)
	return out
}

func packLangCode(code string) [6]byte {
	var out [6]byte
	copy(out[:], code)
	return out
}

// clipLangCode truncates code to the 6 bytes actually written to the
// language table, matching packLangCode, so a stored code read back by
// languageAt can be compared against an untruncated query argument.
func clipLangCode(code string) string {
	if len(code) <= 6 {
		return code
	}
	return code[:6]
}

// Pack builds a packed blob from the set of per-language translations,
// grouped as entries[language] = []TextEntry. Languages and, within a
// language, entries are written in a deterministic order (languages
// sorted lexicographically, entries in the order they were appended)
// so that packing the same input twice produces byte-identical output.
func Pack(entries map[string][]TextEntry) ([]byte, error) {
	if len(entries) == 0 {
		header := make([]byte, headerSize)
		byteOrder.PutUint32(header[0:4], Version)
		byteOrder.PutUint32(header[4:8], 0)
		byteOrder.PutUint32(header[8:12], headerSize)
		byteOrder.PutUint32(header[12:16], headerSize)
		return header, nil
	}

	languages := make([]string, 0, len(entries))
	for lang := range entries {
		languages = append(languages, lang)
	}
	sort.Strings(languages)

	var langTable bytes.Buffer
	for _, lang := range languages {
		codeBytes := []byte(lang)
		var lenBuf [2]byte
		byteOrder.PutUint16(lenBuf[:], uint16(len(codeBytes)))
		langTable.Write(lenBuf[:])
		code := packLangCode(lang)
		langTable.Write(code[:])
	}

	var langIndex bytes.Buffer
	var textIndex bytes.Buffer
	var textData bytes.Buffer

	textIndexRelOffset := uint32(0)
	for _, lang := range languages {
		texts := entries[lang]

		var indexBuf [12]byte
		byteOrder.PutUint32(indexBuf[0:4], languageHash(lang))
		byteOrder.PutUint32(indexBuf[4:8], textIndexRelOffset)
		byteOrder.PutUint32(indexBuf[8:12], uint32(len(texts)))
		langIndex.Write(indexBuf[:])

		for _, entry := range texts {
			compressed, err := compress(entry.Text)
			if err != nil {
				return nil, fmt.Errorf("packedformat: compressing text for task %q language %q: %w", entry.TaskID, lang, err)
			}

			var itemBuf [textIndexItemSize]byte
			taskIDBytes := packTaskID(entry.TaskID)
			copy(itemBuf[0:8], taskIDBytes[:])
			byteOrder.PutUint32(itemBuf[8:12], uint32(textData.Len()))
			byteOrder.PutUint32(itemBuf[12:16], uint32(len(compressed)))
			byteOrder.PutUint16(itemBuf[16:18], entry.SourceType)
			byteOrder.PutUint16(itemBuf[18:20], 0)
			textIndex.Write(itemBuf[:])

			textData.Write(compressed)
			textIndexRelOffset += textIndexItemSize
		}
	}

	langTableOffset := headerSize
	langIndexOffset := langTableOffset + langTable.Len()
	textIndexOffset := langIndexOffset + langIndex.Len()
	textDataOffset := textIndexOffset + textIndex.Len()

	header := make([]byte, headerSize)
	byteOrder.PutUint32(header[0:4], Version)
	byteOrder.PutUint32(header[4:8], uint32(len(languages)))
	byteOrder.PutUint32(header[8:12], uint32(langIndexOffset))
	byteOrder.PutUint32(header[12:16], uint32(textDataOffset))

	var out bytes.Buffer
	out.Write(header)
	out.Write(langTable.Bytes())
	out.Write(langIndex.Bytes())
	out.Write(textIndex.Bytes())
	out.Write(textData.Bytes())
	return out.Bytes(), nil
}

func compress(text string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(text)); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SourceTypeFromString converts "TEXT"/"AUDIO" (case-insensitive) into
// the on-disk sourceType code. The second return value is false for any
// other string, which callers must treat as an immediate not-found.
func SourceTypeFromString(s string) (uint16, bool) {
	switch strings.ToUpper(s) {
	case "TEXT":
		return SourceText, true
	case "AUDIO":
		return SourceAudio, true
	default:
		return 0, false
	}
}

// Query looks up the decompressed text for (language, taskID, sourceType)
// within a packed blob. It returns (text, true, nil) on a hit, (_, false, nil)
// when nothing matches, and a non-nil error for a structurally invalid
// blob (truncated header, unsupported version, offsets pointing outside
// the data) or for matched text that fails to decompress.
func Query(data []byte, language, taskID string, sourceType uint16) (string, bool, error) {
	if len(data) < headerSize {
		return "", false, fmt.Errorf("packedformat: blob shorter than header (%d bytes)", len(data))
	}

	version := byteOrder.Uint32(data[0:4])
	if version != Version {
		return "", false, fmt.Errorf("packedformat: unsupported version %d", version)
	}
	langCount := byteOrder.Uint32(data[4:8])
	langIndexOffset := byteOrder.Uint32(data[8:12])
	textDataOffset := byteOrder.Uint32(data[12:16])

	wantHash := languageHash(language)

	var textIndexStart uint32
	var textCount uint32
	found := false

	for i := uint32(0); i < langCount; i++ {
		pos := langIndexOffset + i*langIndexItemSize
		if int(pos+langIndexItemSize) > len(data) {
			return "", false, fmt.Errorf("packedformat: language index entry %d out of range", i)
		}

		storedHash := byteOrder.Uint32(data[pos : pos+4])
		if storedHash != wantHash {
			continue
		}

		// Resolve the 32-bit hash collision by decoding the actual
		// language code stored in the language table and comparing it.
		storedLang, err := languageAt(data, headerSize, i)
		if err != nil {
			return "", false, err
		}
		if storedLang != clipLangCode(language) {
			continue
		}

		textOffset := byteOrder.Uint32(data[pos+4 : pos+8])
		textCount = byteOrder.Uint32(data[pos+8 : pos+12])
		textIndexStart = langIndexOffset + langCount*langIndexItemSize + textOffset
		found = true
		break
	}

	if !found {
		return "", false, nil
	}

	wantTaskID := packTaskID(taskID)

	for i := uint32(0); i < textCount; i++ {
		pos := textIndexStart + i*textIndexItemSize
		if int(pos+textIndexItemSize) > len(data) {
			return "", false, fmt.Errorf("packedformat: text index entry %d out of range", i)
		}

		var storedTaskID [8]byte
		copy(storedTaskID[:], data[pos:pos+8])
		dataOffset := byteOrder.Uint32(data[pos+8 : pos+12])
		dataLength := byteOrder.Uint32(data[pos+12 : pos+16])
		storedSourceType := byteOrder.Uint16(data[pos+16 : pos+18])

		if storedTaskID != wantTaskID || storedSourceType != sourceType {
			continue
		}

		start := int(textDataOffset + dataOffset)
		end := start + int(dataLength)
		if end > len(data) || start > end {
			return "", false, fmt.Errorf("packedformat: text data range [%d,%d) out of range", start, end)
		}

		text, err := decompress(data[start:end])
		if err != nil {
			return "", false, fmt.Errorf("packedformat: decompressing text: %w", err)
		}
		return text, true, nil
	}

	return "", false, nil
}

// languageAt decodes the language code stored at entry index i of the
// language table that begins at tableOffset.
func languageAt(data []byte, tableOffset uint32, i uint32) (string, error) {
	pos := tableOffset + i*langEntrySize
	if int(pos+langEntrySize) > len(data) {
		return "", fmt.Errorf("packedformat: language table entry %d out of range", i)
	}
	codeLen := byteOrder.Uint16(data[pos : pos+2])
	if int(codeLen) > 6 {
		codeLen = 6
	}
	return string(data[pos+2 : pos+2+uint32(codeLen)]), nil
}

func decompress(compressed []byte) (string, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return "", err
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
