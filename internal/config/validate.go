// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"encoding/json"
	"fmt"

	"github.com/cnyy99/giggle-worker/pkg/log"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validate compiles schema and checks instance against it, returning an
// error describing the first violation rather than aborting the process
// (unlike the reference config loader this started from, the worker is
// expected to fail startup cleanly via its caller, not exit mid-compile).
func Validate(schema string, instance json.RawMessage) error {
	sch, err := jsonschema.CompileString("config.json", schema)
	if err != nil {
		return fmt.Errorf("config: compiling schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		return fmt.Errorf("config: decoding instance: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		log.Errorf("config: validation failed: %#v", err)
		return fmt.Errorf("config: validation failed: %w", err)
	}

	return nil
}
