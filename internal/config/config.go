// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and validates the worker's environment-driven
// configuration into a single authoritative Keys value.
package config

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/cnyy99/giggle-worker/pkg/log"
	"github.com/joho/godotenv"
)

// ProgramConfig is the worker's fully resolved runtime configuration.
type ProgramConfig struct {
	NodeID string `json:"node_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`

	RedisHost     string `json:"redis_host"`
	RedisPort     int    `json:"redis_port"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	DBDriver string `json:"db_driver"`
	DB       string `json:"db"`

	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	HeartbeatInterval  int `json:"heartbeat_interval"`
	TaskTimeout        int `json:"task_timeout"`

	TranslationAPIKey    string `json:"-"`
	GoogleTranslateAPIKey string `json:"-"`
	DeeplAPIKey          string `json:"-"`
	DeeplAPIURL          string `json:"deepl_api_url"`
	LibreTranslateURL    string `json:"libre_translate_url"`

	NatsAddress      string `json:"nats_address"`
	DiagnosticsAddr  string `json:"diagnostics_addr"`

	// Drop root permissions once the diagnostics port is bound.
	RunAsUser  string `json:"run_as_user"`
	RunAsGroup string `json:"run_as_group"`
}

// Keys is the process-wide configuration singleton, populated by Load.
var Keys = ProgramConfig{
	NodeID: "giggle-worker-1",
	Host:   "localhost",
	Port:   8001,

	RedisHost: "localhost",
	RedisPort: 6379,
	RedisDB:   0,

	DBDriver: "sqlite3",
	DB:       "./var/worker.db",

	MaxConcurrentTasks: 3,
	HeartbeatInterval:  30,
	TaskTimeout:        1800,

	DeeplAPIURL:       "https://api-free.deepl.com",
	LibreTranslateURL: "https://libretranslate.de/translate",

	DiagnosticsAddr: ":8081",
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("config: invalid int value for %s=%q, using default %d", key, v, fallback)
		return fallback
	}
	return n
}

// Load reads an optional .env file (a missing file is not an error),
// then populates Keys from the environment, applying the defaults
// above, and validates the result against configSchema.
func Load(envFile string) error {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		log.Warnf("config: could not load %s: %v", envFile, err)
	}

	Keys.NodeID = getEnv("NODE_ID", Keys.NodeID)
	Keys.Host = getEnv("HOST", Keys.Host)
	Keys.Port = getEnvInt("PORT", Keys.Port)

	Keys.RedisHost = getEnv("REDIS_HOST", Keys.RedisHost)
	Keys.RedisPort = getEnvInt("REDIS_PORT", Keys.RedisPort)
	Keys.RedisPassword = getEnv("REDIS_PASSWORD", Keys.RedisPassword)
	Keys.RedisDB = getEnvInt("REDIS_DB", Keys.RedisDB)

	Keys.DBDriver = getEnv("DB_DRIVER", Keys.DBDriver)
	Keys.DB = getEnv("DB", Keys.DB)

	Keys.MaxConcurrentTasks = getEnvInt("MAX_CONCURRENT_TASKS", Keys.MaxConcurrentTasks)
	Keys.HeartbeatInterval = getEnvInt("HEARTBEAT_INTERVAL", Keys.HeartbeatInterval)
	Keys.TaskTimeout = getEnvInt("TASK_TIMEOUT", Keys.TaskTimeout)

	Keys.TranslationAPIKey = getEnv("TRANSLATION_API_KEY", Keys.TranslationAPIKey)
	Keys.GoogleTranslateAPIKey = getEnv("GOOGLE_TRANSLATE_API_KEY", Keys.GoogleTranslateAPIKey)
	Keys.DeeplAPIKey = getEnv("DEEPL_API_KEY", Keys.DeeplAPIKey)
	Keys.DeeplAPIURL = getEnv("DEEPL_API_URL", Keys.DeeplAPIURL)
	Keys.LibreTranslateURL = getEnv("LIBRE_TRANSLATE_URL", Keys.LibreTranslateURL)

	Keys.NatsAddress = getEnv("NATS_ADDRESS", Keys.NatsAddress)
	Keys.DiagnosticsAddr = getEnv("DIAGNOSTICS_ADDR", Keys.DiagnosticsAddr)

	Keys.RunAsUser = getEnv("RUN_AS_USER", Keys.RunAsUser)
	Keys.RunAsGroup = getEnv("RUN_AS_GROUP", Keys.RunAsGroup)

	raw, err := json.Marshal(Keys)
	if err != nil {
		return err
	}
	return Validate(configSchema, raw)
}

// DatabaseDriver returns the configured sqlite3/mysql driver name.
func DatabaseDriver() string {
	return Keys.DBDriver
}

const configSchema = `{
	"type": "object",
	"description": "Worker runtime configuration.",
	"properties": {
		"node_id": {"type": "string", "minLength": 1},
		"host": {"type": "string", "minLength": 1},
		"port": {"type": "integer", "minimum": 1},
		"redis_host": {"type": "string", "minLength": 1},
		"redis_port": {"type": "integer", "minimum": 1},
		"redis_db": {"type": "integer", "minimum": 0},
		"db_driver": {"type": "string", "enum": ["sqlite3", "mysql"]},
		"db": {"type": "string", "minLength": 1},
		"max_concurrent_tasks": {"type": "integer", "minimum": 1},
		"heartbeat_interval": {"type": "integer", "minimum": 1},
		"task_timeout": {"type": "integer", "minimum": 1}
	},
	"required": ["node_id", "host", "port", "redis_host", "redis_port", "db_driver", "db", "max_concurrent_tasks", "heartbeat_interval", "task_timeout"]
}`
