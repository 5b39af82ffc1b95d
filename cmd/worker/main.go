// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cnyy99/giggle-worker/internal/config"
	"github.com/cnyy99/giggle-worker/internal/diagnostics"
	"github.com/cnyy99/giggle-worker/internal/engine"
	"github.com/cnyy99/giggle-worker/internal/registry"
	"github.com/cnyy99/giggle-worker/internal/resourceprobe"
	"github.com/cnyy99/giggle-worker/internal/store"
	"github.com/cnyy99/giggle-worker/internal/translate"
	"github.com/cnyy99/giggle-worker/internal/transcribe"
	"github.com/cnyy99/giggle-worker/pkg/log"
	natsclient "github.com/cnyy99/giggle-worker/pkg/nats"
	"github.com/cnyy99/giggle-worker/pkg/runtimeEnv"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	var flagEnvFile string
	var flagLogLevel string
	flag.StringVar(&flagEnvFile, "env", "./.env", "Load environment variables from `file`")
	flag.StringVar(&flagLogLevel, "loglevel", "info", "One of debug, info, notice, warn, err, crit")
	flag.Parse()

	log.SetLogLevel(flagLogLevel)

	if err := config.Load(flagEnvFile); err != nil {
		log.Fatalf("config: %s", err.Error())
	}
	cfg := config.Keys

	if err := store.MigrateDB(config.DatabaseDriver(), cfg.DB); err != nil {
		log.Fatalf("store: running migrations: %s", err.Error())
	}
	if err := store.Connect(config.DatabaseDriver(), cfg.DB, cfg.MaxConcurrentTasks+2); err != nil {
		log.Fatalf("store: connecting: %s", err.Error())
	}
	tasks := store.GetTaskRepository()

	probe := resourceprobe.New(5 * time.Second)

	var events engine.EventPublisher
	if cfg.NatsAddress != "" {
		natsclient.Keys.Address = cfg.NatsAddress
		natsclient.Connect()
		if c := natsclient.GetClient(); c != nil {
			events = c
		}
	}

	reg := registry.New(registry.Config{
		RedisHost:          cfg.RedisHost,
		RedisPort:          cfg.RedisPort,
		RedisPassword:      cfg.RedisPassword,
		RedisDB:            cfg.RedisDB,
		NodeID:             cfg.NodeID,
		Host:               cfg.Host,
		Port:               cfg.Port,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		HeartbeatInterval:  time.Duration(cfg.HeartbeatInterval) * time.Second,
		Sample:             probe.Sample,
		Assign: func(ctx context.Context, taskID, nodeID string) error {
			return tasks.UpdateAssignedNode(taskID, nodeID)
		},
		Cancel: func(ctx context.Context, taskID string) error {
			return tasks.UpdateStatus(taskID, store.StatusCancelled, store.UpdateStatusOpts{})
		},
	})

	router := translate.New(translate.Config{
		OpenAIAPIKey:      cfg.TranslationAPIKey,
		GoogleAPIKey:      cfg.GoogleTranslateAPIKey,
		DeepLAPIKey:       cfg.DeeplAPIKey,
		DeepLAPIURL:       cfg.DeeplAPIURL,
		LibreTranslateURL: cfg.LibreTranslateURL,
		RequestsPerSecond: 5,
	})

	worker := engine.New(engine.Config{
		Registry:           reg,
		Tasks:              tasks,
		Transcriber:        transcribe.Fixture{Text: ""},
		Router:             router,
		Events:             events,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		TaskTimeout:        time.Duration(cfg.TaskTimeout) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	regCtx := context.Background()
	if err := reg.Register(regCtx); err != nil {
		log.Fatalf("registry: registering node: %s", err.Error())
	}
	if events != nil {
		payload, _ := json.Marshal(map[string]string{"event": "registered", "nodeId": cfg.NodeID})
		if err := events.Publish(fmt.Sprintf("worker.%s.lifecycle", cfg.NodeID), payload); err != nil {
			log.Debugf("main: publishing registered event failed: %v", err)
		}
	}

	heartbeats, err := reg.StartHeartbeatScheduler(regCtx)
	if err != nil {
		log.Fatalf("registry: starting heartbeat scheduler: %s", err.Error())
	}

	go func() {
		if err := reg.RunControlLoop(ctx); err != nil {
			log.Errorf("registry: control loop exited: %s", err.Error())
		}
	}()

	diag := diagnostics.New(cfg.DiagnosticsAddr, func() (bool, string) {
		return true, "running"
	})
	go func() {
		if err := diag.Start(ctx); err != nil {
			log.Errorf("diagnostics: server exited: %s", err.Error())
		}
	}()

	if cfg.RunAsUser != "" || cfg.RunAsGroup != "" {
		if err := runtimeEnv.DropPrivileges(cfg.RunAsUser, cfg.RunAsGroup); err != nil {
			log.Fatalf("runtimeEnv: dropping privileges: %s", err.Error())
		}
	}

	runtimeEnv.SystemdNotifiy(true, "running")
	log.Infof("worker: node %s started, max_concurrent_tasks=%d", cfg.NodeID, cfg.MaxConcurrentTasks)

	worker.Run(ctx)

	log.Info("worker: shutting down")
	runtimeEnv.SystemdNotifiy(false, "shutting down")

	worker.Shutdown()

	if err := heartbeats.Shutdown(); err != nil {
		log.Warnf("registry: heartbeat scheduler shutdown: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.Stop(stopCtx); err != nil {
		log.Warnf("registry: stop: %v", err)
	}
	if err := reg.Close(); err != nil {
		log.Warnf("registry: close: %v", err)
	}

	os.Exit(0)
}
