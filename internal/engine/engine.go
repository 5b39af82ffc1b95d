// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package engine is the worker's task pipeline: a bounded-concurrency
// main loop that pulls tasks off the registry's queue, transcribes and
// translates each one, and writes its terminal state exactly once.
// Cancellation is cooperative: every stage checks the registry's
// cancelled-task set and a per-task context.CancelFunc is kept in a
// sync.Map, following the same shape as a worker that tracks one
// cancel handle per in-flight job.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cnyy99/giggle-worker/internal/diagnostics"
	"github.com/cnyy99/giggle-worker/internal/registry"
	"github.com/cnyy99/giggle-worker/internal/store"
	"github.com/cnyy99/giggle-worker/internal/translate"
	"github.com/cnyy99/giggle-worker/internal/transcribe"
	"github.com/cnyy99/giggle-worker/pkg/log"
	"github.com/cnyy99/giggle-worker/pkg/packedformat"
)

const translationBudget = 300 * time.Second

// EventPublisher receives best-effort lifecycle notifications. A nil
// Publisher on Engine disables publishing entirely.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

// lifecycleEvent is the JSON payload published to a node's lifecycle
// subject for every task reaching a terminal state.
type lifecycleEvent struct {
	Event  string `json:"event"`
	TaskID string `json:"taskId"`
}

// Engine drives tasks from the registry through to a terminal status.
type Engine struct {
	registry    *registry.Registry
	tasks       *store.TaskRepository
	transcriber transcribe.Transcriber
	router      *translate.Router
	events      EventPublisher

	maxConcurrentTasks int
	taskTimeout        time.Duration
	resultDir          string

	mu            sync.Mutex
	activeCount   int
	activeCancels sync.Map // taskID string -> context.CancelFunc

	wg sync.WaitGroup
}

// Config configures a new Engine.
type Config struct {
	Registry           *registry.Registry
	Tasks              *store.TaskRepository
	Transcriber        transcribe.Transcriber
	Router             *translate.Router
	Events             EventPublisher
	MaxConcurrentTasks int
	TaskTimeout        time.Duration
	ResultDir          string
}

// New builds an Engine from cfg.
func New(cfg Config) *Engine {
	resultDir := cfg.ResultDir
	if resultDir == "" {
		resultDir = filepath.Join(os.TempDir(), "translation_results")
	}
	return &Engine{
		registry:           cfg.Registry,
		tasks:              cfg.Tasks,
		transcriber:        cfg.Transcriber,
		router:             cfg.Router,
		events:             cfg.Events,
		maxConcurrentTasks: cfg.MaxConcurrentTasks,
		taskTimeout:        cfg.TaskTimeout,
		resultDir:          resultDir,
	}
}

// Run is the engine's main loop: it polls for capacity, dequeues a
// task when there is room, and spawns handleTask for it. It returns
// once ctx is cancelled, after every in-flight handleTask has returned.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return
		case <-ticker.C:
			e.mu.Lock()
			hasCapacity := e.activeCount < e.maxConcurrentTasks
			e.mu.Unlock()
			if !hasCapacity {
				continue
			}

			task, ok, err := e.registry.GetTask(ctx)
			if err != nil {
				log.Warnf("engine: get task failed: %v", err)
				continue
			}
			if !ok {
				continue
			}

			e.mu.Lock()
			e.activeCount++
			e.mu.Unlock()
			diagnostics.ActiveTasks.Inc()

			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.handleTask(ctx, task)
			}()
		}
	}
}

// Shutdown waits up to e.taskTimeout for in-flight tasks to finish,
// then cancels whatever is still running.
func (e *Engine) Shutdown() {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(e.taskTimeout):
		log.Warnf("engine: timed out after %s waiting for tasks to finish, cancelling the rest", e.taskTimeout)
		e.activeCancels.Range(func(_, v interface{}) bool {
			v.(context.CancelFunc)()
			return true
		})
		<-done
	}
}

func (e *Engine) handleTask(ctx context.Context, task *registry.Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	e.activeCancels.Store(task.TaskID, cancel)

	defer func() {
		if e.registry.IsCancelled(task.TaskID) {
			e.publish("task_cancelled", task.TaskID)
		}
		cancel()
		e.activeCancels.Delete(task.TaskID)
		e.registry.ClearCancelled(task.TaskID)
		e.registry.ReleaseTask()
		e.mu.Lock()
		e.activeCount--
		e.mu.Unlock()
		diagnostics.ActiveTasks.Dec()
	}()

	if e.registry.IsCancelled(task.TaskID) {
		return
	}

	if err := e.tasks.UpdateStatus(task.TaskID, store.StatusProcessing, store.UpdateStatusOpts{}); err != nil {
		log.Errorf("engine: writing PROCESSING for %s: %v", task.TaskID, err)
	}

	if e.registry.IsCancelled(task.TaskID) {
		return
	}

	var transcribedText string
	if task.AudioFilePath != "" {
		text, err := e.transcriber.Transcribe(taskCtx, task.AudioFilePath, task.SourceLanguage)
		if err != nil {
			e.fail(task.TaskID, fmt.Errorf("transcription failed: %w", err))
			return
		}
		transcribedText = text
		log.Infof("engine: transcribed task %s", task.TaskID)
	}

	if e.registry.IsCancelled(task.TaskID) {
		return
	}

	originalText := firstNonEmpty(task.TextContent, task.OriginalText)

	var accuracy *float64
	if originalText != "" && transcribedText != "" {
		ratio := similarityRatio(strings.ToLower(originalText), strings.ToLower(transcribedText))
		accuracy = &ratio
	}

	if e.registry.IsCancelled(task.TaskID) {
		return
	}

	originalTranslations, sttTranslations, cancelled := e.translateBoth(taskCtx, task, originalText, transcribedText)
	if cancelled {
		return
	}

	if e.registry.IsCancelled(task.TaskID) {
		return
	}

	packed, err := packTranslations(task.TaskID, originalText, originalTranslations, transcribedText, sttTranslations)
	if err != nil {
		e.fail(task.TaskID, fmt.Errorf("packing result: %w", err))
		return
	}

	resultPath, err := e.writeResult(task.TaskID, packed)
	if err != nil {
		e.fail(task.TaskID, fmt.Errorf("writing result: %w", err))
		return
	}

	if e.registry.IsCancelled(task.TaskID) {
		return
	}

	opts := store.UpdateStatusOpts{ResultFilePath: &resultPath}
	if accuracy != nil {
		opts.Accuracy = accuracy
	}
	if transcribedText != "" {
		opts.TranscribedText = &transcribedText
	}
	if err := e.tasks.UpdateStatus(task.TaskID, store.StatusCompleted, opts); err != nil {
		log.Errorf("engine: writing COMPLETED for %s: %v", task.TaskID, err)
		return
	}

	e.publish("task_completed", task.TaskID)
}

// translateBoth runs the "original" and "stt" translation sub-operations
// concurrently under a single budget; a timeout substitutes empty maps
// for whichever side did not finish, cancellation aborts the handler.
func (e *Engine) translateBoth(ctx context.Context, task *registry.Task, originalText, transcribedText string) (map[string]string, map[string]string, bool) {
	budgetCtx, cancelBudget := context.WithTimeout(ctx, translationBudget)
	defer cancelBudget()

	var wg sync.WaitGroup
	var originalTranslations, sttTranslations map[string]string
	var cancelled bool
	var mu sync.Mutex

	run := func(text string, dest *map[string]string) {
		if text == "" {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := e.router.Translate(budgetCtx, task.TaskID, text, task.SourceLanguage, task.TargetLanguages, e.registry.IsCancelled)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, translate.ErrCancelled) {
					cancelled = true
					return
				}
				log.Errorf("engine: translation sub-operation failed for %s: %v", task.TaskID, err)
				*dest = map[string]string{}
				return
			}
			*dest = result
		}()
	}

	run(originalText, &originalTranslations)
	run(transcribedText, &sttTranslations)

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-budgetCtx.Done():
		log.Warnf("engine: translation budget exceeded for task %s", task.TaskID)
		mu.Lock()
		if originalTranslations == nil {
			originalTranslations = map[string]string{}
		}
		if sttTranslations == nil {
			sttTranslations = map[string]string{}
		}
		mu.Unlock()
	}

	mu.Lock()
	defer mu.Unlock()
	return originalTranslations, sttTranslations, cancelled
}

func packTranslations(taskID, originalText string, originalTranslations map[string]string, transcribedText string, sttTranslations map[string]string) ([]byte, error) {
	byLang := make(map[string][]packedformat.TextEntry)

	addAll := func(translations map[string]string, sourceType uint16) {
		for lang, text := range translations {
			byLang[lang] = append(byLang[lang], packedformat.TextEntry{
				TaskID:     taskID,
				Text:       text,
				SourceType: sourceType,
			})
		}
	}

	addAll(originalTranslations, packedformat.SourceText)
	addAll(sttTranslations, packedformat.SourceAudio)

	return packedformat.Pack(byLang)
}

func (e *Engine) writeResult(taskID string, data []byte) (string, error) {
	if err := os.MkdirAll(e.resultDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(e.resultDir, taskID+".bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (e *Engine) fail(taskID string, cause error) {
	if e.registry.IsCancelled(taskID) {
		return
	}
	log.Errorf("engine: task %s failed: %v", taskID, cause)
	msg := cause.Error()
	if err := e.tasks.UpdateStatus(taskID, store.StatusFailed, store.UpdateStatusOpts{ErrorMessage: &msg}); err != nil {
		log.Errorf("engine: writing FAILED for %s: %v", taskID, err)
	}
	e.publish("task_failed", taskID)
}

// publish emits a best-effort lifecycle event on this node's subject,
// worker.<nodeId>.lifecycle. A nil EventPublisher or marshal/send
// failure is logged at Debug and otherwise ignored.
func (e *Engine) publish(event, taskID string) {
	diagnostics.TasksProcessed.WithLabelValues(event).Inc()

	if e.events == nil {
		return
	}
	payload, err := json.Marshal(lifecycleEvent{Event: event, TaskID: taskID})
	if err != nil {
		log.Debugf("engine: marshalling %s event for %s failed: %v", event, taskID, err)
		return
	}
	subject := fmt.Sprintf("worker.%s.lifecycle", e.registry.NodeID())
	if err := e.events.Publish(subject, payload); err != nil {
		log.Debugf("engine: publishing %s for %s failed: %v", event, taskID, err)
	}
}
