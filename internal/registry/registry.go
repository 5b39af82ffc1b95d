// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry is the worker's client for the shared registry: it
// registers this node, keeps it alive with periodic heartbeats, ranks
// it against its peers, pulls tasks off its dedicated queue, and
// listens for out-of-band cancellation requests. All of this lives in
// a Redis-compatible key/value store that also doubles as the task
// queue; see the key layout documented on each method below.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cnyy99/giggle-worker/internal/diagnostics"
	"github.com/cnyy99/giggle-worker/pkg/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// NodeStatus is the lifecycle state a node reports about itself.
type NodeStatus string

const (
	StatusOnline       NodeStatus = "ONLINE"
	StatusShuttingDown NodeStatus = "SHUTTING_DOWN"
	StatusOffline      NodeStatus = "OFFLINE"
)

const (
	keyWorkerNode   = "worker_nodes:%s"
	keyActiveNodes  = "active_nodes"
	keyNodeRankings = "node_rankings"
	keyTaskQueue    = "task_queue:%s"
	keyControlQueue = "control_queue:%s"
)

var json_ = jsoniter.ConfigCompatibleWithStandardLibrary

// Task is a unit of work popped off this node's task queue.
type Task struct {
	TaskID          string   `json:"taskId"`
	AudioFilePath   string   `json:"audioFilePath"`
	TextContent     string   `json:"textContent"`
	OriginalText    string   `json:"originalText"`
	SourceLanguage  string   `json:"sourceLanguage"`
	TargetLanguages []string `json:"targetLanguages"`
}

// controlMessage is a control_queue payload.
type controlMessage struct {
	Action string `json:"action"`
	TaskID string `json:"taskId"`
}

// taskSchema and controlSchema guard against a malformed queue payload
// making it into the engine: a schema mismatch is logged and the
// message is dropped rather than handed downstream half-decoded.
var (
	taskSchema    = mustCompileSchema("task.json", `{
		"type": "object",
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"sourceLanguage": {"type": "string"},
			"targetLanguages": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["taskId"]
	}`)
	controlSchema = mustCompileSchema("control.json", `{
		"type": "object",
		"properties": {
			"action": {"type": "string", "minLength": 1},
			"taskId": {"type": "string", "minLength": 1}
		},
		"required": ["action", "taskId"]
	}`)
)

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	sch, err := jsonschema.CompileString(name, schema)
	if err != nil {
		panic(fmt.Sprintf("registry: compiling %s: %v", name, err))
	}
	return sch
}

func validateAgainst(sch *jsonschema.Schema, raw []byte) error {
	var v interface{}
	if err := json_.Unmarshal(raw, &v); err != nil {
		return err
	}
	return sch.Validate(v)
}

// Sample is a point-in-time resource reading reported with each
// heartbeat. The registry does not know how to gather one itself;
// callers supply a SampleFunc at construction (see resourceprobe).
type Sample struct {
	MemoryTotal      uint64
	MemoryUsed       uint64
	MemoryPercent    float64
	CPUUsage         float64
	GPUAvailable     bool
	GPUMemoryTotal   uint64
	GPUMemoryUsed    uint64
	GPUMemoryPercent float64
}

// SampleFunc produces a resource Sample, used to enrich heartbeats.
type SampleFunc func(ctx context.Context) (Sample, error)

// AssignFunc persists that a task has been handed to this node. It
// returns an error if the assignment could not be recorded, in which
// case the task is dropped rather than retried (see GetTask).
type AssignFunc func(ctx context.Context, taskID, nodeID string) error

// CancelFunc records that a task has moved to CANCELLED. Called from
// the control loop when a CANCEL_TASK message arrives.
type CancelFunc func(ctx context.Context, taskID string) error

// Registry is a node's live connection to the shared registry.
type Registry struct {
	client *redis.Client

	nodeID             string
	host               string
	port               int
	maxConcurrentTasks int
	heartbeatInterval  time.Duration

	sample SampleFunc
	assign AssignFunc
	cancel CancelFunc

	mu              sync.Mutex
	status          NodeStatus
	activeTaskCount int

	cancelledTasks sync.Map // taskID string -> struct{}
}

// Config configures a new Registry.
type Config struct {
	RedisHost          string
	RedisPort          int
	RedisPassword      string
	RedisDB            int
	NodeID             string
	Host               string
	Port               int
	MaxConcurrentTasks int
	HeartbeatInterval  time.Duration
	Sample             SampleFunc
	Assign             AssignFunc
	Cancel             CancelFunc
}

// New builds a Registry. It does not contact Redis until Register is called.
func New(cfg Config) *Registry {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &Registry{
		client:             client,
		nodeID:             cfg.NodeID,
		host:               cfg.Host,
		port:               cfg.Port,
		maxConcurrentTasks: cfg.MaxConcurrentTasks,
		heartbeatInterval:  cfg.HeartbeatInterval,
		sample:             cfg.Sample,
		assign:             cfg.Assign,
		cancel:             cfg.Cancel,
		status:             StatusOnline,
	}
}

// Client exposes the underlying redis client for callers (such as
// cmd/worker's shutdown path) that need to close it directly.
func (r *Registry) Client() *redis.Client {
	return r.client
}

// NodeID returns this registry's node identity, used e.g. to namespace
// lifecycle event subjects.
func (r *Registry) NodeID() string {
	return r.nodeID
}

func (r *Registry) nodeKey() string    { return fmt.Sprintf(keyWorkerNode, r.nodeID) }
func (r *Registry) taskQueue() string  { return fmt.Sprintf(keyTaskQueue, r.nodeID) }
func (r *Registry) ctrlQueue() string  { return fmt.Sprintf(keyControlQueue, r.nodeID) }

// Register writes this node's initial record to the registry and adds
// it to the active set. It must be called once before heartbeats start.
func (r *Registry) Register(ctx context.Context) error {
	fields := r.snapshotFields(ctx)
	if err := r.client.HSet(ctx, r.nodeKey(), fields).Err(); err != nil {
		return fmt.Errorf("registry: register node %s: %w", r.nodeID, err)
	}
	if err := r.client.Expire(ctx, r.nodeKey(), r.heartbeatInterval*3).Err(); err != nil {
		return fmt.Errorf("registry: set node ttl: %w", err)
	}
	if err := r.client.SAdd(ctx, keyActiveNodes, r.nodeID).Err(); err != nil {
		return fmt.Errorf("registry: add to active_nodes: %w", err)
	}
	return nil
}

// Unregister removes all traces of this node from the registry. It is
// the counterpart to Register and is called once, during shutdown.
func (r *Registry) Unregister(ctx context.Context) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, keyActiveNodes, r.nodeID)
	pipe.Del(ctx, r.nodeKey())
	pipe.Del(ctx, r.taskQueue())
	pipe.ZRem(ctx, keyNodeRankings, r.nodeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: unregister node %s: %w", r.nodeID, err)
	}
	return nil
}

// snapshotFields builds the hash fields written on register/heartbeat.
// Resource sampling failures are logged by the caller's SampleFunc and
// simply leave those fields at their previous values.
func (r *Registry) snapshotFields(ctx context.Context) map[string]interface{} {
	r.mu.Lock()
	status := r.status
	active := r.activeTaskCount
	r.mu.Unlock()

	fields := map[string]interface{}{
		"node_id":              r.nodeID,
		"host":                 r.host,
		"port":                 r.port,
		"status":               string(status),
		"active_task_count":    active,
		"max_concurrent_tasks": r.maxConcurrentTasks,
		"last_update":          time.Now().UTC().Format(time.RFC3339),
	}

	if r.sample != nil {
		if s, err := r.sample(ctx); err == nil {
			fields["memory_total"] = s.MemoryTotal
			fields["memory_used"] = s.MemoryUsed
			fields["memory_percent"] = s.MemoryPercent
			fields["cpu_usage"] = s.CPUUsage
			fields["gpu_available"] = boolField(s.GPUAvailable)
			fields["gpu_memory_total"] = s.GPUMemoryTotal
			fields["gpu_memory_used"] = s.GPUMemoryUsed
			fields["gpu_memory_percent"] = s.GPUMemoryPercent
		}
	}

	return fields
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// SendHeartbeat refreshes this node's hash, TTL, last_heartbeat
// timestamp, and (while online) its score in node_rankings.
func (r *Registry) SendHeartbeat(ctx context.Context) error {
	fields := r.snapshotFields(ctx)
	fields["last_heartbeat"] = time.Now().UTC().Format(time.RFC3339)

	if err := r.client.HSet(ctx, r.nodeKey(), fields).Err(); err != nil {
		diagnostics.HeartbeatFailures.Inc()
		return fmt.Errorf("registry: heartbeat hset: %w", err)
	}
	if err := r.client.Expire(ctx, r.nodeKey(), r.heartbeatInterval*3).Err(); err != nil {
		diagnostics.HeartbeatFailures.Inc()
		return fmt.Errorf("registry: heartbeat expire: %w", err)
	}

	r.mu.Lock()
	status := r.status
	r.mu.Unlock()
	if status == StatusOnline {
		if err := r.updateRanking(ctx, fields); err != nil {
			diagnostics.HeartbeatFailures.Inc()
			return err
		}
	}

	return nil
}

// updateRanking computes this node's score (lower is preferred) from
// the fields just written and updates its entry in node_rankings.
func (r *Registry) updateRanking(ctx context.Context, fields map[string]interface{}) error {
	memPercent := floatField(fields["memory_percent"], 100.0)
	cpuUsage := floatField(fields["cpu_usage"], 100.0)
	active := float64(r.maxConcurrentTasks)
	if v, ok := fields["active_task_count"].(int); ok {
		active = float64(v)
	}

	score := rankingScore(memPercent, cpuUsage, active)
	diagnostics.NodeScore.Set(score)

	if err := r.client.ZAdd(ctx, keyNodeRankings, redis.Z{Score: score, Member: r.nodeID}).Err(); err != nil {
		return fmt.Errorf("registry: update ranking: %w", err)
	}
	return nil
}

// rankingScore weighs memory pressure, CPU load and active task count
// into a single preference score; a lower score means a node is more
// preferred for new work. Active task count is normalized against a
// ceiling of 10 concurrent tasks before being weighed in.
func rankingScore(memPercent, cpuUsage, activeTaskCount float64) float64 {
	taskScore := activeTaskCount / 10.0
	if taskScore > 1.0 {
		taskScore = 1.0
	}

	return 0.4*(memPercent/100.0) + 0.3*(cpuUsage/100.0) + 0.3*taskScore
}

func floatField(v interface{}, fallback float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	default:
		return fallback
	}
}

// GetTask pops the next task off this node's queue, if one exists and
// the node has capacity. It returns ok=false when there is simply no
// work right now; it returns a non-nil error only for unexpected
// failures talking to Redis.
//
// A task whose assignment cannot be persisted (AssignFunc returning an
// error) is logged and dropped: re-enqueueing it here
// would require a dead-letter path this registry does not implement.
func (r *Registry) GetTask(ctx context.Context) (*Task, bool, error) {
	r.mu.Lock()
	status := r.status
	active := r.activeTaskCount
	r.mu.Unlock()

	if status == StatusShuttingDown || status == StatusOffline {
		return nil, false, nil
	}
	if active >= r.maxConcurrentTasks {
		return nil, false, nil
	}

	res, err := r.client.BRPop(ctx, time.Second, r.taskQueue()).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("registry: brpop task queue: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("registry: unexpected brpop reply length %d", len(res))
	}

	raw := []byte(res[1])
	if err := validateAgainst(taskSchema, raw); err != nil {
		log.Warnf("registry: dropping malformed task payload: %v", err)
		return nil, false, nil
	}

	var task Task
	if err := json_.Unmarshal(raw, &task); err != nil {
		log.Warnf("registry: dropping undecodable task payload: %v", err)
		return nil, false, nil
	}

	if r.assign != nil {
		if err := r.assign(ctx, task.TaskID, r.nodeID); err != nil {
			log.Warnf("registry: dropping task %s, assignment to %s failed: %v", task.TaskID, r.nodeID, err)
			return nil, false, nil
		}
	}

	r.mu.Lock()
	r.activeTaskCount++
	r.mu.Unlock()

	return &task, true, nil
}

// ReleaseTask decrements the local active task count once a task
// reaches a terminal state (COMPLETED, FAILED or CANCELLED).
func (r *Registry) ReleaseTask() {
	r.mu.Lock()
	if r.activeTaskCount > 0 {
		r.activeTaskCount--
	}
	r.mu.Unlock()
}

// RunControlLoop blocks, handling CANCEL_TASK messages from this
// node's control queue, until ctx is cancelled. It has no timeout on
// the underlying BRPOP; ctx cancellation is what unblocks it.
func (r *Registry) RunControlLoop(ctx context.Context) error {
	for {
		res, err := r.client.BRPop(ctx, 0, r.ctrlQueue()).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("registry: control loop brpop: %w", err)
		}
		if len(res) != 2 {
			continue
		}

		raw := []byte(res[1])
		if err := validateAgainst(controlSchema, raw); err != nil {
			log.Warnf("registry: dropping malformed control payload: %v", err)
			continue
		}

		var msg controlMessage
		if err := json_.Unmarshal(raw, &msg); err != nil {
			log.Warnf("registry: dropping undecodable control payload: %v", err)
			continue
		}

		if msg.Action == "CANCEL_TASK" && msg.TaskID != "" {
			r.cancelledTasks.Store(msg.TaskID, struct{}{})
			if r.cancel != nil {
				_ = r.cancel(ctx, msg.TaskID)
			}
		}
	}
}

// IsCancelled reports whether taskID has an outstanding cancellation
// request. Callers should check this at each major processing stage.
func (r *Registry) IsCancelled(taskID string) bool {
	_, ok := r.cancelledTasks.Load(taskID)
	return ok
}

// ClearCancelled forgets taskID's cancellation marker once the task
// reaches a terminal state.
func (r *Registry) ClearCancelled(taskID string) {
	r.cancelledTasks.Delete(taskID)
}

// UpdateStatus changes this node's reported status and immediately
// sends a heartbeat so the change is visible right away. Entering
// SHUTTING_DOWN or OFFLINE also removes the node from node_rankings so
// it stops receiving preference for new work.
func (r *Registry) UpdateStatus(ctx context.Context, status NodeStatus) error {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()

	if status == StatusShuttingDown || status == StatusOffline {
		if err := r.client.ZRem(ctx, keyNodeRankings, r.nodeID).Err(); err != nil {
			return fmt.Errorf("registry: zrem on status change: %w", err)
		}
	}

	return r.SendHeartbeat(ctx)
}

// Stop marks the node SHUTTING_DOWN, sends a final heartbeat and
// unregisters it. Callers should stop dequeuing new tasks before
// calling Stop and should have already drained in-flight ones.
func (r *Registry) Stop(ctx context.Context) error {
	if err := r.UpdateStatus(ctx, StatusShuttingDown); err != nil {
		return err
	}
	return r.Unregister(ctx)
}

// Close releases the underlying Redis connection pool.
func (r *Registry) Close() error {
	return r.client.Close()
}
