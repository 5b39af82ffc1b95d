// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package registry

import (
	"context"
	"fmt"

	"github.com/cnyy99/giggle-worker/pkg/log"
	"github.com/go-co-op/gocron/v2"
)

// HeartbeatScheduler runs SendHeartbeat on a gocron job at the node's
// configured interval, logging failures rather than aborting: a single
// missed heartbeat just shortens the node's remaining TTL headroom.
type HeartbeatScheduler struct {
	registry *Registry
	sched    gocron.Scheduler
}

// StartHeartbeatScheduler creates and starts the periodic heartbeat job.
func (r *Registry) StartHeartbeatScheduler(ctx context.Context) (*HeartbeatScheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("registry: creating scheduler: %w", err)
	}

	_, err = s.NewJob(
		gocron.DurationJob(r.heartbeatInterval),
		gocron.NewTask(func() {
			if err := r.SendHeartbeat(ctx); err != nil {
				log.Warnf("registry: heartbeat failed: %v", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: scheduling heartbeat job: %w", err)
	}

	s.Start()
	return &HeartbeatScheduler{registry: r, sched: s}, nil
}

// Shutdown stops the scheduler, waiting for any in-flight job to finish.
func (h *HeartbeatScheduler) Shutdown() error {
	return h.sched.Shutdown()
}
