/*
   Copyright 2026 Cok authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package shutdown coordinates the ordered drain cok-server performs
// on SIGINT/SIGTERM: a caller-supplied list of steps run one after
// another, all bounded by a single timeout. The cok client does not
// use it; it stops on its own signal context.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds how long the drain sequence is given before
// the process exits regardless of outstanding work.
const DefaultTimeout = 30 * time.Second

// Step is one stage of the drain sequence, run in order. A step's
// context is cancelled once Timeout elapses from the start of
// shutdown, not from the start of that individual step.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator runs a fixed, ordered sequence of drain steps once a
// shutdown signal arrives or Trigger is called.
type Coordinator struct {
	Timeout time.Duration
	Logger  *logrus.Entry
	Steps   []Step

	triggered chan struct{}
	once      chan struct{}
}

// New returns a Coordinator that runs steps, in order, on shutdown.
func New(logger *logrus.Entry, steps ...Step) *Coordinator {
	return &Coordinator{
		Timeout:   DefaultTimeout,
		Logger:    logger,
		Steps:     steps,
		triggered: make(chan struct{}),
		once:      make(chan struct{}, 1),
	}
}

// Wait blocks until SIGINT or SIGTERM arrives (or ctx is cancelled),
// then runs the drain sequence and returns its aggregated error, if
// any. It is safe to call Wait exactly once per Coordinator.
func (c *Coordinator) Wait(ctx context.Context) error {
	notifyCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-notifyCtx.Done()
	c.Logger.Info("shutdown signal received, draining")

	return c.run()
}

// Trigger runs the drain sequence immediately, for callers that
// detect a fatal condition themselves rather than waiting on a signal.
func (c *Coordinator) Trigger() error {
	return c.run()
}

func (c *Coordinator) run() error {
	select {
	case c.once <- struct{}{}:
	default:
		<-c.triggered
		return nil
	}
	defer close(c.triggered)

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var result *multierror.Error
	for _, step := range c.Steps {
		g, stepCtx := errgroup.WithContext(ctx)
		name := step.Name
		run := step.Run
		g.Go(func() error { return run(stepCtx) })
		if err := g.Wait(); err != nil {
			c.Logger.WithError(err).WithField("step", name).Warn("shutdown step failed")
			result = multierror.Append(result, err)
		} else {
			c.Logger.WithField("step", name).Debug("shutdown step complete")
		}
	}
	return result.ErrorOrNil()
}
