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

package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func silentLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestTriggerRunsStepsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	step := func(name string) Step {
		return Step{Name: name, Run: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}}
	}

	c := New(silentLogger(), step("stop-accepting"), step("drain"), step("close"))
	require.NoError(t, c.Trigger())
	assert.Equal(t, []string{"stop-accepting", "drain", "close"}, order)
}

func TestTriggerAggregatesStepErrors(t *testing.T) {
	errA := errors.New("step a failed")
	errC := errors.New("step c failed")
	c := New(silentLogger(),
		Step{Name: "a", Run: func(ctx context.Context) error { return errA }},
		Step{Name: "b", Run: func(ctx context.Context) error { return nil }},
		Step{Name: "c", Run: func(ctx context.Context) error { return errC }},
	)

	err := c.Trigger()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step a failed")
	assert.Contains(t, err.Error(), "step c failed")
}

func TestTriggerRunsEveryStepEvenAfterAFailure(t *testing.T) {
	var ran []string
	var mu sync.Mutex
	c := New(silentLogger(),
		Step{Name: "a", Run: func(ctx context.Context) error {
			mu.Lock()
			ran = append(ran, "a")
			mu.Unlock()
			return errors.New("boom")
		}},
		Step{Name: "b", Run: func(ctx context.Context) error {
			mu.Lock()
			ran = append(ran, "b")
			mu.Unlock()
			return nil
		}},
	)

	_ = c.Trigger()
	assert.Equal(t, []string{"a", "b"}, ran)
}

func TestTriggerIsIdempotent(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	c := New(silentLogger(), Step{Name: "only", Run: func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}})

	require.NoError(t, c.Trigger())
	require.NoError(t, c.Trigger())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestTriggerHonorsTimeout(t *testing.T) {
	c := New(silentLogger(), Step{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	c.Timeout = 20 * time.Millisecond

	err := c.Trigger()
	require.Error(t, err)
}

func TestConcurrentTriggersRunStepsOnce(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	c := New(silentLogger(), Step{Name: "only", Run: func(ctx context.Context) error {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		return nil
	}})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Trigger()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
