// --------------------------------------------------------------------------------
// Author: Thomas F McGeehan V
//
// This file is part of a software project developed by Thomas F McGeehan V.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//
// For more information about the MIT License, please visit:
// https://opensource.org/licenses/MIT
//
// Acknowledgment appreciated but not required.
// --------------------------------------------------------------------------------

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/arrowarc/lakesync/pkg/kv"
)

// EventHeartbeatTimeout is reported when a job starts again after its
// previous attempt stopped sending heartbeats.
const EventHeartbeatTimeout = "heartbeat_timeout_after_restart"

const (
	DefaultHeartbeatTimeout = 5 * time.Minute
	heartbeatTTL            = 24 * time.Hour
)

// EventReporter receives side channel events that are not failures.
type EventReporter interface {
	Event(ctx context.Context, name string, keyvals ...interface{})
}

// LogReporter reports events as warning log lines.
type LogReporter struct {
	Logger log.Logger
}

func (r LogReporter) Event(_ context.Context, name string, keyvals ...interface{}) {
	if r.Logger == nil {
		return
	}
	level.Warn(r.Logger).Log(append([]interface{}{"msg", "event", "event", name}, keyvals...)...)
}

// heartbeat records that a job is alive. A heartbeat left behind by an
// earlier attempt means that attempt died without cleaning up.
type heartbeat struct {
	store   kv.Store
	key     string
	timeout time.Duration
	now     func() time.Time
}

func newHeartbeat(store kv.Store, teamID, jobID string, timeout time.Duration, now func() time.Time) *heartbeat {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &heartbeat{store: store, key: fmt.Sprintf("heartbeat:%s:%s", teamID, jobID), timeout: timeout, now: now}
}

// stale reports how long ago a previous attempt last beat, when that is
// longer than the timeout.
func (h *heartbeat) stale(ctx context.Context) (time.Duration, bool, error) {
	raw, ok, err := h.store.Get(ctx, h.key)
	if err != nil || !ok {
		return 0, false, err
	}
	last, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return 0, false, nil
	}
	age := h.now().Sub(last)
	return age, age > h.timeout, nil
}

func (h *heartbeat) beat(ctx context.Context) error {
	return h.store.Set(ctx, h.key, []byte(h.now().UTC().Format(time.RFC3339Nano)), heartbeatTTL)
}

func (h *heartbeat) stop(ctx context.Context) error {
	return h.store.Delete(ctx, h.key)
}
