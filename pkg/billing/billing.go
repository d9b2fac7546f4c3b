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

// Package billing checks a sync against the organization's row limit for the
// current billing period before any rows are written.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/arrowarc/lakesync/pkg/logging"
)

// GracePeriod after a source is created during which no limit applies.
const GracePeriod = 7 * 24 * time.Hour

var ErrLimitReached = errors.New("billing: rows synced limit reached")

// Usage is the state of an organization's current billing period.
type Usage struct {
	// Limit is the rows allowed in the period. Zero or less means unlimited.
	Limit int64
	// Synced is the rows already completed in the period.
	Synced int64
}

// Service reports usage for an organization.
type Service interface {
	Usage(ctx context.Context, orgID string) (Usage, error)
}

// PendingCounter reports rows in flight across every team of an
// organization.
type PendingCounter interface {
	Pending(ctx context.Context, teamID string) (int64, error)
}

// Request describes one sync about to start.
type Request struct {
	OrgID           string
	TeamIDs         []string
	Billable        bool
	SourceCreatedAt time.Time
	// Rows is the sync's own expected row count, already registered with
	// the pending counter when non-zero.
	Rows int64
}

type Checker struct {
	service Service
	pending PendingCounter
	logger  log.Logger
	now     func() time.Time
}

func NewChecker(service Service, pending PendingCounter, logger log.Logger) *Checker {
	return &Checker{service: service, pending: pending, logger: logging.OrNop(logger), now: time.Now}
}

// Check returns ErrLimitReached when the completed rows plus every row in
// flight in the organization would exceed its limit.
func (c *Checker) Check(ctx context.Context, req Request) error {
	if !req.Billable {
		return nil
	}
	if !req.SourceCreatedAt.IsZero() && c.now().Sub(req.SourceCreatedAt) < GracePeriod {
		level.Debug(c.logger).Log("msg", "source inside billing grace period", "org_id", req.OrgID)
		return nil
	}
	usage, err := c.service.Usage(ctx, req.OrgID)
	if err != nil {
		return fmt.Errorf("fetching billing usage: %w", err)
	}
	if usage.Limit <= 0 {
		return nil
	}
	var inflight int64
	for _, team := range req.TeamIDs {
		n, err := c.pending.Pending(ctx, team)
		if err != nil {
			return fmt.Errorf("counting pending rows of team %s: %w", team, err)
		}
		inflight += n
	}
	if usage.Synced+inflight > usage.Limit {
		level.Warn(c.logger).Log("msg", "billing limit would be exceeded", "org_id", req.OrgID,
			"limit", usage.Limit, "synced", usage.Synced, "inflight", inflight)
		return fmt.Errorf("%w: %d synced and %d in flight against a limit of %d", ErrLimitReached, usage.Synced, inflight, usage.Limit)
	}
	return nil
}

// Static is a Service with fixed usage, for the CLI and tests.
type Static Usage

func (s Static) Usage(context.Context, string) (Usage, error) { return Usage(s), nil }
