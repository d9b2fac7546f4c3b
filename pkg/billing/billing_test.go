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

package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/arrowarc/lakesync/pkg/kv"
	"github.com/arrowarc/lakesync/pkg/tracking"
)

func TestCheck(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := tracking.NewRowTracker(kv.NewMemory())
	assert.NoError(t, rows.Register(ctx, "t1", "s1", 400))
	assert.NoError(t, rows.Register(ctx, "t2", "s2", 300))

	old := now.Add(-30 * 24 * time.Hour)
	tests := []struct {
		name    string
		usage   Static
		req     Request
		wantErr bool
	}{
		{"under limit", Static{Limit: 1000, Synced: 200}, Request{Billable: true, TeamIDs: []string{"t1", "t2"}, SourceCreatedAt: old}, false},
		{"over limit across teams", Static{Limit: 1000, Synced: 301}, Request{Billable: true, TeamIDs: []string{"t1", "t2"}, SourceCreatedAt: old}, true},
		{"unlimited", Static{Synced: 1 << 40}, Request{Billable: true, TeamIDs: []string{"t1"}, SourceCreatedAt: old}, false},
		{"not billable", Static{Limit: 1, Synced: 5}, Request{TeamIDs: []string{"t1"}, SourceCreatedAt: old}, false},
		{"grace period", Static{Limit: 1, Synced: 5}, Request{Billable: true, TeamIDs: []string{"t1"}, SourceCreatedAt: now.Add(-6 * 24 * time.Hour)}, false},
		{"grace period over", Static{Limit: 1, Synced: 5}, Request{Billable: true, TeamIDs: []string{"t1"}, SourceCreatedAt: now.Add(-GracePeriod)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(tt.usage, rows, nil)
			c.now = func() time.Time { return now }
			err := c.Check(ctx, tt.req)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrLimitReached)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
