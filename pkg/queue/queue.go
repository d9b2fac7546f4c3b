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

// Package queue carries exported batches from the exporter to the loader.
// Every batch of one (team, schema) pair is sent with the same key so that a
// single partition keeps them in order.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/arrowarc/lakesync/internal/json"
)

// BatchMessage announces one exported batch file.
type BatchMessage struct {
	TeamID   string `json:"team_id"`
	JobID    string `json:"job_id"`
	SchemaID string `json:"schema_id"`
	SourceID string `json:"source_id"`
	RunID    string `json:"run_id"`

	BatchIndex int    `json:"batch_index"`
	Path       string `json:"path"`
	Rows       int64  `json:"rows"`
	Bytes      int64  `json:"bytes"`

	IsFinal bool `json:"is_final"`
	// TotalBatches and TotalRows are only set on the final message.
	TotalBatches int   `json:"total_batches,omitempty"`
	TotalRows    int64 `json:"total_rows,omitempty"`

	SyncType        string   `json:"sync_type"`
	PrimaryKeys     []string `json:"primary_keys,omitempty"`
	PartitionKeys   []string `json:"partition_keys,omitempty"`
	PartitionMode   string   `json:"partition_mode,omitempty"`
	PartitionFormat string   `json:"partition_format,omitempty"`
	PartitionCount  int      `json:"partition_count,omitempty"`
	PartitionSize   int64    `json:"partition_size,omitempty"`

	// Reset asks the loader to rebuild the table before the first batch.
	Reset          bool  `json:"reset"`
	Resuming       bool  `json:"resuming"`
	CumulativeRows int64 `json:"cumulative_rows"`
}

// Key is the ordering key of the message.
func (m BatchMessage) Key() string {
	return m.TeamID + ":" + m.SchemaID
}

func (m BatchMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (BatchMessage, error) {
	var m BatchMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return BatchMessage{}, fmt.Errorf("decoding batch message: %w", err)
	}
	return m, nil
}

type Producer interface {
	Send(ctx context.Context, msg BatchMessage) error
	Close() error
}

type Handler interface {
	Handle(ctx context.Context, msg BatchMessage) error
}

type HandlerFunc func(ctx context.Context, msg BatchMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg BatchMessage) error { return f(ctx, msg) }

// Memory is an in-process Producer keeping messages in send order.
type Memory struct {
	mu       sync.Mutex
	messages []BatchMessage
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Send(_ context.Context, msg BatchMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Messages() []BatchMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BatchMessage(nil), m.messages...)
}

// Drain hands every queued message to h in order, removing each once h
// accepts it.
func (m *Memory) Drain(ctx context.Context, h Handler) error {
	for {
		m.mu.Lock()
		if len(m.messages) == 0 {
			m.mu.Unlock()
			return nil
		}
		msg := m.messages[0]
		m.mu.Unlock()

		if err := h.Handle(ctx, msg); err != nil {
			return err
		}

		m.mu.Lock()
		m.messages = m.messages[1:]
		m.mu.Unlock()
	}
}
