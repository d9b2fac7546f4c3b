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
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arrowarc/lakesync/internal/json"
)

// Metrics stores the processing metrics of one run
type Metrics struct {
	sync.Mutex
	RecordsProcessed int64
	Chunks           int
	TotalBytes       int64
	StartTime        time.Time
	EndTime          time.Time
	TotalDuration    time.Duration
	Throughput       float64
	ThroughputBytes  float64
}

func (m *Metrics) add(rec arrow.Record) {
	m.Lock()
	defer m.Unlock()
	m.RecordsProcessed += rec.NumRows()
	m.Chunks++
	m.TotalBytes += recordSize(rec)
}

// UpdateMetrics calculates the total duration and throughputs.
func (m *Metrics) UpdateMetrics() {
	m.Lock()
	defer m.Unlock()

	m.TotalDuration = m.EndTime.Sub(m.StartTime)
	if m.TotalDuration > 0 {
		m.Throughput = float64(m.RecordsProcessed) / m.TotalDuration.Seconds()
		m.ThroughputBytes = float64(m.TotalBytes) / m.TotalDuration.Seconds()
	} else {
		m.Throughput = 0
		m.ThroughputBytes = 0
	}
}

// Report generates a JSON summary of the collected metrics
func (m *Metrics) Report() string {
	m.Lock()
	defer m.Unlock()

	report := struct {
		RecordsProcessed int64   `json:"records_processed"`
		Chunks           int     `json:"chunks"`
		TotalBytes       int64   `json:"total_bytes"`
		TotalDuration    string  `json:"total_duration"`
		Throughput       float64 `json:"throughput_records_per_second"`
		ThroughputBytes  float64 `json:"throughput_bytes_per_second"`
	}{
		RecordsProcessed: m.RecordsProcessed,
		Chunks:           m.Chunks,
		TotalBytes:       m.TotalBytes,
		TotalDuration:    m.TotalDuration.String(),
		Throughput:       m.Throughput,
		ThroughputBytes:  m.ThroughputBytes,
	}

	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Sprintf("Error generating report: %v", err)
	}
	return string(data)
}

// recordSize approximates the size of a record from its buffers
func recordSize(rec arrow.Record) int64 {
	size := int64(0)
	for _, col := range rec.Columns() {
		for _, buf := range col.Data().Buffers() {
			if buf != nil {
				size += int64(buf.Len())
			}
		}
	}
	return size
}

const namespace = "lakesync"

// Collectors are the prometheus metrics shared by every run of a process.
type Collectors struct {
	RowsSynced     prometheus.Counter
	ChunksWritten  prometheus.Counter
	WriteDuration  prometheus.Histogram
	BillingAborts  prometheus.Counter
	BatchesShipped prometheus.Counter
}

// NewCollectors creates the collectors and registers them on reg when it is
// not nil.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		RowsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_synced_total",
			Help:      "Rows durably written to tables.",
		}),
		ChunksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_written_total",
			Help:      "Chunks committed to tables.",
		}),
		WriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_write_duration_seconds",
			Help:      "Time spent writing one chunk, merge included.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		BillingAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_aborts_total",
			Help:      "Syncs aborted because the billing limit would be exceeded.",
		}),
		BatchesShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_exported_total",
			Help:      "Batch files exported and announced on the queue.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.RowsSynced, c.ChunksWritten, c.WriteDuration, c.BillingAborts, c.BatchesShipped)
	}
	return c
}
