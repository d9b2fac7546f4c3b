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

package queue

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/go-kit/log"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	sent []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.sent = append(w.sent, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.pending) == 0 {
		return kafka.Message{}, io.EOF
	}
	m := r.pending[0]
	r.pending = r.pending[1:]
	return m, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestKafkaProducerKeysByTeamAndSchema(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaProducer{w: w}
	msg := BatchMessage{TeamID: "7", SchemaID: "s1", BatchIndex: 2, Path: "team_7/job_j/orders__batches/r/2.parquet", Rows: 10}
	require.NoError(t, p.Send(context.Background(), msg))

	require.Len(t, w.sent, 1)
	assert.Equal(t, "7:s1", string(w.sent[0].Key))
	got, err := Decode(w.sent[0].Value)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestKafkaConsumerCommitsAfterHandle(t *testing.T) {
	encode := func(i int) []byte {
		b, err := BatchMessage{TeamID: "t", SchemaID: "s", BatchIndex: i}.Encode()
		require.NoError(t, err)
		return b
	}
	r := &fakeReader{pending: []kafka.Message{
		{Offset: 1, Value: encode(0)},
		{Offset: 2, Value: []byte("garbage")},
		{Offset: 3, Value: encode(1)},
		{Offset: 4, Value: encode(2)},
	}}
	var handled []int
	boom := errors.New("boom")
	c := &KafkaConsumer{r: r, handler: HandlerFunc(func(_ context.Context, m BatchMessage) error {
		if m.BatchIndex == 2 {
			return boom
		}
		handled = append(handled, m.BatchIndex)
		return nil
	})}
	c.logger = log.NewNopLogger()

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{0, 1}, handled)
	assert.Equal(t, []int64{1, 2, 3}, r.committed)
}

func TestMemoryDrainStopsAtFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Send(ctx, BatchMessage{BatchIndex: i}))
	}
	fail := true
	h := HandlerFunc(func(_ context.Context, msg BatchMessage) error {
		if msg.BatchIndex == 1 && fail {
			fail = false
			return errors.New("transient")
		}
		return nil
	})
	assert.Error(t, m.Drain(ctx, h))
	assert.Len(t, m.Messages(), 2)
	assert.NoError(t, m.Drain(ctx, h))
	assert.Empty(t, m.Messages())
}
