package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/telemetry/iot/pipeline"
)

func TestJobsOfOneKeyRunInOrder(t *testing.T) {
	p := pipeline.New(4, 1000)
	defer p.Close()

	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 200; i++ {
		for _, key := range []string{"d1", "d2", "d3"} {
			i, key := i, key
			require.True(t, p.Submit(context.Background(), key, "append", func(ctx context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				got[key] = append(got[key], i)
				return nil
			}))
		}
	}
	p.Flush()

	for _, key := range []string{"d1", "d2", "d3"} {
		require.Len(t, got[key], 200, key)
		for i, v := range got[key] {
			assert.Equal(t, i, v, key)
		}
	}
}

func TestFullQueueDrops(t *testing.T) {
	p := pipeline.New(1, 1)
	defer p.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	require.True(t, p.Submit(context.Background(), "k", "block", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	assert.True(t, p.Submit(context.Background(), "k", "queued", func(ctx context.Context) error { return nil }))
	assert.False(t, p.Submit(context.Background(), "k", "dropped", func(ctx context.Context) error { return nil }))
	assert.Equal(t, int64(1), p.Dropped())

	close(block)
	p.Flush()
}

func TestFailuresAndPanicsAreContained(t *testing.T) {
	p := pipeline.New(2, 10)
	defer p.Close()

	done := false
	p.Submit(context.Background(), "a", "fail", func(ctx context.Context) error { return errors.New("boom") })
	p.Submit(context.Background(), "a", "panic", func(ctx context.Context) error { panic("oops") })
	p.Submit(context.Background(), "a", "ok", func(ctx context.Context) error { done = true; return nil })
	p.Flush()

	assert.True(t, done)
	assert.Equal(t, int64(2), p.Failed())
}

func TestClose(t *testing.T) {
	p := pipeline.New(3, 100)
	var mu sync.Mutex
	count := 0
	for i := 0; i < 50; i++ {
		p.Submit(context.Background(), fmt.Sprint(i), "count", func(ctx context.Context) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
	}
	p.Close()
	assert.Equal(t, 50, count)
	assert.False(t, p.Submit(context.Background(), "x", "late", func(ctx context.Context) error { return nil }))
	p.Close()
	p.Flush()
}
