package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conformance/internal/eventlog"
)

var _ eventlog.Sequencer = (*DeterministicClock)(nil)

func TestDeterministicClock_SequencesTrail(t *testing.T) {
	ctx := context.Background()
	mem := eventlog.NewMemory()
	log := NewTrail("t-1", mem)

	assert.Equal(t, int64(0), log.Clock.Current())
	log.Msg(ctx, "sample-test", "Test instance created")
	log.Msg(ctx, "sample-test", "Status changed")
	assert.Equal(t, int64(2), log.Clock.Current())

	var seqs []int64
	for _, e := range mem.Entries("t-1") {
		seqs = append(seqs, e.Seq)
	}
	assert.Equal(t, []int64{1, 2}, seqs)
}

func TestDeterministicClock_ResetReplaysSeqs(t *testing.T) {
	ctx := context.Background()
	clock := NewDeterministicClock()

	record := func(testID string) []int64 {
		mem := eventlog.NewMemory()
		log := eventlog.NewInstance(testID, mem, eventlog.WithSequencer(clock))
		log.Msg(ctx, "CheckMatchingStateParameter", "State parameter correctly returned")
		log.StartBlock(ctx, "sample-test", "Token endpoint")
		log.EndBlock(ctx, "sample-test")

		var seqs []int64
		for _, e := range mem.Entries(testID) {
			seqs = append(seqs, e.Seq)
		}
		return seqs
	}

	first := record("t-1")
	clock.Reset()
	second := record("t-2")
	assert.Equal(t, []int64{1, 2, 3}, first)
	assert.Equal(t, first, second)
}

func TestDeterministicClock_ConcurrentLogging(t *testing.T) {
	ctx := context.Background()
	mem := eventlog.NewMemory()
	log := NewTrail("t-1", mem)

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				log.Msg(ctx, "background", "callback verified")
			}
		}()
	}
	wg.Wait()

	entries := mem.Entries("t-1")
	require.Len(t, entries, writers*perWriter)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
	}
	assert.Equal(t, int64(writers*perWriter), log.Clock.Current())
}

func TestStepClock_Concurrent(t *testing.T) {
	c := NewStepClock(time.Millisecond)
	var wg sync.WaitGroup
	seen := make(chan time.Time, 50)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- c.Now()
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[time.Time]bool{}
	for ts := range seen {
		unique[ts] = true
	}
	assert.Len(t, unique, 50)
	assert.Equal(t, Epoch.Add(50*time.Millisecond), c.Now())
}
