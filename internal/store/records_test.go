package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conformance/internal/eventlog"
	"github.com/roach88/conformance/internal/testinfo"
)

var created = time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)

func TestCreateAndGetTest(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	rec := testinfo.Record{
		ID:          "t-1",
		TestName:    "sample-test",
		DisplayName: "Sample AS Test",
		Owner:       "alice",
		Config:      map[string]any{"client": map[string]any{"client_id": "c1"}},
		Created:     created,
	}
	require.NoError(t, s.CreateTest(ctx, rec))

	got, err := s.GetTest(ctx, "t-1")
	require.NoError(t, err)
	rec.Status = testinfo.StatusCreated
	rec.Result = testinfo.ResultUnknown
	assert.Equal(t, rec, got)

	assert.Error(t, s.CreateTest(ctx, rec), "duplicate id")
}

func TestGetTestNotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.GetTest(context.Background(), "nope")
	assert.ErrorIs(t, err, testinfo.ErrNotFound)
}

func TestUpdateTestResultIsSetOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTest(ctx, testinfo.Record{ID: "t-1", TestName: "x", Created: created}))

	require.NoError(t, s.UpdateTestResult(ctx, "t-1", testinfo.ResultFailed))
	require.NoError(t, s.UpdateTestResult(ctx, "t-1", testinfo.ResultPassed))

	got, err := s.GetTest(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, testinfo.ResultFailed, got.Result)

	assert.ErrorIs(t, s.UpdateTestResult(ctx, "nope", testinfo.ResultPassed), testinfo.ErrNotFound)
}

func TestUpdateTestStatusConfigAndExposed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTest(ctx, testinfo.Record{ID: "t-1", TestName: "x", Created: created}))

	require.NoError(t, s.UpdateTestStatus(ctx, "t-1", testinfo.StatusWaiting))
	require.NoError(t, s.UpdateTestConfig(ctx, "t-1", map[string]any{"resource": map[string]any{"resourceUrl": "https://rs.example"}}))
	require.NoError(t, s.UpdateTestExposed(ctx, "t-1", map[string]string{"state": "xyz"}))

	got, err := s.GetTest(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, testinfo.StatusWaiting, got.Status)
	assert.Equal(t, "https://rs.example", got.Config["resource"].(map[string]any)["resourceUrl"])
	assert.Equal(t, map[string]string{"state": "xyz"}, got.Exposed)

	assert.ErrorIs(t, s.UpdateTestStatus(ctx, "nope", testinfo.StatusRunning), testinfo.ErrNotFound)
	assert.ErrorIs(t, s.UpdateTestExposed(ctx, "nope", nil), testinfo.ErrNotFound)
}

func TestListTestsOldestFirst(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.CreateTest(ctx, testinfo.Record{ID: id, TestName: "x", Created: created.Add(time.Duration(i%2) * time.Second)}))
	}

	list, err := s.ListTests(ctx)
	require.NoError(t, err)
	var ids []string
	for _, r := range list {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids)
}

func TestAppendIsIdempotentAndOrdered(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTest(ctx, testinfo.Record{ID: "t-1", TestName: "x", Created: created}))

	log := eventlog.NewInstance("t-1", s, eventlog.WithNow(func() time.Time { return created }))
	log.Msg(ctx, "setup", "Test instance created")
	log.StartBlock(ctx, "check", "Token endpoint")
	log.Log(ctx, "check", map[string]any{eventlog.KeyMsg: "Matched", eventlog.KeyResult: "SUCCESS", "count": 3})
	log.EndBlock(ctx, "check")

	entries, err := s.Events(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, "block-1", entries[2].BlockID)
	assert.Equal(t, float64(3), entries[2].Args["count"])
	assert.Equal(t, created, entries[0].Time)

	require.NoError(t, s.Append(ctx, entries[1]))
	n, err := s.CountEvents(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	empty, err := s.Events(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.NotNil(t, empty)
}

func TestCanonicalMatchesMemorySink(t *testing.T) {
	s := createTestStore(t)
	mem := eventlog.NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateTest(ctx, testinfo.Record{ID: "t-1", TestName: "x", Created: created}))

	log := eventlog.NewInstance("t-1", eventlog.Multi{s, mem})
	log.Msg(ctx, "a", "first")
	log.Log(ctx, "b", map[string]any{"nested": map[string]any{"z": 1, "a": []string{"x"}}, "é": "é"})

	fromStore, err := s.Canonical(ctx, "t-1")
	require.NoError(t, err)
	fromMemory, err := mem.Canonical("t-1")
	require.NoError(t, err)
	assert.Equal(t, string(fromMemory), string(fromStore))
}

func TestDeleteTestRemovesTrail(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTest(ctx, testinfo.Record{ID: "t-1", TestName: "x", Created: created}))
	eventlog.NewInstance("t-1", s).Msg(ctx, "a", "hello")

	require.NoError(t, s.DeleteTest(ctx, "t-1"))
	_, err := s.GetTest(ctx, "t-1")
	assert.ErrorIs(t, err, testinfo.ErrNotFound)
	n, err := s.CountEvents(ctx, "t-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, s.DeleteTest(ctx, "t-1"), testinfo.ErrNotFound)
}
