package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/conformance/internal/condition"
	"github.com/roach88/conformance/internal/module"
	"github.com/roach88/conformance/internal/testinfo"
)

type idle struct{}

func (idle) Configure(context.Context, *module.Module, map[string]any, string) error { return nil }
func (idle) Start(context.Context, *module.Module) error                             { return nil }
func (idle) Routes(*module.Module) module.Routes                                     { return module.Routes{} }

func entry(name string) Entry {
	return Entry{
		Info: Info{TestName: name, DisplayName: "Display " + name},
		New:  func() module.Behavior { return idle{} },
	}
}

func TestCatalog_RegisterAndList(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(entry("zeta")))
	require.NoError(t, c.Register(entry("alpha")))

	infos := c.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].TestName)
	assert.Equal(t, "zeta", infos[1].TestName)
}

func TestCatalog_RegisterRejects(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(entry("dup")))

	tests := []struct {
		name  string
		entry Entry
	}{
		{name: "duplicate", entry: entry("dup")},
		{name: "no name", entry: entry("  ")},
		{name: "no factory", entry: Entry{Info: Info{TestName: "nofactory"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, c.Register(tt.entry))
		})
	}
}

func TestCatalog_CreateUnknown(t *testing.T) {
	c := New()
	_, err := c.Create(context.Background(), "t1", "missing", module.Deps{})
	assert.ErrorIs(t, err, ErrUnknownModule)
}

func TestCatalog_CreateBuildsModule(t *testing.T) {
	c := New()
	require.NoError(t, c.Register(entry("idle")))
	info := testinfo.NewMemory()

	m, err := c.Create(context.Background(), "t1", "idle", module.Deps{Info: info})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	assert.Equal(t, "idle", m.Name())
	assert.Equal(t, testinfo.StatusCreated, m.Status())
	rec, err := info.GetTest(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "idle", rec.TestName)
}

// marking runs a condition by name from Start.
type marking struct{}

func (marking) Configure(context.Context, *module.Module, map[string]any, string) error { return nil }
func (marking) Start(ctx context.Context, m *module.Module) error {
	return m.Run(ctx, condition.Stop(condition.Ref("MarkStarted")))
}
func (marking) Routes(*module.Module) module.Routes { return module.Routes{} }

func TestCatalog_CreateResolvesConditionsThroughRegistry(t *testing.T) {
	reg := condition.NewRegistry()
	require.NoError(t, reg.Add(condition.Define("MarkStarted",
		condition.Contract{ProducedStrings: []string{"marker"}},
		func(_ context.Context, s *condition.Scope) error {
			s.Env.PutString("marker", "", "started")
			return nil
		})))

	c := New(WithRegistry(reg))
	assert.Same(t, reg, c.Registry())
	require.NoError(t, c.Register(Entry{
		Info: Info{TestName: "marking"},
		New:  func() module.Behavior { return marking{} },
	}))

	ctx := context.Background()
	m, err := c.Create(ctx, "t1", "marking", module.Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	require.NoError(t, m.Configure(ctx, nil, "https://suite.example/test/t1"))
	require.NoError(t, m.Start(ctx))

	got, ok := m.Env().GetString("marker", "")
	require.True(t, ok)
	assert.Equal(t, "started", got)
	assert.Equal(t, testinfo.ResultPassed, m.Result())
}

func TestCatalog_CreateWithoutRegistryFailsRef(t *testing.T) {
	c := New()
	assert.Nil(t, c.Registry())
	require.NoError(t, c.Register(Entry{
		Info: Info{TestName: "marking"},
		New:  func() module.Behavior { return marking{} },
	}))

	ctx := context.Background()
	m, err := c.Create(ctx, "t1", "marking", module.Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	require.NoError(t, m.Configure(ctx, nil, "https://suite.example/test/t1"))
	require.Error(t, m.Start(ctx))
	assert.Equal(t, testinfo.ResultFailed, m.Result())
}
