package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regintel/crawl-engine/internal/engine"
)

func unitNamed(name string) Func {
	return Func{
		Info: engine.CrawlerMeta{Name: name, Label: name},
		Fn: func(context.Context, engine.Payload) (engine.CrawlResult, error) {
			return engine.CrawlResult{}, nil
		},
	}
}

func TestRegisterAndResolve(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register(unitNamed("bls")))

	u, err := r.Resolve("bls")
	require.NoError(t, err)
	assert.Equal(t, "bls", u.Meta().Name)

	_, err = r.Resolve("ghost")
	require.ErrorIs(t, err, engine.ErrUnresolvedCrawler)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register(unitNamed("bls")))
	require.ErrorIs(t, r.Register(unitNamed("bls")), engine.ErrDuplicateUnit)
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	t.Parallel()

	r := New()
	require.ErrorIs(t, r.Register(unitNamed("")), engine.ErrValidation)
}

func TestListSortsByName(t *testing.T) {
	t.Parallel()

	r := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(unitNamed(name)))
	}

	metas := r.List()
	require.Len(t, metas, 3)
	assert.Equal(t, "alpha", metas[0].Name)
	assert.Equal(t, "mid", metas[1].Name)
	assert.Equal(t, "zeta", metas[2].Name)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestFuncAdapter(t *testing.T) {
	t.Parallel()

	called := false
	f := Func{
		Info: engine.CrawlerMeta{Name: "fn"},
		Fn: func(_ context.Context, payload engine.Payload) (engine.CrawlResult, error) {
			called = true
			assert.Equal(t, 2, payload.Int("max_items", 0))
			return engine.CrawlResult{Items: []engine.Item{{SourceURL: "u"}}}, nil
		},
	}

	res, err := f.Execute(context.Background(), engine.Payload{"max_items": 2})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Len(t, res.Items, 1)
}
