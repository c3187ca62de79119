package session

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/tether/internal/testmodel"
	"github.com/syssam/tether/store/memstore"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	st := memstore.New()
	postType, ok := testmodel.Model().FindEntityType("Post")
	require.True(t, ok)
	st.Seed(postType, map[string]any{"ID": int64(1), "Title": "t", "Version": int64(9)})

	s := New(testmodel.Model(), st, WithMetrics(m))
	ctx := context.Background()
	_, err := s.Add(&testmodel.Blog{Name: "b"})
	require.NoError(t, err)
	_, err = s.SaveChanges(ctx)
	require.NoError(t, err)
	_, err = s.SaveChanges(ctx)
	require.NoError(t, err)

	stale := &testmodel.Post{ID: 1, Title: "t", Version: 1}
	_, err = s.Attach(stale)
	require.NoError(t, err)
	stale.Title = "x"
	_, err = s.SaveChanges(ctx)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.saves.WithLabelValues(resultSaved)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.saves.WithLabelValues(resultNoop)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.saves.WithLabelValues(resultConflict)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("insert")))
	assert.Zero(t, testutil.ToFloat64(m.commands.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts))
	n, err := testutil.GatherAndCount(reg, "tether_saves_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.NotPanics(t, func() {
		var nop *Metrics
		nop.observeSave(resultSaved, 0)
		nop.observePasses(1)
	})
}

func TestSaveChanges_Reentrant(t *testing.T) {
	t.Parallel()
	s := New(testmodel.Model(), memstore.New())
	s.saving = true
	_, err := s.SaveChanges(context.Background())
	assert.ErrorIs(t, err, errReentrant)
	_, err = s.Plan(context.Background())
	assert.ErrorIs(t, err, errReentrant)
}
