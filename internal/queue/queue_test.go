package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(seq int64, id string, op Op) Row {
	return Row{Seq: seq, Identifier: id, Operation: op}
}

func TestCollapseUpdateSupersedes(t *testing.T) {
	out := Collapse([]Row{
		row(1, "ark:/99166/x", OpCreate),
		row(2, "ark:/99166/x", OpUpdate),
		row(3, "ark:/99166/x", OpUpdate),
	})
	require.Len(t, out, 1)
	assert.Equal(t, int64(3), out[0].Seq)
	assert.Equal(t, OpUpdate, out[0].Operation)
	assert.ElementsMatch(t, []int64{1, 2}, out[0].Absorbed)
}

func TestCollapseDeleteAbsorbs(t *testing.T) {
	out := Collapse([]Row{
		row(1, "ark:/99166/x", OpCreate),
		row(2, "ark:/99166/x", OpUpdate),
		row(3, "ark:/99166/x", OpDelete),
	})
	require.Len(t, out, 1)
	assert.Equal(t, OpDelete, out[0].Operation)
	assert.ElementsMatch(t, []int64{1, 2}, out[0].Absorbed)
}

func TestCollapseCreateAfterDeleteRetained(t *testing.T) {
	out := Collapse([]Row{
		row(1, "ark:/99166/x", OpDelete),
		row(2, "ark:/99166/x", OpCreate),
		row(3, "ark:/99166/x", OpUpdate),
	})
	require.Len(t, out, 2)
	assert.Equal(t, OpDelete, out[0].Operation)
	assert.Equal(t, int64(1), out[0].Seq)
	assert.Equal(t, OpUpdate, out[1].Operation)
	assert.Equal(t, []int64{2}, out[1].Absorbed)
}

func TestCollapseLeavesDistinctIdentifiers(t *testing.T) {
	out := Collapse([]Row{
		row(1, "ark:/99166/x", OpCreate),
		row(2, "ark:/99166/y", OpCreate),
		row(3, "ark:/99166/x", OpUpdate),
	})
	require.Len(t, out, 2)
	assert.Equal(t, "ark:/99166/x", out[0].Identifier)
	assert.Equal(t, int64(3), out[0].Seq)
	assert.Equal(t, "ark:/99166/y", out[1].Identifier)
}

func TestCollapseSkipsPermanentErrors(t *testing.T) {
	bad := row(2, "ark:/99166/x", OpUpdate)
	bad.ErrorIsPermanent = true
	out := Collapse([]Row{
		row(1, "ark:/99166/x", OpCreate),
		bad,
		row(3, "ark:/99166/x", OpUpdate),
	})
	require.Len(t, out, 1)
	assert.Equal(t, int64(3), out[0].Seq)
	assert.Equal(t, []int64{1}, out[0].Absorbed)
}

func TestInMemoryQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	q := NewInMemoryQueue(Binder)

	for _, id := range []string{"a", "b", "c"} {
		q.Append(&Row{Identifier: "ark:/99166/" + id, Operation: OpCreate})
	}

	rows, err := q.Load(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(1), rows[0].Seq)
	assert.Equal(t, int64(3), rows[2].Seq)

	require.NoError(t, q.SetError(ctx, 2, "registry rejected metadata", true))
	rows, err = q.Load(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	d, err := q.GetDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{Pending: 2, Permanent: 1}, d)

	require.NoError(t, q.Delete(ctx, []int64{1, 3}))
	rows, err = q.Load(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestInMemoryQueueLoadLimit(t *testing.T) {
	q := NewInMemoryQueue(DataCite)
	for i := 0; i < 5; i++ {
		q.Append(&Row{Identifier: "doi:10.5072/X", Operation: OpUpdate})
	}
	rows, err := q.Load(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}
