package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatParseCellID(t *testing.T) {
	for _, tc := range []struct {
		x, y int
		id   string
	}{
		{0, 0, "G_00_00"},
		{5, 8, "G_05_08"},
		{19, 14, "G_19_14"},
	} {
		require.Equal(t, tc.id, FormatCellID(tc.x, tc.y))

		x, y, err := ParseCellID(tc.id)
		require.NoError(t, err)
		require.Equal(t, tc.x, x)
		require.Equal(t, tc.y, y)
	}
}

func TestParseCellIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{
		"",
		"G_5_8",
		"G_005_008",
		"g_05_08",
		"G_05_08 ",
		"G_aa_bb",
		"C_05_08",
	} {
		_, _, err := ParseCellID(id)
		require.Error(t, err, "id %q should not parse", id)
	}
}

func TestGridContains(t *testing.T) {
	g := Grid{Width: 20, Height: 15}

	require.True(t, g.Contains("G_00_00"))
	require.True(t, g.Contains("G_19_14"))
	require.False(t, g.Contains("G_20_00"))
	require.False(t, g.Contains("G_00_15"))
	require.False(t, g.Contains("not-a-cell"))
}

func TestEventIDDeterministic(t *testing.T) {
	a := EventID("c1", "cam1", 1000, "objA")
	b := EventID("c1", "cam1", 1000, "objA")
	require.Equal(t, a, b)

	// any coordinate change produces a different id
	require.NotEqual(t, a, EventID("c2", "cam1", 1000, "objA"))
	require.NotEqual(t, a, EventID("c1", "cam2", 1000, "objA"))
	require.NotEqual(t, a, EventID("c1", "cam1", 1001, "objA"))
	require.NotEqual(t, a, EventID("c1", "cam1", 1000, "objB"))
}

func TestAggregateContributions(t *testing.T) {
	agg := AggregateContributions("G_05_08", map[string]int64{
		"a": 1500,
		"b": 500,
		"c": 0, // zero dwell contributors are not counted
	})

	require.Equal(t, int64(2000), agg.TotalDwellMs)
	require.Equal(t, 2, agg.ObjectCount)
	require.Equal(t, int64(1000), agg.AvgDwellMs)
	require.Equal(t, int64(1500), agg.MaxDwellMs)
	require.Equal(t, int64(500), agg.MinDwellMs)
}

func TestObjectStateOpenDwell(t *testing.T) {
	s := &ObjectState{CurrentCell: "G_01_01", EnterTsMs: 1000, LastSeenTsMs: 1500}
	require.Equal(t, int64(2000), s.OpenDwellMs(3000))

	empty := &ObjectState{LastSeenTsMs: 1500}
	require.False(t, empty.InCell())
	require.Zero(t, empty.OpenDwellMs(3000))
}
