package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/internal/dicomnet"
)

func ctModality(m string) bool { return m == "CT" }

func newStudy() *Study {
	return NewStudy(dicomnet.StudyResult{
		StudyInstanceUID: "1.2.3.100",
		PatientID:        "PAT-A",
		AccessionNumber:  "ACC-1",
		StudyDate:        "20240310",
	})
}

func TestStudy_FoldSeriesSkipRules(t *testing.T) {
	t.Parallel()
	st := newStudy()

	tests := []struct {
		name string
		r    dicomnet.SeriesResult
		skip string
	}{
		{
			"accepted",
			dicomnet.SeriesResult{StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "1.2.3.100.1", Modality: "CT", NumInstances: 4},
			"",
		},
		{
			"missing series uid",
			dicomnet.SeriesResult{StudyInstanceUID: "1.2.3.100", Modality: "CT", NumInstances: 2},
			"missing series instance uid",
		},
		{
			"foreign study",
			dicomnet.SeriesResult{StudyInstanceUID: "9.9.9", SeriesInstanceUID: "9.9.9.1", Modality: "CT", NumInstances: 2},
			"study instance uid mismatch",
		},
		{
			"modality not configured",
			dicomnet.SeriesResult{StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "1.2.3.100.2", Modality: "US", NumInstances: 2},
			"modality not configured",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.skip, st.FoldSeries(tt.r, ctModality))
		})
	}
	assert.Equal(t, 1, st.SeriesCount())
}

func TestStudy_DuplicateSeriesResponses(t *testing.T) {
	t.Parallel()
	st := newStudy()

	// A peer answering once per instance reports the same series
	// repeatedly with a count of one.
	r := dicomnet.SeriesResult{StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se1", Modality: "CT", NumInstances: 1}
	for i := 0; i < 3; i++ {
		require.Empty(t, st.FoldSeries(r, ctModality))
	}
	require.Equal(t, 1, st.SeriesCount())
	assert.Equal(t, 3, st.ExpectedInstances())

	// A larger duplicate count wins, a smaller one does not shrink.
	r.NumInstances = 10
	require.Empty(t, st.FoldSeries(r, ctModality))
	assert.Equal(t, 10, st.ExpectedInstances())
	r.NumInstances = 4
	require.Empty(t, st.FoldSeries(r, ctModality))
	assert.Equal(t, 10, st.ExpectedInstances())
}

func TestStudy_FoldInstances(t *testing.T) {
	t.Parallel()
	st := newStudy()
	allowCT := func(class string) bool { return class == dicomnet.CTImageStorage }

	require.Empty(t, st.FoldSeries(dicomnet.SeriesResult{
		StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se1", Modality: "CT", NumInstances: -1,
	}, ctModality))

	require.Empty(t, st.FoldInstance(dicomnet.InstanceResult{
		StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se1",
		SOPInstanceUID: "i1", SOPClassUID: dicomnet.CTImageStorage, InstanceNumber: 1,
	}, allowCT))
	require.Empty(t, st.FoldInstance(dicomnet.InstanceResult{
		StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se1",
		SOPInstanceUID: "i2", SOPClassUID: dicomnet.CTImageStorage, InstanceNumber: 2,
	}, allowCT))

	skip := st.FoldInstance(dicomnet.InstanceResult{
		StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se1",
		SOPInstanceUID: "i3", SOPClassUID: dicomnet.SecondaryCaptureImageStorage,
	}, allowCT)
	assert.Equal(t, "sop class not configured", skip)

	assert.Equal(t, 2, st.ExpectedInstances(), "image probe resolves the unknown count")
	require.NoError(t, st.Validate(true))
}

func TestStudy_Validate(t *testing.T) {
	t.Parallel()

	empty := newStudy()
	err := empty.Validate(false)
	require.Error(t, err)
	assert.True(t, deid.IsKind(err, deid.KindMissingAttributes))

	st := newStudy()
	require.Empty(t, st.FoldSeries(dicomnet.SeriesResult{
		StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se1", Modality: "CT", NumInstances: -1,
	}, ctModality))

	err = st.Validate(false)
	require.Error(t, err, "unknown count without image probing cannot be retrieved")
	assert.True(t, deid.IsKind(err, deid.KindMissingAttributes))
	require.NoError(t, st.Validate(true))
}

func TestStudy_UpdateMoveStats(t *testing.T) {
	t.Parallel()
	st := newStudy()

	s := st.UpdateMoveStats(10, 0, 0, 0)
	assert.Equal(t, MoveStats{Requested: 10, Remaining: 10}, s)

	s = st.UpdateMoveStats(5, 5, 0, 0)
	assert.Equal(t, MoveStats{Requested: 10, Completed: 5, Remaining: 5}, s)

	// A stale response from an asynchronous peer cannot regress anything.
	s = st.UpdateMoveStats(2, 3, 0, 0)
	assert.Equal(t, MoveStats{Requested: 10, Completed: 5, Remaining: 5}, s)

	// Counters overshooting the requested total never drive Remaining
	// negative.
	s = st.UpdateMoveStats(0, 12, 1, 0)
	assert.Equal(t, MoveStats{Requested: 13, Completed: 12, Failed: 1, Remaining: 0}, s)
}

func TestStudy_PendingInstances(t *testing.T) {
	t.Parallel()
	st := newStudy()
	require.Empty(t, st.FoldSeries(dicomnet.SeriesResult{
		StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se1", Modality: "CT", NumInstances: 2,
	}, ctModality))
	require.Empty(t, st.FoldSeries(dicomnet.SeriesResult{
		StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se2", Modality: "CT", NumInstances: 3,
	}, ctModality))

	assert.Equal(t, 5, st.PendingInstances())

	st.NoteReceived(3)
	assert.Equal(t, 2, st.PendingInstances())

	st.NoteReceived(2)
	assert.Equal(t, 3, st.Received(), "received count only moves forward")

	st.NoteReceived(7)
	assert.Equal(t, 0, st.PendingInstances(), "overshoot clamps at zero")
}

func TestStudy_DropSeries(t *testing.T) {
	t.Parallel()
	st := newStudy()
	for _, uid := range []string{"se1", "se2", "se3"} {
		require.Empty(t, st.FoldSeries(dicomnet.SeriesResult{
			StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: uid, Modality: "CT", NumInstances: 1,
		}, ctModality))
	}

	st.DropSeries("se2", "se9")

	list := st.SeriesList()
	require.Len(t, list, 2)
	assert.Equal(t, "se1", list[0].SeriesUID)
	assert.Equal(t, "se3", list[1].SeriesUID)
}

// mixedStudy builds a tree with one image-probed series (i1..i3), one
// series known only by count (4) and one fully stored count-only series.
func mixedStudy(t *testing.T) *Study {
	t.Helper()
	allowCT := func(class string) bool { return class == dicomnet.CTImageStorage }

	st := newStudy()
	require.Empty(t, st.FoldSeries(dicomnet.SeriesResult{
		StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se1", Modality: "CT", NumInstances: -1,
	}, ctModality))
	for _, sop := range []string{"i1", "i2", "i3"} {
		require.Empty(t, st.FoldInstance(dicomnet.InstanceResult{
			StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se1",
			SOPInstanceUID: sop, SOPClassUID: dicomnet.CTImageStorage,
		}, allowCT))
	}
	require.Empty(t, st.FoldSeries(dicomnet.SeriesResult{
		StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se2", Modality: "CT", NumInstances: 4,
	}, ctModality))
	require.Empty(t, st.FoldSeries(dicomnet.SeriesResult{
		StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se3", Modality: "CT", NumInstances: 2,
	}, ctModality))
	return st
}

func TestStudy_PruneStored(t *testing.T) {
	t.Parallel()
	st := mixedStudy(t)

	stored := map[string]bool{"i2": true}
	counts := map[string]int{"se2": 1, "se3": 2}
	wanted := st.PruneStored(
		func(sop string) bool { return stored[sop] },
		func(uid string) int { return counts[uid] },
	)

	// se1 keeps i1 and i3, se2 still needs 3 of 4, se3 is complete and gone.
	assert.Equal(t, 5, wanted)
	list := st.SeriesList()
	require.Len(t, list, 2)
	assert.Equal(t, "se1", list[0].SeriesUID)
	assert.Equal(t, 2, list[0].InstanceCount)
	assert.Equal(t, "se2", list[1].SeriesUID)
	assert.Equal(t, 4, list[1].InstanceCount, "count-only series keeps the peer count")
}

func TestStudy_PruneStoredAllPresent(t *testing.T) {
	t.Parallel()
	st := newStudy()
	require.Empty(t, st.FoldSeries(dicomnet.SeriesResult{
		StudyInstanceUID: "1.2.3.100", SeriesInstanceUID: "se1", Modality: "CT", NumInstances: 2,
	}, ctModality))

	wanted := st.PruneStored(nil, func(string) int { return 2 })
	assert.Equal(t, 0, wanted)
	assert.Equal(t, 0, st.SeriesCount())
}

func TestStudy_MissingParts(t *testing.T) {
	t.Parallel()
	st := mixedStudy(t)

	stored := map[string]bool{"i1": true, "i3": true}
	counts := map[string]int{"se2": 2, "se3": 2}
	parts := st.MissingParts(
		func(sop string) bool { return stored[sop] },
		func(uid string) int { return counts[uid] },
	)

	require.Len(t, parts, 2)
	assert.Equal(t, MissingSeries{SeriesUID: "se1", SOPUIDs: []string{"i2"}, Short: 1}, parts[0])
	assert.Equal(t, MissingSeries{SeriesUID: "se2", Short: 2}, parts[1])
}

func TestStudy_MissingPartsNoneMissing(t *testing.T) {
	t.Parallel()
	st := mixedStudy(t)

	parts := st.MissingParts(
		func(string) bool { return true },
		func(string) int { return 4 },
	)
	assert.Empty(t, parts)
}
