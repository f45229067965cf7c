package anonymizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dicom/tag"
	"github.com/codeninja55/go-radx/dicom/vr"

	"github.com/savegress/dicomveil/internal/dicomnet"
	"github.com/savegress/dicomveil/internal/phi"
	"github.com/savegress/dicomveil/pkg/log"
)

func newTestEngine(t *testing.T) (*Engine, *phi.Store) {
	t.Helper()
	store := phi.NewStore("TEST", "1.2.840.99", log.NewNopLogger())
	script, err := Default()
	require.NoError(t, err)
	return New(store, script, "TEST", "TRIAL9", log.NewNopLogger()), store
}

type attr struct {
	t tag.Tag
	v vr.VR
	s string
}

func buildDataSet(t *testing.T, attrs []attr) *dicom.DataSet {
	t.Helper()
	ds := dicom.NewDataSet()
	for _, a := range attrs {
		require.NoError(t, dicomnet.SetString(ds, a.t, a.v, a.s))
	}
	return ds
}

func ctInstance(t *testing.T) *dicom.DataSet {
	return buildDataSet(t, []attr{
		{dicomnet.TagSOPClassUID, vr.UniqueIdentifier, dicomnet.CTImageStorage},
		{dicomnet.TagSOPInstanceUID, vr.UniqueIdentifier, "1.2.3.100.1.1"},
		{dicomnet.TagStudyInstanceUID, vr.UniqueIdentifier, "1.2.3.100"},
		{dicomnet.TagSeriesInstanceUID, vr.UniqueIdentifier, "1.2.3.100.1"},
		{dicomnet.TagPatientID, vr.LongString, "PAT-A"},
		{dicomnet.TagPatientName, vr.PersonName, "DOE^JOHN"},
		{dicomnet.TagStudyDate, vr.Date, "20240310"},
		{dicomnet.TagAccessionNumber, vr.ShortString, "ACC-1"},
		{dicomnet.TagPatientAge, vr.AgeString, "044Y"},
		{dicomnet.TagModality, vr.CodeString, "CT"},
	})
}

func TestEngine_AnonymizeRewritesIdentity(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)
	ds := ctInstance(t)

	out, res, err := e.Anonymize(ds)
	require.NoError(t, err)

	assert.Equal(t, "TEST-000001", res.AnonPatientID)
	assert.Equal(t, "1.2.840.99.TEST.1", res.AnonStudyUID)
	assert.Equal(t, "1.2.840.99.TEST.2", res.AnonSeriesUID)
	assert.Equal(t, "1.2.840.99.TEST.3", res.AnonSOPUID)

	assert.Equal(t, res.AnonPatientID, dicomnet.AttrString(out, dicomnet.TagPatientID))
	assert.Equal(t, res.AnonPatientID, dicomnet.AttrString(out, dicomnet.TagPatientName))
	assert.Equal(t, res.AnonStudyUID, dicomnet.AttrString(out, dicomnet.TagStudyInstanceUID))
	assert.Equal(t, res.AnonSeriesUID, dicomnet.AttrString(out, dicomnet.TagSeriesInstanceUID))
	assert.Equal(t, res.AnonSOPUID, dicomnet.AttrString(out, dicomnet.TagSOPInstanceUID))
	assert.Equal(t, "1", dicomnet.AttrString(out, dicomnet.TagAccessionNumber))
	assert.Equal(t, "045Y", dicomnet.AttrString(out, dicomnet.TagPatientAge))

	delta := phi.DateOffset("PAT-A")
	assert.Equal(t, phi.ShiftDate("20240310", delta), dicomnet.AttrString(out, dicomnet.TagStudyDate))

	// Kept clinical attributes survive untouched.
	assert.Equal(t, "CT", dicomnet.AttrString(out, dicomnet.TagModality))
	assert.Equal(t, dicomnet.CTImageStorage, dicomnet.AttrString(out, dicomnet.TagSOPClassUID))

	// The incoming dataset stays pristine for quarantine.
	assert.Equal(t, "PAT-A", dicomnet.AttrString(ds, dicomnet.TagPatientID))
	assert.Equal(t, "20240310", dicomnet.AttrString(ds, dicomnet.TagStudyDate))
}

func TestEngine_AnonymizeStampsMarkers(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)

	out, _, err := e.Anonymize(ctInstance(t))
	require.NoError(t, err)

	assert.Equal(t, "YES", dicomnet.AttrString(out, dicomnet.TagPatientIdentityRemoved))
	assert.Equal(t, "RSNA DICOM ANONYMIZER", dicomnet.AttrString(out, dicomnet.TagDeIdentificationMethod))
	assert.True(t, dicomnet.HasAttr(out, dicomnet.TagDeIdentificationMethodCodeSeq))

	assert.Equal(t, "RSNA", dicomnet.AttrString(out, tagPrivateCreator))
	assert.Equal(t, "TEST", dicomnet.AttrString(out, tagPrivateSite))
	assert.Equal(t, "TRIAL9", dicomnet.AttrString(out, tagPrivateProject))
}

func TestEngine_DefaultDeletions(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)

	tagCurve := tag.New(0x5000, 0x0005)
	tagOverlay := tag.New(0x6000, 0x0010)
	tagPrivate := tag.New(0x0009, 0x0010)
	tagAdmission := tag.New(0x0038, 0x0010)
	tagSliceThickness := tag.New(0x0018, 0x0050)
	tagRequestedProc := tag.New(0x0032, 0x1060)

	ds := ctInstance(t)
	for _, a := range []attr{
		{tagCurve, vr.ShortText, "curve data"},
		{tagOverlay, vr.ShortText, "overlay rows"},
		{tagPrivate, vr.LongString, "vendor block"},
		{tagAdmission, vr.LongString, "ADM-77"},
		{tagSliceThickness, vr.DecimalString, "2.5"},
		{tagRequestedProc, vr.LongString, "CT CHEST"},
	} {
		require.NoError(t, dicomnet.SetString(ds, a.t, a.v, a.s))
	}

	out, _, err := e.Anonymize(ds)
	require.NoError(t, err)

	assert.False(t, dicomnet.HasAttr(out, tagCurve), "curve group should be removed")
	assert.False(t, dicomnet.HasAttr(out, tagOverlay), "overlay group should be removed")
	assert.False(t, dicomnet.HasAttr(out, tagPrivate), "private group should be removed")
	assert.False(t, dicomnet.HasAttr(out, tagAdmission), "unscripted identifying range should be removed")
	assert.Equal(t, "2.5", dicomnet.AttrString(out, tagSliceThickness))
	assert.Equal(t, "CT CHEST", dicomnet.AttrString(out, tagRequestedProc),
		"scripted keep inside the identifying range should survive")
}

func TestEngine_EmptyPatientIDMapsToDefault(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)

	ds := ctInstance(t)
	require.NoError(t, dicomnet.SetString(ds, dicomnet.TagPatientID, vr.LongString, ""))

	out, res, err := e.Anonymize(ds)
	require.NoError(t, err)
	assert.Equal(t, "TEST-000000", res.AnonPatientID)
	assert.Equal(t, "TEST-000000", dicomnet.AttrString(out, dicomnet.TagPatientID))
}

func TestEngine_StableAcrossRuns(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t)

	_, first, err := e.Anonymize(ctInstance(t))
	require.NoError(t, err)
	_, second, err := e.Anonymize(ctInstance(t))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
