package dicomnet

import (
	"testing"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dicom/vr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGetString(t *testing.T) {
	ds := dicom.NewDataSet()
	require.NoError(t, SetString(ds, TagPatientID, vr.LongString, "PHI-001"))

	assert.Equal(t, "PHI-001", AttrString(ds, TagPatientID))
	assert.True(t, HasAttr(ds, TagPatientID))
	assert.False(t, HasAttr(ds, TagPatientName))
}

func TestSetStringReplacesExisting(t *testing.T) {
	ds := dicom.NewDataSet()
	require.NoError(t, SetString(ds, TagStudyDate, vr.Date, "20240110"))
	require.NoError(t, SetString(ds, TagStudyDate, vr.Date, "20240212"))

	assert.Equal(t, "20240212", AttrString(ds, TagStudyDate))
}

func TestAttrStringMissing(t *testing.T) {
	ds := dicom.NewDataSet()
	assert.Equal(t, "", AttrString(ds, TagAccessionNumber))
}

func TestAttrInt(t *testing.T) {
	ds := dicom.NewDataSet()
	require.NoError(t, SetString(ds, TagNumberOfSeriesRelatedInstances, vr.IntegerString, "42"))

	n, ok := AttrInt(ds, TagNumberOfSeriesRelatedInstances)
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	_, ok = AttrInt(ds, TagNumberOfStudyRelatedInstances)
	assert.False(t, ok)

	require.NoError(t, SetString(ds, TagInstanceNumber, vr.IntegerString, "not-a-number"))
	_, ok = AttrInt(ds, TagInstanceNumber)
	assert.False(t, ok)
}
