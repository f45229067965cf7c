package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/pkg/log"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir(), log.NewNopLogger())
	require.NoError(t, s.EnsureTree())
	return s
}

func seedInstance(t *testing.T, s *Store, patient, study, series, sop string) string {
	t.Helper()
	path := s.InstancePath(patient, study, series, sop)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("DICM"), 0o600))
	return path
}

func TestStore_EnsureTree(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, dir := range []string{s.Root(), s.PrivateDir(), s.PHIExportDir(), s.QuarantineRoot()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	for _, c := range deid.Categories {
		info, err := os.Stat(s.CategoryDir(c))
		require.NoError(t, err, "category %s", c)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(s.PrivateDir(), "AnonymizerModel.bin"), s.SnapshotPath())
}

func TestStore_ExistsAndStems(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	seedInstance(t, s, "TEST-000001", "st1", "se1", "i1")
	seedInstance(t, s, "TEST-000001", "st1", "se1", "i2")
	seedInstance(t, s, "TEST-000001", "st1", "se2", "i3")

	assert.True(t, s.Exists("TEST-000001", "st1", "se1", "i2"))
	assert.False(t, s.Exists("TEST-000001", "st1", "se1", "i9"))
	assert.False(t, s.Exists("TEST-000002", "st1", "se1", "i1"))

	refs, err := s.InstanceStems("TEST-000001", "st1")
	require.NoError(t, err)
	assert.Equal(t, []InstanceRef{
		{SeriesUID: "se1", SOPUID: "i1"},
		{SeriesUID: "se1", SOPUID: "i2"},
		{SeriesUID: "se2", SOPUID: "i3"},
	}, refs)

	n, err := s.StudyCount("TEST-000001", "st1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	refs, err = s.InstanceStems("TEST-000001", "st-missing")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestStore_PatientEnumeration(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	p1 := seedInstance(t, s, "TEST-000001", "st1", "se1", "i1")
	p2 := seedInstance(t, s, "TEST-000001", "st2", "se1", "i1")
	seedInstance(t, s, "TEST-000002", "st3", "se1", "i1")

	ids, err := s.PatientIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"TEST-000001", "TEST-000002"}, ids, "private dir must not list as a patient")

	files, err := s.PatientFiles("TEST-000001")
	require.NoError(t, err)
	assert.Equal(t, []string{p1, p2}, files)

	files, err = s.PatientFiles("TEST-000099")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestStore_StudyUIDs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	seedInstance(t, s, "TEST-000001", "st2", "se1", "i1")
	seedInstance(t, s, "TEST-000001", "st1", "se1", "i1")

	uids, err := s.StudyUIDs("TEST-000001")
	require.NoError(t, err)
	assert.Equal(t, []string{"st1", "st2"}, uids)

	uids, err = s.StudyUIDs("TEST-000099")
	require.NoError(t, err)
	assert.Empty(t, uids)

	assert.True(t, s.HasPatient("TEST-000001"))
	assert.False(t, s.HasPatient("TEST-000099"))
}

func TestStore_DeleteStudyPrunes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	seedInstance(t, s, "TEST-000001", "st1", "se1", "i1")
	seedInstance(t, s, "TEST-000001", "st1", "se2", "i2")
	seedInstance(t, s, "TEST-000001", "st2", "se1", "i3")

	n, err := s.DeleteStudy("TEST-000001", "st1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = os.Stat(s.StudyDir("TEST-000001", "st1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(s.PatientDir("TEST-000001"))
	assert.NoError(t, err, "patient dir keeps remaining study")

	n, err = s.DeleteStudy("TEST-000001", "st2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = os.Stat(s.PatientDir("TEST-000001"))
	assert.True(t, os.IsNotExist(err), "empty patient dir should be pruned")
}

func TestStore_QuarantineFile(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	src := filepath.Join(t.TempDir(), "broken.dcm")
	require.NoError(t, os.WriteFile(src, []byte("not dicom"), 0o600))

	first, err := s.QuarantineFile(src, deid.CategoryDICOMReadError)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.CategoryDir(deid.CategoryDICOMReadError), "broken.dcm"), first)
	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, []byte("not dicom"), data)

	second, err := s.QuarantineFile(src, deid.CategoryDICOMReadError)
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "collision should resolve to a suffixed name")
	assert.FileExists(t, second)
}

func TestQuarantineNaming(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "1.2.3.dcm", quarantineFilename("1.2.3"))
	assert.Equal(t, "unknown.dcm", quarantineFilename(""))
}
