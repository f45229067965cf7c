package phi

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/pkg/log"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), SnapshotFilename)

	s := newTestStore(t)
	captureInstance(t, s, "PAT-A", "1.2.3.100", "1.2.3.100.1", "i1")
	captureInstance(t, s, "PAT-B", "1.2.3.200", "1.2.3.200.1", "i2")
	anonStudy := s.AnonymizeUID("1.2.3.100")
	anonAcc := s.AnonymizeAccession("ACC-1")

	require.True(t, s.Dirty())
	require.NoError(t, s.Save(path))
	assert.False(t, s.Dirty())

	loaded, err := Load(path, testSite, testUIDRoot, log.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, s.Totals(), loaded.Totals())
	assert.Equal(t, 1, loaded.InstanceCountForStudy("1.2.3.100"))

	got, ok := loaded.LookupUID("1.2.3.100")
	require.True(t, ok)
	assert.Equal(t, anonStudy, got)
	phi, ok := loaded.UIDForAnon(anonStudy)
	require.True(t, ok)
	assert.Equal(t, "1.2.3.100", phi)
	assert.Equal(t, anonAcc, loaded.AnonymizeAccession("ACC-1"))

	// Counters resume where the saved index left off.
	next, err := loaded.AnonymizePatientID("PAT-C")
	require.NoError(t, err)
	assert.Equal(t, "TEST-000003", next)
	assert.Equal(t, "1.2.840.99.TEST.2", loaded.AnonymizeUID("1.2.3.300"))
}

func TestSnapshot_MissingFileStartsFresh(t *testing.T) {
	t.Parallel()

	s, err := Load(filepath.Join(t.TempDir(), SnapshotFilename), testSite, testUIDRoot, log.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, Totals{}, s.Totals())
	def, ok := s.LookupPatientID("")
	require.True(t, ok)
	assert.Equal(t, "TEST-000000", def)
}

func TestSnapshot_VersionMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	wrongVersion := filepath.Join(dir, "wrong-version.bin")
	payload := append([]byte{}, snapshotMagic[:]...)
	payload = binary.BigEndian.AppendUint32(payload, ModelVersion+1)
	require.NoError(t, os.WriteFile(wrongVersion, payload, 0o600))

	_, err := Load(wrongVersion, testSite, testUIDRoot, log.NewNopLogger())
	require.Error(t, err)
	assert.True(t, deid.IsKind(err, deid.KindModelVersionMismatch))

	wrongMagic := filepath.Join(dir, "wrong-magic.bin")
	require.NoError(t, os.WriteFile(wrongMagic, []byte("XXXX\x00\x00\x00\x02junk"), 0o600))

	_, err = Load(wrongMagic, testSite, testUIDRoot, log.NewNopLogger())
	require.Error(t, err)
	assert.True(t, deid.IsKind(err, deid.KindModelVersionMismatch))
}
