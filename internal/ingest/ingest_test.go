package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeninja55/go-radx/dicom"
	"github.com/codeninja55/go-radx/dicom/tag"
	"github.com/codeninja55/go-radx/dicom/vr"

	"github.com/savegress/dicomveil/internal/anonymizer"
	"github.com/savegress/dicomveil/internal/config"
	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/internal/dicomnet"
	"github.com/savegress/dicomveil/internal/metrics"
	"github.com/savegress/dicomveil/internal/phi"
	"github.com/savegress/dicomveil/internal/storage"
	"github.com/savegress/dicomveil/pkg/log"
)

func newTestService(t *testing.T) (*Service, *storage.Store, *phi.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.SiteID = "TEST"
	cfg.UIDRoot = "1.2.840.99"
	cfg.ProjectName = "TRIAL9"
	cfg.Storage.Directory = t.TempDir()
	cfg.Anonymizer.Workers = 2
	cfg.Anonymizer.QueueSize = 16
	cfg.Anonymizer.MemoryFloorMB = 0

	logger := log.NewNopLogger()
	files := storage.New(cfg.Storage.Directory, logger)
	require.NoError(t, files.EnsureTree())

	index := phi.NewStore(cfg.SiteID, cfg.UIDRoot, logger)
	script, err := anonymizer.Default()
	require.NoError(t, err)
	engine := anonymizer.New(index, script, cfg.SiteID, cfg.ProjectName, logger)

	svc, err := New(cfg, files, index, engine, metrics.New(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, files, index
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

func ctInstance(t *testing.T, sopUID string) *dicom.DataSet {
	return buildDataSet(t, []attr{
		{dicomnet.TagSOPClassUID, vr.UniqueIdentifier, dicomnet.CTImageStorage},
		{dicomnet.TagSOPInstanceUID, vr.UniqueIdentifier, sopUID},
		{dicomnet.TagStudyInstanceUID, vr.UniqueIdentifier, "1.2.3.100"},
		{dicomnet.TagSeriesInstanceUID, vr.UniqueIdentifier, "1.2.3.100.1"},
		{dicomnet.TagPatientID, vr.LongString, "PAT-A"},
		{dicomnet.TagPatientName, vr.PersonName, "DOE^JOHN"},
		{dicomnet.TagStudyDate, vr.Date, "20240310"},
		{dicomnet.TagAccessionNumber, vr.ShortString, "ACC-1"},
		{dicomnet.TagModality, vr.CodeString, "CT"},
	})
}

func quarantineCount(t *testing.T, files *storage.Store, c deid.Category) int {
	t.Helper()
	entries, err := os.ReadDir(files.CategoryDir(c))
	require.NoError(t, err)
	return len(entries)
}

func TestService_ProcessStoresInstance(t *testing.T) {
	t.Parallel()
	svc, files, index := newTestService(t)

	svc.process(ctInstance(t, "1.2.3.100.1.1"), "PEER")

	anonPatient, ok := index.LookupPatientID("PAT-A")
	require.True(t, ok)
	anonStudy, ok := index.LookupUID("1.2.3.100")
	require.True(t, ok)
	anonSeries, ok := index.LookupUID("1.2.3.100.1")
	require.True(t, ok)
	anonSOP, ok := index.LookupUID("1.2.3.100.1.1")
	require.True(t, ok)

	assert.True(t, files.Exists(anonPatient, anonStudy, anonSeries, anonSOP))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.met.InstancesStored))

	stored, err := dicom.ParseFile(files.InstancePath(anonPatient, anonStudy, anonSeries, anonSOP))
	require.NoError(t, err)
	assert.Equal(t, anonPatient, dicomnet.AttrString(stored, dicomnet.TagPatientID))
	assert.Equal(t, "YES", dicomnet.AttrString(stored, dicomnet.TagPatientIdentityRemoved))
}

func TestService_ProcessMissingAttributes(t *testing.T) {
	t.Parallel()
	svc, files, _ := newTestService(t)

	ds := buildDataSet(t, []attr{
		{dicomnet.TagSOPClassUID, vr.UniqueIdentifier, dicomnet.CTImageStorage},
		{dicomnet.TagSOPInstanceUID, vr.UniqueIdentifier, "1.2.3.100.1.1"},
		{dicomnet.TagPatientID, vr.LongString, "PAT-A"},
	})
	svc.process(ds, "PEER")

	assert.Equal(t, 1, quarantineCount(t, files, deid.CategoryMissingAttributes))
	assert.Equal(t, 0.0, testutil.ToFloat64(svc.met.InstancesStored))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(svc.met.InstancesQuarantined.WithLabelValues(string(deid.CategoryMissingAttributes))))
}

func TestService_ProcessUnknownStorageClass(t *testing.T) {
	t.Parallel()
	svc, files, _ := newTestService(t)

	ds := ctInstance(t, "1.2.3.100.1.1")
	require.NoError(t, dicomnet.SetString(ds, dicomnet.TagSOPClassUID, vr.UniqueIdentifier, "1.2.840.10008.5.1.4.1.1.77.1.1"))
	svc.process(ds, "PEER")

	assert.Equal(t, 1, quarantineCount(t, files, deid.CategoryInvalidStorageClass))
}

func TestService_ProcessQuarantinesOriginal(t *testing.T) {
	t.Parallel()
	svc, files, _ := newTestService(t)

	ds := buildDataSet(t, []attr{
		{dicomnet.TagSOPClassUID, vr.UniqueIdentifier, dicomnet.CTImageStorage},
		{dicomnet.TagSOPInstanceUID, vr.UniqueIdentifier, "1.2.3.100.1.9"},
		{dicomnet.TagStudyInstanceUID, vr.UniqueIdentifier, "1.2.3.100"},
		{dicomnet.TagPatientID, vr.LongString, "PAT-A"},
	})
	svc.process(ds, "PEER")

	entries, err := os.ReadDir(files.CategoryDir(deid.CategoryMissingAttributes))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// The quarantined copy is the untouched original, PHI intact.
	held, err := dicom.ParseFile(filepath.Join(files.CategoryDir(deid.CategoryMissingAttributes), entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "PAT-A", dicomnet.AttrString(held, dicomnet.TagPatientID))
	assert.Equal(t, "1.2.3.100.1.9.dcm", entries[0].Name())
}

func TestService_ProcessDuplicateIsSilentSuccess(t *testing.T) {
	t.Parallel()
	svc, files, index := newTestService(t)

	svc.process(ctInstance(t, "1.2.3.100.1.1"), "PEER")
	svc.process(ctInstance(t, "1.2.3.100.1.1"), "PEER")

	assert.Equal(t, 1.0, testutil.ToFloat64(svc.met.InstancesStored))
	assert.Equal(t, 1, index.Totals().Instances)
	for _, c := range deid.Categories {
		assert.Zero(t, quarantineCount(t, files, c), "category %s", c)
	}
}

func TestService_RetransmitAfterFailedWriteRestoresFile(t *testing.T) {
	t.Parallel()
	svc, files, index := newTestService(t)

	svc.process(ctInstance(t, "1.2.3.100.1.1"), "PEER")

	anonPatient, ok := index.LookupPatientID("PAT-A")
	require.True(t, ok)
	anonStudy, ok := index.LookupUID("1.2.3.100")
	require.True(t, ok)
	anonSeries, ok := index.LookupUID("1.2.3.100.1")
	require.True(t, ok)
	anonSOP, ok := index.LookupUID("1.2.3.100.1.1")
	require.True(t, ok)

	// Pseudonyms assigned but the file missing is the state left behind by a
	// failed write. The retransmission must land the file on disk without
	// inflating any instance count.
	require.NoError(t, os.Remove(files.InstancePath(anonPatient, anonStudy, anonSeries, anonSOP)))
	svc.process(ctInstance(t, "1.2.3.100.1.1"), "PEER")

	assert.True(t, files.Exists(anonPatient, anonStudy, anonSeries, anonSOP))
	assert.Equal(t, 1, index.Totals().Instances)
	assert.Equal(t, 1, index.InstanceCountForStudy("1.2.3.100"))
}

func TestService_WaitForMemory(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)
	svc.cfg.Anonymizer.MemoryFloorMB = 512
	svc.probeInterval = time.Millisecond

	calls := 0
	svc.availableMemory = func(context.Context) (uint64, error) {
		calls++
		if calls < 3 {
			return 100 << 20, nil
		}
		return 1 << 30, nil
	}
	assert.True(t, svc.waitForMemory(context.Background()))
	assert.Equal(t, 3, calls)

	svc.availableMemory = func(context.Context) (uint64, error) {
		return 100 << 20, nil
	}
	assert.False(t, svc.waitForMemory(context.Background()))

	// Probe errors never block ingest.
	svc.availableMemory = func(context.Context) (uint64, error) {
		return 0, errors.New("proc unavailable")
	}
	assert.True(t, svc.waitForMemory(context.Background()))
}

func TestService_ImportFiles(t *testing.T) {
	t.Parallel()
	svc, files, _ := newTestService(t)

	dir := t.TempDir()
	one := filepath.Join(dir, "one.dcm")
	two := filepath.Join(dir, "two.dcm")
	junk := filepath.Join(dir, "notes.txt")
	require.NoError(t, dicom.WriteFile(one, ctInstance(t, "1.2.3.100.1.1")))
	require.NoError(t, dicom.WriteFile(two, ctInstance(t, "1.2.3.100.1.2")))
	require.NoError(t, os.WriteFile(junk, []byte("meeting notes"), 0o600))

	report, err := svc.ImportFiles(context.Background(), []string{one, two, junk})
	require.NoError(t, err)
	svc.Drain()

	assert.Equal(t, ImportReport{Queued: 2, Invalid: 1}, report)
	assert.Equal(t, 2.0, testutil.ToFloat64(svc.met.InstancesStored))
	assert.Equal(t, 1, quarantineCount(t, files, deid.CategoryInvalidDICOM))
}

func TestService_ImportDirectorySkipsHidden(t *testing.T) {
	t.Parallel()
	svc, _, index := newTestService(t)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "series1"), 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".cache"), 0o750))
	require.NoError(t, dicom.WriteFile(
		filepath.Join(dir, "series1", "a.dcm"), ctInstance(t, "1.2.3.100.1.1")))
	require.NoError(t, dicom.WriteFile(
		filepath.Join(dir, ".cache", "b.dcm"), ctInstance(t, "1.2.3.100.1.2")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".DS_Store"), []byte{0}, 0o600))

	report, err := svc.ImportDirectory(context.Background(), dir)
	require.NoError(t, err)
	svc.Drain()

	assert.Equal(t, ImportReport{Queued: 1}, report)
	_, ok := index.LookupUID("1.2.3.100.1.1")
	assert.True(t, ok)
	_, ok = index.LookupUID("1.2.3.100.1.2")
	assert.False(t, ok, "hidden directory must not be imported")
}

func TestService_CloseWritesSnapshot(t *testing.T) {
	t.Parallel()
	svc, files, index := newTestService(t)

	svc.process(ctInstance(t, "1.2.3.100.1.1"), "PEER")
	require.True(t, index.Dirty())
	require.NoError(t, svc.Close(context.Background()))

	_, err := os.Stat(files.SnapshotPath())
	require.NoError(t, err)

	reloaded, err := phi.Load(files.SnapshotPath(), "TEST", "1.2.840.99", log.NewNopLogger())
	require.NoError(t, err)
	anon, ok := reloaded.LookupPatientID("PAT-A")
	assert.True(t, ok)
	assert.Equal(t, "TEST-000001", anon)
}

func TestService_SaveNowCountsSnapshots(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t)

	require.NoError(t, svc.SaveNow())
	require.NoError(t, svc.SaveNow())
	assert.Equal(t, 2.0, testutil.ToFloat64(svc.met.SnapshotSaves))
}
