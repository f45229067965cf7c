package phi

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCSV(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s := newTestStore(t)
	captureInstance(t, s, "PAT-A", "1.2.3.100", "1.2.3.100.1", "i1")
	captureInstance(t, s, "PAT-A", "1.2.3.100", "1.2.3.100.2", "i2")
	captureInstance(t, s, "PAT-B", "1.2.3.200", "1.2.3.200.1", "i3")
	anonStudyA := s.AnonymizeUID("1.2.3.100")
	s.AnonymizeUID("1.2.3.200")
	anonAcc := s.AnonymizeAccession("ACC-1")

	path, rows, err := s.WriteCSV(dir, "TRIAL9")
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
	assert.Equal(t, "TEST_TRIAL9_PHI_2.csv", filepath.Base(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, csvHeader, records[0])

	first := records[1]
	delta := DateOffset("PAT-A")
	assert.Equal(t, "TEST-000001", first[0])
	assert.Equal(t, "TEST-000001", first[1])
	assert.Equal(t, "PAT-A", first[2])
	assert.Equal(t, "DOE^JOHN", first[3])
	assert.Equal(t, anonAcc, first[5])
	assert.Equal(t, "ACC-1", first[6])
	assert.Equal(t, anonStudyA, first[7])
	assert.Equal(t, "1.2.3.100", first[8])
	assert.Equal(t, ShiftDate("20240310", delta), first[9])
	assert.Equal(t, "20240310", first[10])
	assert.Equal(t, "2", first[11])
	assert.Equal(t, "2", first[12])
}
