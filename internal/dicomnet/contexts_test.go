package dicomnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageContextsOddUniqueIDs(t *testing.T) {
	classes := StorageClassesForModalities([]string{"CR", "DX", "CT", "MR"})
	contexts := StorageContexts(classes, DefaultTransferSyntaxes)

	require.Len(t, contexts, len(classes)+1, "one context per class plus verification")
	assert.Equal(t, VerificationSOPClass, contexts[0].AbstractSyntax)

	seen := map[uint8]bool{}
	for _, pc := range contexts {
		assert.Equal(t, uint8(1), pc.ID%2, "presentation context IDs must be odd")
		assert.False(t, seen[pc.ID], "duplicate presentation context ID %d", pc.ID)
		seen[pc.ID] = true
		assert.Equal(t, DefaultTransferSyntaxes, pc.TransferSyntaxes)
	}
}

func TestQueryRetrieveContexts(t *testing.T) {
	contexts := QueryRetrieveContexts(DefaultTransferSyntaxes)
	require.Len(t, contexts, 3)
	assert.Equal(t, StudyRootQueryRetrieveInformationModelFind, contexts[1].AbstractSyntax)
	assert.Equal(t, StudyRootQueryRetrieveInformationModelMove, contexts[2].AbstractSyntax)
}

func TestSupportedContextsMap(t *testing.T) {
	m := SupportedContextsMap([]string{CTImageStorage}, DefaultTransferSyntaxes)
	assert.Contains(t, m, VerificationSOPClass)
	assert.Contains(t, m, CTImageStorage)
	assert.Equal(t, DefaultTransferSyntaxes, m[CTImageStorage])
}

func TestMoveIdentifierLevel(t *testing.T) {
	assert.Equal(t, "STUDY", MoveIdentifier{StudyInstanceUID: "1.2.3"}.Level())
	assert.Equal(t, "SERIES", MoveIdentifier{StudyInstanceUID: "1.2.3", SeriesInstanceUID: "1.2.3.4"}.Level())
	assert.Equal(t, "IMAGE", MoveIdentifier{
		StudyInstanceUID: "1.2.3", SeriesInstanceUID: "1.2.3.4", SOPInstanceUID: "1.2.3.4.5",
	}.Level())
}
