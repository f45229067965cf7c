package anonymizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/dicomveil/internal/dicomnet"
)

func TestDefaultScriptCompiles(t *testing.T) {
	t.Parallel()

	s, err := Default()
	require.NoError(t, err)
	assert.Greater(t, s.Len(), 30)

	op, ok := s.OperatorFor(dicomnet.TagPatientID)
	require.True(t, ok)
	assert.Equal(t, opPatientID, op.code)
	op, ok = s.OperatorFor(dicomnet.TagPatientAge)
	require.True(t, ok)
	assert.Equal(t, opRound, op.code)
	assert.Equal(t, 5, op.width)
}

func TestParse_Rejections(t *testing.T) {
	t.Parallel()

	valid := `
version: 1
operators:
  "0010,0020": "@ptid"
  "0020,000D": "@uid"
  "0020,000E": "@uid"
  "0008,0018": "@uid"
`
	_, err := Parse([]byte(valid))
	require.NoError(t, err)

	tests := []struct {
		name   string
		script string
		want   string
	}{
		{
			"unknown operator",
			"version: 1\noperators:\n  \"0010,0020\": \"@scramble\"\n",
			"unknown operator",
		},
		{
			"malformed tag",
			"version: 1\noperators:\n  \"00100020\": \"@ptid\"\n",
			"malformed tag",
		},
		{
			"bad round width",
			"version: 1\noperators:\n  \"0010,1010\": \"@round(zero)\"\n",
			"round width",
		},
		{
			"bad hashdate source",
			"version: 1\noperators:\n  \"0008,0020\": \"@hashdate(AccessionNumber)\"\n",
			"hashdate source",
		},
		{
			"wrong version",
			"version: 9\noperators:\n  \"0010,0020\": \"@ptid\"\n",
			"version",
		},
		{
			"no operators",
			"version: 1\n",
			"no operators",
		},
		{
			"identity tag unmapped",
			"version: 1\noperators:\n  \"0010,0020\": \"@ptid\"\n  \"0020,000D\": \"@uid\"\n  \"0020,000E\": \"@uid\"\n  \"0008,0018\": \"@keep\"\n",
			"must map",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.script))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRoundAge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"044Y", 5, "045Y"},
		{"042Y", 5, "040Y"},
		{"043Y", 5, "045Y"},
		{"012M", 5, "010M"},
		{"007D", 5, "005D"},
		{"23", 5, "25"},
		{"10", 4, "12"},
		{"", 5, ""},
		{"abc", 5, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, roundAge(tt.in, tt.width), "roundAge(%q, %d)", tt.in, tt.width)
	}
}
