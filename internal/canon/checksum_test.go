package canon

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialiseForChecksumExample(t *testing.T) {
	before := map[string]any{"name": "Old", "status": "draft"}

	s, err := SerialiseForChecksum("job-123", before, []string{"name"})
	require.NoError(t, err)
	assert.Equal(t, "job-123|name=Old", s)

	sum, err := ComputeChecksum("job-123", before, []string{"name"})
	require.NoError(t, err)
	assert.Equal(t, "bc9d7f80b3fab24f61710cf453f51404fc201e116f7f644365a2ec898c4dd4ee", sum)
}

func TestSerialiseForChecksumDefaultsToAllFields(t *testing.T) {
	before := map[string]any{"status": "draft", "name": "Old"}

	s, err := SerialiseForChecksum("job-123", before, nil)
	require.NoError(t, err)
	assert.Equal(t, "job-123|name=Old|status=draft", s)
	assert.Equal(t, "3de06d1c49f325e5337f9087aca469fcbf7369d3007646af875cd4aade9f8569", MustChecksum("job-123", before, nil))
}

func TestChecksumStableUnderFieldReordering(t *testing.T) {
	before := map[string]any{"a": 1, "b": "two", "c": []any{true}}

	ab := MustChecksum("po-9", before, []string{"a", "b"})
	ba := MustChecksum("po-9", before, []string{"b", "a"})
	dup := MustChecksum("po-9", before, []string{"b", "a", "b", "a"})

	assert.Equal(t, ab, ba)
	assert.Equal(t, ab, dup)
	assert.NotEqual(t, ab, MustChecksum("po-9", before, []string{"a", "c"}))
	assert.NotEqual(t, ab, MustChecksum("po-10", before, []string{"a", "b"}))
}

func TestChecksumMissingField(t *testing.T) {
	_, err := ComputeChecksum("job-1", map[string]any{"a": 1}, []string{"a", "b"})
	require.Error(t, err)
	assert.True(t, IsMissingField(err))

	var mf *MissingFieldError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "b", mf.Field)
	assert.Equal(t, "job-1", mf.ResourceID)
}

func TestChecksumNilValueIsPresent(t *testing.T) {
	s, err := SerialiseForChecksum("job-1", map[string]any{"client_id": nil}, []string{"client_id"})
	require.NoError(t, err)
	assert.Equal(t, "job-1|client_id="+NullToken, s)
}

func TestDigestWithDomainSeparates(t *testing.T) {
	assert.NotEqual(t, DigestWithDomain("a", "bc"), DigestWithDomain("ab", "c"))
	assert.Len(t, DigestWithDomain("jobsync/change/v1", "x"), 64)
}

// TestSerialiseGolden pins the wire form of a representative job record.
// Regenerate with: go test ./internal/canon -update
func TestSerialiseGolden(t *testing.T) {
	before := map[string]any{
		"name":          "  Kitchen refit ",
		"status":        "quoting",
		"job_number":    1042,
		"charge_out":    105.50,
		"delivery_date": "2024-07-01",
		"updated_at":    "2024-06-30T22:15:00+12:00",
		"contact_id":    nil,
		"complex":       true,
		"tags":          []any{"urgent", "site-b"},
		"address":       map[string]any{"city": "Christchurch", "line1": "12 Main St"},
	}

	var lines []string
	for _, fields := range [][]string{nil, {"status", "name"}, {"address", "tags"}} {
		s, err := SerialiseForChecksum("job-1042", before, fields)
		require.NoError(t, err)
		lines = append(lines, s)
	}

	g := goldie.New(t)
	g.Assert(t, "job_serialisation", []byte(strings.Join(lines, "\n")+"\n"))
}
