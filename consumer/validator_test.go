package consumer

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yjpa7145/cumulus/errors"
)

func encodeRecord(t *testing.T, doc string) []byte {
	t.Helper()
	return []byte(base64.StdEncoding.EncodeToString([]byte(doc)))
}

func TestValidatorAcceptsWellFormedRecord(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	raw := encodeRecord(t, `{"dataset": "MOD09GQ.006", "identifier": "granule-1",
		"files": [{"name": "granule-1.hdf"}]}`)
	rec, err := v.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, "MOD09GQ.006", rec.Dataset)
	assert.Equal(t, "granule-1", rec.Payload["identifier"])
}

func TestValidatorRejectsBadBase64(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	_, err = v.Validate([]byte("%%% not base64 %%%"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRecordMalformed))
	assert.True(t, errors.IsInvalid(err))
}

func TestValidatorRejectsBadJSON(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	_, err = v.Validate(encodeRecord(t, `{"dataset": `))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRecordMalformed))
}

func TestValidatorReportsSchemaViolations(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	_, err = v.Validate(encodeRecord(t, `{"identifier": "granule-1"}`))
	require.Error(t, err)

	var verr *errors.SchemaValidationError
	require.ErrorAs(t, err, &verr)
	require.NotEmpty(t, verr.Violations)
	assert.Contains(t, verr.Violations[0].Message, "dataset")
}

func TestValidatorReportsWrongType(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	_, err = v.Validate(encodeRecord(t, `{"dataset": 42}`))
	var verr *errors.SchemaValidationError
	require.ErrorAs(t, err, &verr)
	found := false
	for _, violation := range verr.Violations {
		if violation.Field == "dataset" {
			found = true
		}
	}
	assert.True(t, found, "violation must name the offending field")
}

func TestValidatorEmptyDataset(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	_, err = v.Validate(encodeRecord(t, `{"dataset": ""}`))
	var verr *errors.SchemaValidationError
	assert.ErrorAs(t, err, &verr)
}
