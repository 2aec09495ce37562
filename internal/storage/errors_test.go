package storage

import (
	"errors"
	"io"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClassifyError_SQLSTATECodes verifies the transient/fatal split across
// the SQLSTATE codes a concurrent Dedup Store writer can actually hit.
func TestClassifyError_SQLSTATECodes(t *testing.T) {
	tests := []struct {
		name      string
		code      pq.ErrorCode
		transient bool
	}{
		{name: "connection_exception", code: "08000", transient: true},
		{name: "connection_does_not_exist", code: "08003", transient: true},
		{name: "serialization_failure", code: "40001", transient: true},
		{name: "deadlock_detected", code: "40P01", transient: true},
		{name: "statement_timeout", code: "57014", transient: true},
		{name: "unique_violation", code: "23505", transient: false},
		{name: "not_null_violation", code: "23502", transient: false},
		{name: "syntax_error", code: "42601", transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pqErr := &pq.Error{Code: tt.code}

			err := ClassifyError(pqErr)
			require.Error(t, err)

			if tt.transient {
				var transientErr *TransientStoreError
				assert.True(t, errors.As(err, &transientErr), "expected TransientStoreError for %s", tt.code)
			} else {
				var fatalErr *FatalStoreError
				assert.True(t, errors.As(err, &fatalErr), "expected FatalStoreError for %s", tt.code)
			}
		})
	}
}

func TestClassifyError_NilIsNil(t *testing.T) {
	assert.Nil(t, ClassifyError(nil))
}

func TestClassifyError_NonPostgresErrorIsTransient(t *testing.T) {
	err := ClassifyError(io.ErrUnexpectedEOF)

	var transientErr *TransientStoreError
	require.ErrorAs(t, err, &transientErr)
}
