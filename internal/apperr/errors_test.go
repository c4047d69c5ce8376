package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapAndCodeOf(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeDiskWriteFailed, "write chunk", cause)
	assert.Equal(t, CodeDiskWriteFailed, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "DISK_WRITE_FAILED: write chunk: disk full", err.Error())

	outer := fmt.Errorf("ingest: %w", err)
	assert.True(t, Is(outer, CodeDiskWriteFailed))
	assert.Nil(t, Wrap(CodeInternal, "nothing", nil))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.False(t, Is(nil, CodeInternal))
}

func TestRetryable(t *testing.T) {
	cases := map[Code]bool{
		CodeInvalidRequest:     false,
		CodeUnknownChunk:       false,
		CodeNotFound:           false,
		CodeDiskWriteFailed:    true,
		CodeLedgerUpdateFailed: true,
		CodeFinalizeFailed:     true,
		CodeInternal:           true,
	}
	for code, want := range cases {
		assert.Equal(t, want, IsRetryable(New(code, "x")), code)
	}
	assert.True(t, IsRetryable(errors.New("timeout")))
	assert.False(t, IsRetryable(nil))

	assert.True(t, New(CodeLedgerUpdateFailed, "x").Transient())
	assert.False(t, New(CodeFinalizeFailed, "x").Transient())
}
