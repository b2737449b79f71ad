package xrpcerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatching(t *testing.T) {
	assert := assert.New(t)

	err := fmt.Errorf("applying writes: %w", NotFound("Could not locate record: %s", "at://did:example:alice/app.bsky.feed.post/1"))
	assert.True(errors.Is(err, ErrNotFound))
	assert.False(errors.Is(err, ErrAlreadyExists))
	assert.Equal(http.StatusNotFound, StatusCode(err))

	var xe *Error
	assert.True(errors.As(err, &xe))
	assert.Contains(xe.Error(), "Could not locate record")

	mm := ResolutionMismatch(42)
	assert.True(errors.Is(mm, ErrResolutionMismatch))
	assert.Equal(uint64(42), mm.ReportID)
	assert.Equal("ResolutionMismatch: Report 42 cannot be resolved by action", mm.Error())

	assert.Equal(http.StatusConflict, StatusCode(AlreadyExists("x")))
	assert.Equal(http.StatusBadRequest, StatusCode(MalformedCursor("abc")))
	assert.Equal(http.StatusNotFound, StatusCode(BlobNotFound("tmpkey")))
	assert.Equal(http.StatusInternalServerError, StatusCode(errors.New("disk on fire")))
}

func TestValidationWrap(t *testing.T) {
	assert := assert.New(t)

	inner := errors.New("text: must be at most 3000 characters")
	err := ValidationWrap(inner, "Invalid app.bsky.feed.post record")
	assert.True(errors.Is(err, ErrValidation))
	assert.True(errors.Is(err, inner))
	assert.Contains(err.Error(), "must be at most")
}
