package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCodes(t *testing.T) {
	cases := map[Kind]int{
		KindInvalidInput: http.StatusBadRequest,
		KindNotFound:     http.StatusNotFound,
		KindDuplicate:    http.StatusConflict,
		KindUnavailable:  http.StatusServiceUnavailable,
		KindInternal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, New(kind, "x").StatusCode(), "kind %s", kind)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(KindUnavailable, "store unreachable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "store unreachable")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestStatusCodeOf(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusCodeOf(InvalidInput("bad")))
	assert.Equal(t, http.StatusBadRequest, StatusCodeOf(fmt.Errorf("wrapped: %w", InvalidInput("bad"))))
	assert.Equal(t, http.StatusInternalServerError, StatusCodeOf(stderrors.New("plain")))
}
