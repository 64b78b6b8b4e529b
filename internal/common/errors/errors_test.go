package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := Declined("executor busy")
	assert.Equal(t, "DECLINED: executor busy", e.Error())

	wrapped := SetupFailed("mount failed", fmt.Errorf("fuse: device not found"))
	assert.Contains(t, wrapped.Error(), "SETUP_FAILED")
	assert.Contains(t, wrapped.Error(), "device not found")
	assert.Equal(t, "fuse: device not found", wrapped.Hint)
}

func TestCodeOfUnwrapsChains(t *testing.T) {
	base := Expired("lease up")
	wrapped := fmt.Errorf("while polling: %w", base)
	assert.Equal(t, CodeExpired, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodeExpired))
	assert.False(t, Is(wrapped, CodeDeclined))
	assert.Equal(t, "", CodeOf(fmt.Errorf("plain")))
}

func TestWrapPreservesCode(t *testing.T) {
	inner := WorkspaceTooLarge("too many files")
	outer := Wrap(inner, "admission")
	assert.Equal(t, CodeWorkspaceTooLarge, outer.Code)
	assert.Contains(t, outer.Message, "admission")

	plain := Wrap(fmt.Errorf("disk full"), "staging")
	assert.Equal(t, CodeSetupFailed, plain.Code)

	require.Nil(t, Wrap(nil, "noop"))
}

func TestWithHintDoesNotMutate(t *testing.T) {
	base := Declined("busy")
	hinted := base.WithHint("retry in a minute")
	assert.Empty(t, base.Hint)
	assert.Equal(t, "retry in a minute", hinted.Hint)
	assert.Equal(t, base.Code, hinted.Code)
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, HTTPStatus(Declined("x")))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(WorkspaceNotFound("/x")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(WorkspaceTooLarge("x")))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(AuthFailed("x")))
	assert.Equal(t, http.StatusGone, HTTPStatus(Expired("x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(fmt.Errorf("plain")))
}
