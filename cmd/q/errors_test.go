package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifiedErrorPreservesMessageAndUnwrap(t *testing.T) {
	inner := errors.New("boom")
	wrapped := configError(inner)

	assert.Equal(t, "boom", wrapped.Error())
	assert.True(t, errors.Is(wrapped, inner))
}

func TestIsConfigError(t *testing.T) {
	assert.True(t, isConfigError(configError(errors.New("x"))))
	assert.False(t, isConfigError(imageError(errors.New("x"))))
	assert.False(t, isConfigError(errors.New("unclassified")))
}

func TestIsImageError(t *testing.T) {
	assert.True(t, isImageError(imageError(errors.New("x"))))
	assert.False(t, isImageError(transportError(errors.New("x"))))
}

func TestIsTransportError(t *testing.T) {
	assert.True(t, isTransportError(transportError(errors.New("x"))))
	assert.False(t, isTransportError(configError(errors.New("x"))))
}

func TestHasKindSurvivesWrapping(t *testing.T) {
	base := configError(errors.New("root cause"))
	wrapped := fmt.Errorf("while doing X: %w", base)
	assert.True(t, isConfigError(wrapped))
}

func TestExitCodeForError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"config error", configError(errors.New("x")), exitConfigMissing},
		{"image error", imageError(errors.New("x")), exitImageRefreshFailed},
		{"transport error", transportError(errors.New("x")), exitTransportFailure},
		{"unclassified error", errors.New("x"), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCodeForError(tc.err))
		})
	}
}
