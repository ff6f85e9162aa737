package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMethodLabel(t *testing.T) {
	tests := map[string]string{
		"get":      "GET",
		" Post ":   "POST",
		"DELETE":   "DELETE",
		"OPTIONS":  "OPTIONS",
		"BREW":     otherMethod,
		"":         otherMethod,
		"x-custom": otherMethod,
	}
	for in, want := range tests {
		assert.Equal(t, want, methodLabel(in), "method %q", in)
	}
}
