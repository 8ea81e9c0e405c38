package net

import (
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEphemeralEndpoint(t *testing.T) {
	e, err := EphemeralEndpoint("tcp")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(e, "tcp://127.0.0.1:"))

	l, err := net.Listen("tcp", strings.TrimPrefix(e, "tcp://"))
	require.NoError(t, err)
	assert.NoError(t, l.Close())
}
