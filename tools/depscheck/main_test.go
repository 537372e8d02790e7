package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindViolations(t *testing.T) {
	input := `{"ImportPath":"musical-multiverse/network/internal/mirror","Imports":["musical-multiverse/network/internal/replica","fmt"]}
{"ImportPath":"musical-multiverse/network/internal/router","Imports":["musical-multiverse/network/internal/transport/ws","musical-multiverse/network/internal/relay"]}
{"ImportPath":"musical-multiverse/network/internal/tick","Imports":["musical-multiverse/network/internal/netutil"]}
`
	violations, err := findViolations(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"musical-multiverse/network/internal/router -> musical-multiverse/network/internal/relay",
		"musical-multiverse/network/internal/router -> musical-multiverse/network/internal/transport/ws",
	}, violations)
}

func TestFindViolationsRejectsGarbage(t *testing.T) {
	_, err := findViolations(strings.NewReader("{not json"))
	assert.Error(t, err)
}
