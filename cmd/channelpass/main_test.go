package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["sweep"])
	assert.True(t, names["drain"])
}

func TestSplitAddr(t *testing.T) {
	host, port := splitAddr("cache:6380")
	assert.Equal(t, "cache", host)
	assert.Equal(t, 6380, port)

	host, port = splitAddr("localhost")
	assert.Equal(t, "localhost", host)
	assert.Equal(t, 6379, port)
}
