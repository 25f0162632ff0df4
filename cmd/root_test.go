package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRootCommandRegistersSubcommands(t *testing.T) {
	c := NewRootCommand()

	names := make([]string, 0)
	for _, sub := range c.Commands() {
		names = append(names, sub.Name())
	}

	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "version")
	assert.Contains(t, names, "healthcheck")
}
