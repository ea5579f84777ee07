package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetVerbose(t *testing.T) {
	defer SetVerbose("")

	SetVerbose("")
	assert.False(t, IsVerbose("link", "send"))

	SetVerbose("all")
	assert.True(t, IsVerbose("anything", "at-all"))

	SetVerbose("link, registry.Send")
	assert.True(t, IsVerbose("link", "send"))
	assert.True(t, IsVerbose("link", ""))
	assert.True(t, IsVerbose("registry", "Send"))
	assert.False(t, IsVerbose("registry", "Use"))
	assert.False(t, IsVerbose("auth", "next"))
}

func TestDebugMethodRespectsFilters(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(nil)
	defer SetVerbose("")

	SetVerbose("subqueue")
	DebugMethod("subqueue", "activate", "activated %s", "sub:0")
	DebugMethod("publish", "send", "ignored")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "subqueue.activate: activated sub:0", entries[0].Message)

	Warn("relay %s failed", "wss://x")
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zap.WarnLevel, logs.All()[1].Level)
}
