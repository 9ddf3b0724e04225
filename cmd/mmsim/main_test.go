package main

import (
	"testing"

	"generalos/kernel/config"
	"generalos/kernel/kmain"
	"generalos/kernel/mm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDemo(t *testing.T) {
	cfg := config.Defaults()
	arena := mm.NewArena(mm.NewPhysAddr(cfg.PhysMemStart), mm.NewPhysAddr(cfg.PhysMemEnd()))

	k, kerr := kmain.Boot(cfg, kmain.HostedBootInfo(cfg, arena), arena, nil, nil)
	require.Nil(t, kerr)
	allocated := k.Frames.Allocated()

	core, logs := observer.New(zap.InfoLevel)
	require.NoError(t, demo(k, zap.New(core)))

	entries := logs.FilterMessage("forked user address space").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(demoPages), entries[0].ContextMap()["shared_frames"])
	assert.Equal(t, allocated, k.Frames.Allocated(), "demo must release everything it allocated")
}
