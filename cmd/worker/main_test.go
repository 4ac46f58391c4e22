package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabrelay/internal/config"
	"tabrelay/internal/domain"
	"tabrelay/internal/messaging/inproc"
	"tabrelay/internal/persona"
	"tabrelay/internal/store"
	"tabrelay/internal/worker"
)

func TestFlagsRejectCoordinator(t *testing.T) {
	for _, f := range []flags{
		{label: "coordinator"},
		{label: "  Coordinator "},
		{role: "Coordinator"},
	} {
		cfg := config.Default()
		assert.ErrorIs(t, f.apply(&cfg), errCoordinatorLabel)
	}

	cfg := config.Default()
	require.NoError(t, flags{profile: "tab-3", label: "Judge", ui: "bridge", hubURL: "ws://hub/ws"}.apply(&cfg))
	assert.Equal(t, "tab-3", cfg.Worker.Profile)
	assert.Equal(t, "Judge", cfg.Worker.Label)
	assert.Equal(t, config.UIBridge, cfg.Worker.UI)
	assert.Equal(t, "ws://hub/ws", cfg.Hub.URL)

	cfg = config.Default()
	assert.Error(t, flags{ui: "puppeteer"}.apply(&cfg))
}

func TestResolveRole(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	cfg := config.Default().Worker
	cfg.Profile = "tab-1"

	role, err := resolveRole(ctx, kv, cfg, false)
	require.NoError(t, err)
	assert.Equal(t, domain.PersonaRoleNone, role)

	cfg.PersonaRole = "Judge"
	role, err = resolveRole(ctx, kv, cfg, true)
	require.NoError(t, err)
	assert.Equal(t, domain.PersonaRoleJudge, role)
	assert.Equal(t, domain.PersonaRoleJudge, persona.LoadRole(ctx, kv, "tab-1"))

	cfg.PersonaRole = "Maximizer"
	role, err = resolveRole(ctx, kv, cfg, false)
	require.NoError(t, err)
	assert.Equal(t, domain.PersonaRoleJudge, role, "stored role wins over the config file")
}

func TestSeedLabelIsAnnounced(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	cfg := config.Default().Worker
	cfg.Profile = "tab-9"
	cfg.Label = " Synthesizer "
	require.NoError(t, seedLabel(ctx, kv, cfg))

	bus := inproc.New(8)
	defer bus.Close()
	a, err := worker.NewAgent(ctx, worker.Options{Profile: "tab-9", Bus: bus, Store: kv, UI: worker.NewEchoUI()})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "Synthesizer", a.Label())
}

func TestNewChatUIDefaultsToEcho(t *testing.T) {
	ui, closeUI, err := newChatUI(config.Default(), nil)
	require.NoError(t, err)
	defer closeUI()
	_, ok := ui.(*worker.EchoUI)
	assert.True(t, ok)
}
