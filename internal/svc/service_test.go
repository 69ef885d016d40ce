package svc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramStartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "/etc/coldtier/test.yaml",
		Run: func(ctx context.Context, configPath string) error {
			started <- configPath
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, prg.Start(nil))
	select {
	case path := <-started:
		assert.Equal(t, "/etc/coldtier/test.yaml", path)
	case <-time.After(5 * time.Second):
		t.Fatal("run function not started")
	}
	assert.NoError(t, prg.Stop(nil), "context cancellation is a clean stop")
}

func TestProgramStopReturnsRunError(t *testing.T) {
	want := errors.New("bind failed")
	prg := &Program{Run: func(context.Context, string) error { return want }}

	require.NoError(t, prg.Start(nil))
	assert.ErrorIs(t, prg.Stop(nil), want)
}

func TestProgramWithoutRun(t *testing.T) {
	prg := &Program{}
	require.NoError(t, prg.Start(nil))
	assert.Error(t, prg.Stop(nil))
}

func TestNewServiceConfig(t *testing.T) {
	cfg := NewServiceConfig(&ServiceConfig{Name: "coldtier-test", ConfigPath: "/srv/c.yaml", UserName: "tape"})

	assert.Equal(t, "coldtier-test", cfg.Name)
	assert.Equal(t, []string{RunFlag, "serve", "--config", "/srv/c.yaml"}, cfg.Arguments)
	assert.Equal(t, "tape", cfg.UserName)
	assert.Equal(t, "on-failure", cfg.Option["Restart"])
}

func TestServiceFlags(t *testing.T) {
	args := []string{RunFlag, "serve", "--config", "x"}
	assert.True(t, IsServiceMode(args))
	assert.False(t, IsServiceMode([]string{"serve"}))
	assert.Equal(t, []string{"serve", "--config", "x"}, StripServiceFlag(args))
}

func TestJournalctlArgs(t *testing.T) {
	assert.Equal(t, []string{"-u", "coldtier", "-n", "50", "--no-pager"}, journalctlArgs(LogOptions{ServiceName: "coldtier"}))
	assert.Equal(t, []string{"-u", "coldtier", "-n", "10", "--no-pager", "-f"},
		journalctlArgs(LogOptions{ServiceName: "coldtier", Lines: 10, Follow: true}))
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "unknown", StatusString(0))
}
