package service_test

import (
	"path/filepath"
	"slices"
	"testing"

	"github.com/CZERTAINLY/Keeper/internal/model"
	"github.com/CZERTAINLY/Keeper/internal/service"

	"github.com/stretchr/testify/require"
)

func TestCommandFromConfig(t *testing.T) {
	t.Setenv("KEEPER_TEST_HOME", "/home/keeper")

	cfg := model.DefaultConfig()
	cfg.Artifacts.Dir = "/var/cache/keeper/redis"
	cfg.Redis.Env = map[string]string{
		"home":    "$KEEPER_TEST_HOME",
		"godebug": "x509negativeserial=1",
		"literal": "a$b",
	}

	cmd := service.CommandFromConfig(cfg)
	require.Equal(t, filepath.Join(cfg.Artifacts.Dir, model.DefaultExecutable), cmd.Path)
	require.Equal(t, []string{filepath.Join(cfg.Artifacts.Dir, model.DefaultRedisConfig)}, cmd.Args)
	require.Equal(t, cfg.Artifacts.Dir, cmd.Dir)

	require.Contains(t, cmd.Env, "LD_LIBRARY_PATH=/var/cache/keeper/redis")
	require.Contains(t, cmd.Env, "HOME=/home/keeper")
	require.Contains(t, cmd.Env, "GODEBUG=x509negativeserial=1")
	require.Contains(t, cmd.Env, "LITERAL=a$b")
	require.Contains(t, cmd.Env, "KEEPER_TEST_HOME=/home/keeper", "parent environment is inherited")

	// extra variables come after the inherited ones, so they win
	godebug := slices.Index(cmd.Env, "GODEBUG=x509negativeserial=1")
	home := slices.Index(cmd.Env, "HOME=/home/keeper")
	lib := slices.Index(cmd.Env, "LD_LIBRARY_PATH=/var/cache/keeper/redis")
	require.Less(t, lib, godebug)
	require.Less(t, godebug, home)
}
