package service

import (
	"os"
	"sort"
	"strings"

	"github.com/CZERTAINLY/Keeper/internal/model"
)

// LibraryPathEnv points the dynamic loader at the shared libraries shipped
// next to the binary.
const LibraryPathEnv = "LD_LIBRARY_PATH"

// CommandFromConfig builds the redis-server invocation: the binary and its
// configuration file both live in the artifact directory, which is also the
// working directory and the library search path. Extra environment from the
// config is upper-cased (viper lower-cases keys) and values starting with $
// are expanded.
func CommandFromConfig(cfg model.Config) Command {
	dir := cfg.Artifacts.Dir

	keys := make([]string, 0, len(cfg.Redis.Env))
	for k := range cfg.Redis.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	env = append(env, LibraryPathEnv+"="+dir)
	for _, k := range keys {
		v := cfg.Redis.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}

	return Command{
		Path: cfg.ExecutablePath(),
		Args: []string{cfg.ConfigPath()},
		Dir:  dir,
		Env:  env,
	}
}
