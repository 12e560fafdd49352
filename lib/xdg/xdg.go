// Package xdg resolves the locations of the mailcrypt files according to
// the XDG base directory specification.
package xdg

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
)

const app = "mailcrypt"

// mocked in tests
var (
	currentUser = user.Current
	getuid      = os.Getuid
)

// HomeDir returns $HOME, falling back on the password database.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		u, e := currentUser()
		if e != nil {
			log.Errorf("HomeDir: %s (while handling %s)", e, err)
			return ""
		}
		home = u.HomeDir
	}
	return home
}

// ExpandHome replaces a leading ~ with the home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		return HomeDir() + strings.TrimPrefix(path, "~")
	}
	return path
}

func base(env, fallback string, paths []string) string {
	res := filepath.Join(paths...)
	if filepath.IsAbs(res) {
		return res
	}
	dir := os.Getenv(env)
	if dir == "" || !filepath.IsAbs(dir) {
		dir = ExpandHome(fallback)
	}
	return filepath.Join(dir, app, res)
}

// ConfigPath returns a path below $XDG_CONFIG_HOME/mailcrypt.
func ConfigPath(paths ...string) string {
	return base("XDG_CONFIG_HOME", "~/.config", paths)
}

// StatePath returns a path below $XDG_STATE_HOME/mailcrypt. Sessions are
// persisted there.
func StatePath(paths ...string) string {
	return base("XDG_STATE_HOME", "~/.local/state", paths)
}

// RuntimePath returns a path below $XDG_RUNTIME_DIR/mailcrypt. Without a
// runtime dir, a per user directory in the system temp dir is used.
func RuntimePath(paths ...string) string {
	res := filepath.Join(paths...)
	if filepath.IsAbs(res) {
		return res
	}
	run := os.Getenv("XDG_RUNTIME_DIR")
	if run == "" || !filepath.IsAbs(run) {
		return filepath.Join(os.TempDir(), app+"-"+strconv.Itoa(getuid()), res)
	}
	return filepath.Join(run, app, res)
}
