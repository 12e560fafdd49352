package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
	"git.sr.ht/~rjarry/mailcrypt/lib/log"
)

func TestParse_defaults(t *testing.T) {
	config, err := parse(nil)
	require.Nil(t, err)
	assert.Equal(t, "keyring", config.General.PgpProvider)
	assert.Equal(t, log.INFO, config.General.LogLevel)
	assert.Equal(t, "mime", config.General.Precedence)
	assert.Equal(t, 24*time.Hour, config.General.TempMaxAge)
	assert.Same(t, &config.Keyring, config.Provider())
	assert.Equal(t, bridge.Versions{Min: 22, Attachments: 29, PGPMIMEReceive: 30, PGPMIMESend: 38},
		config.Keyring.Versions())
	assert.Equal(t, bridge.Versions{Min: 16}, config.Apg.Versions())
	assert.Equal(t, "exec", config.Apg.Transport)
	assert.Equal(t, "mailcrypt-apg", config.Apg.Command)
}

func TestParse(t *testing.T) {
	t.Setenv("HOME", "/home/user")
	config, err := parse([]byte(`
[general]
pgp-provider = apg
log-level = debug
temp-dir = ~/tmp/mailcrypt
passphrase-timeout = 30s
request-timeout = 2m
precedence = inline
auto-inline = true

[apg]
transport = spool
spool-dir = ~/spool
keys = ~/keys.asc
pgp-mime-receive-version = 20

[keyring]
command = keyring-bridge --profile "work mail"
workers = 4
`))
	require.Nil(t, err)
	gen := config.General
	assert.Equal(t, "apg", gen.PgpProvider)
	assert.Equal(t, log.DEBUG, gen.LogLevel)
	assert.Equal(t, "/home/user/tmp/mailcrypt", gen.TempDir)
	assert.Equal(t, 30*time.Second, gen.PassphraseTimeout)
	assert.Equal(t, 2*time.Minute, gen.RequestTimeout)
	assert.Equal(t, "inline", gen.Precedence)
	assert.True(t, gen.AutoInline)

	assert.Same(t, &config.Apg, config.Provider())
	assert.Equal(t, "spool", config.Apg.Transport)
	assert.Equal(t, "/home/user/spool", config.Apg.SpoolDir)
	assert.Equal(t, "/home/user/keys.asc", config.Apg.Keys)
	assert.Equal(t, bridge.Versions{Min: 16, PGPMIMEReceive: 20}, config.Apg.Versions())

	assert.Equal(t, `keyring-bridge --profile "work mail"`, config.Keyring.Command)
	assert.Equal(t, 4, config.Keyring.Workers)
	assert.Equal(t, 22, config.Keyring.MinVersion)
}

func TestParse_zero(t *testing.T) {
	config, err := parse([]byte(`
[general]
passphrase-timeout = 0
temp-max-age = 0s
request-timeout = 0

[apg]
keys =
`))
	require.Nil(t, err)
	assert.Equal(t, time.Duration(0), config.General.PassphraseTimeout)
	assert.Equal(t, time.Duration(0), config.General.TempMaxAge)
	assert.Equal(t, time.Duration(0), config.General.RequestTimeout)
	assert.Equal(t, "", config.Apg.Keys)
	assert.Equal(t, "mailcrypt-apg", config.Apg.Command)
}

func TestParse_errors(t *testing.T) {
	vectors := map[string]string{
		"provider":   "[general]\npgp-provider = gpg\n",
		"level":      "[general]\nlog-level = loud\n",
		"precedence": "[general]\nprecedence = both\n",
		"duration":   "[general]\nrequest-timeout = -1s\n",
		"transport":  "[apg]\ntransport = carrier-pigeon\n",
		"command":    "[keyring]\ncommand = bridge 'unterminated\n",
		"empty":      "[keyring]\ncommand =\n",
		"garbled":    "[general]\ntemp-max-age = soon\n",
		"no-temp":    "[general]\ntemp-dir =\n",
		"workers":    "[keyring]\nworkers = 0\n",
		"version":    "[apg]\nmin-version = -3\n",
	}
	for name, data := range vectors {
		t.Run(name, func(t *testing.T) {
			_, err := parse([]byte(data))
			assert.NotNil(t, err)
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	// the default file may be missing
	config, err := LoadConfigFromFile("")
	require.Nil(t, err)
	assert.Equal(t, "keyring", config.General.PgpProvider)

	// an explicit one may not
	_, err = LoadConfigFromFile(filepath.Join(dir, "nope.conf"))
	assert.NotNil(t, err)

	require.Nil(t, os.MkdirAll(filepath.Join(dir, "mailcrypt"), 0o700))
	require.Nil(t, os.WriteFile(DefaultPath(), []byte("[general]\npgp-provider = apg\n"), 0o600))
	config, err = LoadConfigFromFile("")
	require.Nil(t, err)
	assert.Equal(t, "apg", config.General.PgpProvider)

	require.Nil(t, os.WriteFile(DefaultPath(), []byte("[general]\npgp-provider = x\n"), 0o600))
	_, err = LoadConfigFromFile("")
	assert.ErrorContains(t, err, "mailcrypt.conf")
}

func TestNewTransport(t *testing.T) {
	p, err := defaultProviderConfig("keyring")
	require.Nil(t, err)
	p.Transport = "spool"
	p.SpoolDir = t.TempDir()
	tr, err := p.NewTransport()
	require.Nil(t, err)
	assert.IsType(t, &bridge.SpoolTransport{}, tr)
	assert.Nil(t, tr.Close())

	p.Transport = "exec"
	tr, err = p.NewTransport()
	require.Nil(t, err)
	assert.IsType(t, &bridge.ExecTransport{}, tr)
	assert.Nil(t, tr.Close())

	_, err = defaultProviderConfig("gpg")
	assert.NotNil(t, err)
}
