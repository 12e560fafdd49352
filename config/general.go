package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-ini/ini"
	"github.com/mattn/go-isatty"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"git.sr.ht/~rjarry/mailcrypt/lib/xdg"
)

type GeneralConfig struct {
	PgpProvider string       `ini:"pgp-provider"`
	LogFile     string       `ini:"log-file"`
	LogLevel    log.LogLevel `ini:"-"`
	TempDir     string       `ini:"temp-dir"`
	StateDir    string       `ini:"state-dir"`
	Pinentry    string       `ini:"pinentry"`

	// Leftover temp files and sessions older than this are removed on
	// startup, 0 keeps them
	TempMaxAge        time.Duration `ini:"temp-max-age"`
	PassphraseTimeout time.Duration `ini:"passphrase-timeout"`
	// Give up on a request the application did not answer in time, 0
	// waits forever
	RequestTimeout time.Duration `ini:"request-timeout"`

	Precedence string `ini:"precedence"`
	AutoInline bool   `ini:"auto-inline"`
}

func defaultGeneralConfig() GeneralConfig {
	return GeneralConfig{
		PgpProvider:       "keyring",
		LogLevel:          log.INFO,
		TempDir:           xdg.RuntimePath("tmp"),
		StateDir:          xdg.StatePath(),
		Pinentry:          "pinentry",
		TempMaxAge:        24 * time.Hour,
		PassphraseTimeout: 5 * time.Minute,
		Precedence:        "mime",
	}
}

func (config *Config) parseGeneral(file *ini.File) error {
	gen, err := file.GetSection("general")
	if err != nil {
		return nil
	}
	if err := gen.MapTo(&config.General); err != nil {
		return err
	}
	g := &config.General
	readStrings(gen, map[string]*string{
		"pgp-provider": &g.PgpProvider,
		"log-file":     &g.LogFile,
		"temp-dir":     &g.TempDir,
		"state-dir":    &g.StateDir,
		"pinentry":     &g.Pinentry,
		"precedence":   &g.Precedence,
	})
	err = readDurations(gen, map[string]*time.Duration{
		"temp-max-age":       &g.TempMaxAge,
		"passphrase-timeout": &g.PassphraseTimeout,
		"request-timeout":    &g.RequestTimeout,
	})
	if err != nil {
		return err
	}
	if level, err := gen.GetKey("log-level"); err == nil {
		l, err := log.ParseLevel(level.String())
		if err != nil {
			return err
		}
		config.General.LogLevel = l
	}
	config.General.TempDir = xdg.ExpandHome(config.General.TempDir)
	config.General.StateDir = xdg.ExpandHome(config.General.StateDir)
	if err := config.General.validate(); err != nil {
		return err
	}
	return nil
}

func (gen *GeneralConfig) validate() error {
	switch gen.PgpProvider {
	case "apg", "keyring":
	default:
		return fmt.Errorf("pgp-provider must be either apg or keyring")
	}
	switch gen.Precedence {
	case "mime", "inline":
	default:
		return fmt.Errorf("precedence must be either mime or inline")
	}
	if gen.TempDir == "" || gen.StateDir == "" {
		return fmt.Errorf("temp-dir and state-dir must not be empty")
	}
	if gen.Pinentry == "" {
		return fmt.Errorf("pinentry must not be empty")
	}
	if gen.TempMaxAge < 0 || gen.PassphraseTimeout < 0 || gen.RequestTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// InitLog opens the log output. When stdout is redirected, everything is
// logged there at debug level.
func (gen *GeneralConfig) InitLog(verbose bool) error {
	var logFile *os.File
	level := gen.LogLevel
	if verbose && level > log.DEBUG {
		level = log.DEBUG
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		logFile = os.Stdout
		level = log.DEBUG
	} else if gen.LogFile != "" {
		var err error
		logFile, err = os.OpenFile(xdg.ExpandHome(gen.LogFile),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("log-file: %w", err)
		}
	} else if verbose {
		logFile = os.Stderr
	}
	if logFile == nil {
		return log.Init(nil, level)
	}
	if err := log.Init(logFile, level); err != nil {
		return err
	}
	log.Debugf("mailcrypt.conf: [general] %#v", *gen)
	return nil
}
