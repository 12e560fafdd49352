package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-ini/ini"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"git.sr.ht/~rjarry/mailcrypt/lib/xdg"
)

type Config struct {
	General GeneralConfig
	Apg     ProviderConfig
	Keyring ProviderConfig
}

func defaultConfig() (*Config, error) {
	config := &Config{General: defaultGeneralConfig()}
	var err error
	if config.Apg, err = defaultProviderConfig("apg"); err != nil {
		return nil, err
	}
	if config.Keyring, err = defaultProviderConfig("keyring"); err != nil {
		return nil, err
	}
	return config, nil
}

// Provider returns the settings of the configured pgp provider.
func (c *Config) Provider() *ProviderConfig {
	if c.General.PgpProvider == "keyring" {
		return &c.Keyring
	}
	return &c.Apg
}

// DefaultPath is $XDG_CONFIG_HOME/mailcrypt/mailcrypt.conf.
func DefaultPath() string {
	return xdg.ConfigPath("mailcrypt.conf")
}

// LoadConfigFromFile reads the configuration. An empty path means the
// default location, which may be missing. An explicit path must exist.
func LoadConfigFromFile(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	path = xdg.ExpandHome(path)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		log.Debugf("%s not found, using defaults", path)
		data = nil
	case err != nil:
		return nil, err
	}
	config, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

func parse(data []byte) (*Config, error) {
	config, err := defaultConfig()
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	file, err := ini.LoadSources(ini.LoadOptions{
		KeyValueDelimiters: "=",
	}, data)
	if err != nil {
		return nil, err
	}
	if err := config.parseGeneral(file); err != nil {
		return nil, err
	}
	if err := config.Apg.parse(file); err != nil {
		return nil, err
	}
	if err := config.Keyring.parse(file); err != nil {
		return nil, err
	}
	return config, nil
}

// MapTo leaves a field alone when its key is empty, and when a duration
// is zero, negative or malformed. The keys present in the section are read
// again so that these values are honoured or rejected.

func readStrings(sec *ini.Section, fields map[string]*string) {
	for name, field := range fields {
		if key, err := sec.GetKey(name); err == nil {
			*field = key.String()
		}
	}
}

func readDurations(sec *ini.Section, fields map[string]*time.Duration) error {
	for name, field := range fields {
		key, err := sec.GetKey(name)
		if err != nil {
			continue
		}
		d, err := key.Duration()
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
		*field = d
	}
	return nil
}
