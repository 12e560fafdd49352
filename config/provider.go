package config

import (
	"fmt"

	"github.com/go-ini/ini"
	"github.com/google/shlex"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
	"git.sr.ht/~rjarry/mailcrypt/lib/xdg"
)

// ProviderConfig tells how to reach one external crypto application.
type ProviderConfig struct {
	Name string `ini:"-"`
	// exec or spool
	Transport string `ini:"transport"`
	Command   string `ini:"command"`
	SpoolDir  string `ini:"spool-dir"`
	Workers   int    `ini:"workers"`
	// Armored key export used to answer key lookups without a round trip
	Keys string `ini:"keys"`

	MinVersion            int `ini:"min-version"`
	AttachmentsVersion    int `ini:"attachments-version"`
	PGPMIMEReceiveVersion int `ini:"pgp-mime-receive-version"`
	PGPMIMESendVersion    int `ini:"pgp-mime-send-version"`
}

func defaultProviderConfig(name string) (ProviderConfig, error) {
	v, err := crypto.DefaultVersions(name)
	if err != nil {
		return ProviderConfig{}, err
	}
	return ProviderConfig{
		Name:                  name,
		Transport:             "exec",
		Command:               "mailcrypt-" + name,
		SpoolDir:              xdg.RuntimePath("spool", name),
		Workers:               2,
		MinVersion:            v.Min,
		AttachmentsVersion:    v.Attachments,
		PGPMIMEReceiveVersion: v.PGPMIMEReceive,
		PGPMIMESendVersion:    v.PGPMIMESend,
	}, nil
}

func (p *ProviderConfig) parse(file *ini.File) error {
	sec, err := file.GetSection(p.Name)
	if err != nil {
		return nil
	}
	if err := sec.MapTo(p); err != nil {
		return err
	}
	readStrings(sec, map[string]*string{
		"transport": &p.Transport,
		"command":   &p.Command,
		"spool-dir": &p.SpoolDir,
		"keys":      &p.Keys,
	})
	p.SpoolDir = xdg.ExpandHome(p.SpoolDir)
	p.Keys = xdg.ExpandHome(p.Keys)
	if err := p.validate(); err != nil {
		return fmt.Errorf("[%s]: %w", p.Name, err)
	}
	return nil
}

func (p *ProviderConfig) validate() error {
	switch p.Transport {
	case "exec":
		args, err := shlex.Split(p.Command)
		if err != nil {
			return fmt.Errorf("command: %w", err)
		}
		if len(args) == 0 {
			return fmt.Errorf("command must not be empty")
		}
	case "spool":
		if p.SpoolDir == "" {
			return fmt.Errorf("spool-dir must not be empty")
		}
	default:
		return fmt.Errorf("transport must be either exec or spool")
	}
	if p.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if p.MinVersion < 0 || p.AttachmentsVersion < 0 ||
		p.PGPMIMEReceiveVersion < 0 || p.PGPMIMESendVersion < 0 {
		return fmt.Errorf("versions must not be negative")
	}
	return nil
}

func (p *ProviderConfig) Versions() bridge.Versions {
	return bridge.Versions{
		Min:            p.MinVersion,
		Attachments:    p.AttachmentsVersion,
		PGPMIMEReceive: p.PGPMIMEReceiveVersion,
		PGPMIMESend:    p.PGPMIMESendVersion,
	}
}

// NewTransport opens the configured channel to the application.
func (p *ProviderConfig) NewTransport() (bridge.Transport, error) {
	if p.Transport == "spool" {
		return bridge.NewSpoolTransport(p.SpoolDir)
	}
	return bridge.NewExecTransport(p.Command, p.Workers)
}
