// Package pinentry asks for passphrases with a pinentry program, speaking
// the assuan protocol on its standard streams.
package pinentry

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/google/shlex"
	"github.com/pkg/errors"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
	"git.sr.ht/~rjarry/mailcrypt/lib/log"
)

var ErrCancelled = errors.New("pinentry: cancelled")

type Pinentry struct {
	args []string
}

func New(command string) (*Pinentry, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, errors.Wrap(err, "shlex.Split")
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("no pinentry command specified")
	}
	return &Pinentry{args: args}, nil
}

// Prompt runs the program in the background and calls done with the
// answer.
func (p *Pinentry) Prompt(req bridge.PassphraseRequest, done func([]byte, bool)) {
	go func() {
		defer log.PanicHandler()
		pin, err := p.GetPin(req)
		if err != nil {
			if !errors.Is(err, ErrCancelled) {
				log.Errorf("pinentry: %v", err)
			}
			done(nil, false)
			return
		}
		done(pin, true)
	}()
}

func description(req bridge.PassphraseRequest) string {
	desc := fmt.Sprintf("Passphrase for %s key %016X", req.Op, req.KeyID)
	if req.UserID != "" {
		desc += "\n" + req.UserID
	}
	return desc
}

// GetPin asks for one passphrase and waits for the answer.
func (p *Pinentry) GetPin(req bridge.PassphraseRequest) ([]byte, error) {
	cmd := exec.Command(p.args[0], p.args[1:]...)
	setCmdEnv(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "StdinPipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "StdoutPipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "cmd.Start")
	}
	s := &session{w: stdin, r: bufio.NewReader(stdout)}
	pin, err := s.run(req)
	stdin.Close()
	// drain so the program can exit
	_, _ = io.Copy(io.Discard, stdout)
	if werr := cmd.Wait(); werr != nil && err == nil {
		log.Debugf("pinentry: %v", werr)
	}
	return pin, err
}

type session struct {
	w io.Writer
	r *bufio.Reader
}

func (s *session) run(req bridge.PassphraseRequest) ([]byte, error) {
	if _, err := s.response(); err != nil {
		return nil, err
	}
	commands := []string{
		"SETTITLE mailcrypt",
		"SETPROMPT Passphrase:",
		"SETDESC " + escape(description(req)),
	}
	if req.Attempt > 1 {
		commands = append(commands, fmt.Sprintf("SETERROR Bad passphrase (try %d)", req.Attempt))
	}
	for _, c := range commands {
		if _, err := s.command(c); err != nil {
			return nil, err
		}
	}
	data, err := s.command("GETPIN")
	if err != nil {
		return nil, err
	}
	_, _ = s.command("BYE")
	return data, nil
}

func (s *session) command(line string) ([]byte, error) {
	if _, err := fmt.Fprintf(s.w, "%s\n", line); err != nil {
		return nil, errors.Wrap(err, "write")
	}
	return s.response()
}

// response reads lines until OK or ERR. Data lines are accumulated.
func (s *session) response() ([]byte, error) {
	var data []byte
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "read")
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "OK" || strings.HasPrefix(line, "OK "):
			return data, nil
		case strings.HasPrefix(line, "D "):
			data = append(data, unescape(line[2:])...)
		case strings.HasPrefix(line, "ERR "):
			// GPG_ERR_CANCELED and GPG_ERR_NO_PIN_ENTRY
			if strings.Contains(line, "83886179") || strings.Contains(line, "83886181") {
				return nil, ErrCancelled
			}
			return nil, fmt.Errorf("pinentry: %s", strings.TrimPrefix(line, "ERR "))
		case strings.HasPrefix(line, "#"), strings.HasPrefix(line, "S "):
		default:
			log.Tracef("pinentry: unexpected line %q", line)
		}
	}
}

func escape(s string) string {
	r := strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A")
	return r.Replace(s)
}

func unescape(s string) []byte {
	var out []byte
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			out = append(out, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
			continue
		}
		out = append(out, s[i])
	}
	return out
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	}
	return c - 'A' + 10
}

// ensure the environment tells pinentry which terminal to use
func setCmdEnv(cmd *exec.Cmd) {
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	hasTerm := false
	hasGPGTTY := false
	for _, e := range env {
		switch {
		case strings.HasPrefix(strings.ToUpper(e), "TERM="):
			hasTerm = true
		case strings.HasPrefix(strings.ToUpper(e), "GPG_TTY="):
			hasGPGTTY = true
		}
	}
	if !hasTerm {
		env = append(env, "TERM=xterm-256color")
		log.Debugf("pinentry: set TERM=xterm-256color")
	}
	if !hasGPGTTY {
		if tty := ttyname(); tty != "" {
			env = append(env, "GPG_TTY="+tty)
			log.Debugf("pinentry: set GPG_TTY=%s", tty)
		}
	}
	cmd.Env = env
}
