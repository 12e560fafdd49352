package pinentry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
)

const script = `
echo "OK Pleased to meet you"
while read -r cmd rest; do
	echo "$cmd $rest" >> "$LOG"
	case "$cmd" in
	GETPIN) echo "# comment"; echo "D $PIN"; echo OK ;;
	BYE) echo "OK closing connection"; exit 0 ;;
	*) echo OK ;;
	esac
done
`

func fakePinentry(t *testing.T, pin string) (*Pinentry, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pinentry")
	require.Nil(t, os.WriteFile(path, []byte(script), 0o700))
	log := filepath.Join(dir, "log")
	t.Setenv("LOG", log)
	t.Setenv("PIN", pin)
	t.Setenv("GPG_TTY", "/dev/pts/42")
	p, err := New("/bin/sh " + path)
	require.Nil(t, err)
	return p, log
}

func TestGetPin(t *testing.T) {
	p, log := fakePinentry(t, "pass%25word%0Ax")
	pin, err := p.GetPin(bridge.PassphraseRequest{
		Op: bridge.Decrypt, KeyID: 0x307215C13DF7A964,
		UserID: "John Doe <john.doe@example.org>", Attempt: 2,
	})
	require.Nil(t, err)
	assert.Equal(t, "pass%word\nx", string(pin))

	data, err := os.ReadFile(log)
	require.Nil(t, err)
	assert.Contains(t, string(data),
		"SETDESC Passphrase for decrypt key 307215C13DF7A964%0AJohn Doe <john.doe@example.org>\n")
	assert.Contains(t, string(data), "SETERROR Bad passphrase (try 2)\n")
	assert.Contains(t, string(data), "GETPIN \nBYE \n")
}

func TestPrompt_cancelled(t *testing.T) {
	p, _ := fakePinentry(t, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "cancel")
	require.Nil(t, os.WriteFile(path, []byte(`
echo OK
while read -r cmd rest; do
	case "$cmd" in
	GETPIN) echo "ERR 83886179 Operation cancelled <Pinentry>" ;;
	*) echo OK ;;
	esac
done
`), 0o700))
	p.args = []string{"/bin/sh", path}

	_, err := p.GetPin(bridge.PassphraseRequest{Op: bridge.Sign})
	assert.ErrorIs(t, err, ErrCancelled)

	type answer struct {
		pin []byte
		ok  bool
	}
	answers := make(chan answer, 1)
	p.Prompt(bridge.PassphraseRequest{Op: bridge.Sign}, func(pin []byte, ok bool) {
		answers <- answer{pin, ok}
	})
	a := <-answers
	assert.False(t, a.ok)
	assert.Nil(t, a.pin)
}

func TestPrompt(t *testing.T) {
	p, _ := fakePinentry(t, "hunter2")
	answers := make(chan []byte, 1)
	p.Prompt(bridge.PassphraseRequest{Op: bridge.Decrypt}, func(pin []byte, ok bool) {
		assert.True(t, ok)
		answers <- pin
	})
	assert.Equal(t, "hunter2", string(<-answers))
}

func TestNew(t *testing.T) {
	_, err := New("")
	assert.NotNil(t, err)
	_, err = New("pinentry 'broken")
	assert.NotNil(t, err)
	p, err := New("pinentry-curses --ttyname /dev/tty")
	require.Nil(t, err)
	assert.Equal(t, []string{"pinentry-curses", "--ttyname", "/dev/tty"}, p.args)
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "100%25%0Adone", escape("100%\ndone"))
	assert.Equal(t, "a%zz%4", string(unescape("a%zz%4")))
	assert.Equal(t, "%", string(unescape("%25")))
}
