package pinentry

import (
	"fmt"
	"os"
	"strings"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
)

const missingGPGTTY = `pinentry cannot find the terminal. Set GPG_TTY before starting mailcrypt:

	GPG_TTY=$(tty)
	export GPG_TTY`

// ttyname returns $GPG_TTY or the terminal of stdin. An empty string is
// returned when neither is known.
func ttyname() string {
	if s := os.Getenv("GPG_TTY"); s != "" {
		return s
	}
	tty, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/0", os.Getpid()))
	if err != nil || !strings.HasPrefix(tty, "/dev/") {
		log.Debugf("readlink: '%s' with err: %v", tty, err)
		log.Warnf(missingGPGTTY)
		return ""
	}
	return strings.TrimSpace(tty)
}
