package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/google/shlex"
	"github.com/pkg/errors"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
)

var execLog = log.NewLogger("bridge-exec", 2)

// ExecTransport runs one process per request. The request is written as
// JSON on stdin and the response is read from stdout:
//
//	<command> probe <app>   prints the application version
//	<command> send          handles one request
type ExecTransport struct {
	args      []string
	pool      *workerpool.WorkerPool
	responses chan *Response
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	closed    bool
}

func NewExecTransport(command string, workers int) (*ExecTransport, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, errors.Wrap(err, "shlex.Split")
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("no bridge command specified")
	}
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ExecTransport{
		args:      args,
		pool:      workerpool.New(workers),
		responses: make(chan *Response, 16),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// process is a bridge command with buffers attached to stdout and stderr
type process struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func (t *ExecTransport) newProcess(ctx context.Context, stdin []byte, args ...string) *process {
	p := new(process)
	argv := append(append([]string{}, t.args[1:]...), args...)
	p.cmd = exec.CommandContext(ctx, t.args[0], argv...)
	if stdin != nil {
		p.cmd.Stdin = bytes.NewReader(stdin)
	}
	p.cmd.Stdout = &p.stdout
	p.cmd.Stderr = &p.stderr
	return p
}

func (p *process) error(err error) error {
	msg := strings.TrimSpace(p.stderr.String())
	if msg == "" {
		return err
	}
	return fmt.Errorf("%w: %s", err, msg)
}

func (t *ExecTransport) Probe(ctx context.Context, app string) (int, error) {
	p := t.newProcess(ctx, nil, "probe", app)
	if err := p.cmd.Run(); err != nil {
		return 0, p.error(err)
	}
	version, err := strconv.Atoi(strings.TrimSpace(p.stdout.String()))
	if err != nil {
		return 0, errors.Wrap(err, "probe version")
	}
	return version, nil
}

func (t *ExecTransport) Send(ctx context.Context, req *Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "json.Marshal")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.pool.Submit(func() {
		resp := t.run(req, payload)
		select {
		case t.responses <- resp:
		case <-t.ctx.Done():
			execLog.Debugf("dropping response %s/%d", resp.SessionID, resp.Code)
		}
	})
	return nil
}

// run never fails: a crash or garbled output becomes a failure response
func (t *ExecTransport) run(req *Request, payload []byte) *Response {
	failed := func(err error) *Response {
		execLog.Warnf("%s %s: %v", req.SessionID, req.Action, err)
		return &Response{
			SessionID: req.SessionID,
			Code:      req.Code,
			Error:     err.Error(),
		}
	}
	p := t.newProcess(t.ctx, payload, "send")
	if err := p.cmd.Run(); err != nil {
		return failed(p.error(err))
	}
	resp, err := DecodeResponse(p.stdout.Bytes())
	if err != nil {
		return failed(err)
	}
	if resp.SessionID != req.SessionID || resp.Code != req.Code {
		return failed(fmt.Errorf("response %s/%d does not match request",
			resp.SessionID, resp.Code))
	}
	return resp
}

func (t *ExecTransport) Responses() <-chan *Response {
	return t.responses
}

func (t *ExecTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()
	t.pool.StopWait()
	close(t.responses)
	return nil
}
