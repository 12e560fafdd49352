package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse([]byte(`{
		"session": "s1",
		"code": 40961,
		"ok": true,
		"fields": {
			"hex": "0x307215C13DF7A964",
			"num": 12345,
			"neg": -1,
			"ids": [1, "0000000000000002"],
			"list": "0000000000000003,0000000000000004",
			"flag": "true",
			"text": "hi"
		}
	}`))
	require.Nil(t, err)
	assert.Equal(t, 0xA001, resp.Code)
	assert.Equal(t, uint64(0x307215C13DF7A964), resp.KeyID("hex"))
	assert.Equal(t, uint64(12345), resp.KeyID("num"))
	assert.Equal(t, ^uint64(0), resp.KeyID("neg"))
	assert.Equal(t, []uint64{1, 2}, resp.KeyIDs("ids"))
	assert.Equal(t, []uint64{3, 4}, resp.KeyIDs("list"))
	assert.True(t, resp.Bool("flag"))
	assert.False(t, resp.Bool("missing"))
	assert.Equal(t, "hi", resp.String("text"))
	assert.Equal(t, "12345", resp.String("num"))
	assert.Equal(t, "", resp.String(""))
	assert.True(t, resp.Has("text"))
	assert.False(t, resp.Has(""))

	_, err = DecodeResponse([]byte(`{"session": "s1", "code": 3`))
	assert.NotNil(t, err)
	_, err = DecodeResponse([]byte(`{"ok": true}`))
	assert.NotNil(t, err)
}

func TestPassphraseCache(t *testing.T) {
	now := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	c := NewPassphraseCache(5 * time.Minute)
	c.SetClock(func() time.Time { return now })

	secret := []byte("hunter2")
	c.Put(1, secret)
	secret[0] = 'X'
	got, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, []byte("hunter2"), got)

	now = now.Add(5 * time.Minute)
	_, ok = c.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	c.Put(1, []byte("a"))
	c.Put(2, []byte("b"))
	c.Forget(1)
	assert.Equal(t, 1, c.Len())
	c.Purge()
	assert.Equal(t, 0, c.Len())

	disabled := NewPassphraseCache(0)
	disabled.Put(1, []byte("a"))
	_, ok = disabled.Get(1)
	assert.False(t, ok)
}

func receive(t *testing.T, tr Transport) *Response {
	t.Helper()
	select {
	case resp := <-tr.Responses():
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
		return nil
	}
}

func TestSpoolTransport(t *testing.T) {
	dir := t.TempDir()
	incoming := filepath.Join(dir, "incoming")
	require.Nil(t, os.MkdirAll(incoming, 0o700))
	// left over from a previous run
	require.Nil(t, os.WriteFile(filepath.Join(incoming, "s0-1.json"),
		[]byte(`{"session":"s0","code":1,"ok":true}`), 0o600))

	tr, err := NewSpoolTransport(dir)
	require.Nil(t, err)
	defer tr.Close()

	resp := receive(t, tr)
	assert.Equal(t, "s0", resp.SessionID)
	assert.NoFileExists(t, filepath.Join(incoming, "s0-1.json"))

	_, err = tr.Probe(context.Background(), "com.imaeses.keyring")
	assert.NotNil(t, err)
	require.Nil(t, os.WriteFile(filepath.Join(dir, "apps", "com.imaeses.keyring"),
		[]byte("38\n"), 0o600))
	version, err := tr.Probe(context.Background(), "com.imaeses.keyring")
	require.Nil(t, err)
	assert.Equal(t, 38, version)
	_, err = tr.Probe(context.Background(), "../etc")
	assert.NotNil(t, err)

	req := &Request{SessionID: "s1", App: "app", Action: "DECRYPT", Code: 5}
	require.Nil(t, tr.Send(context.Background(), req))
	data, err := os.ReadFile(filepath.Join(dir, "outgoing", "s1-5.json"))
	require.Nil(t, err)
	var sent Request
	require.Nil(t, json.Unmarshal(data, &sent))
	assert.Equal(t, *req, sent)

	secret := &Request{
		SessionID: "s2",
		App:       "app",
		Action:    "DECRYPT",
		Code:      5,
		Fields:    map[string]any{"msg": "x", "passphrase": "hunter2"},
		Secrets:   []string{"passphrase"},
	}
	require.Nil(t, tr.Send(context.Background(), secret))
	data, err = os.ReadFile(filepath.Join(dir, "outgoing", "s2-5.json"))
	require.Nil(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Contains(t, string(data), `"msg":"x"`)
	assert.Equal(t, "hunter2", secret.Fields["passphrase"])

	tmp := filepath.Join(dir, ".s1-5.json")
	require.Nil(t, os.WriteFile(tmp,
		[]byte(`{"session":"s1","code":5,"ok":false,"error":"denied"}`), 0o600))
	require.Nil(t, os.Rename(tmp, filepath.Join(incoming, "s1-5.json")))
	resp = receive(t, tr)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "denied", resp.Error)
	assert.NoFileExists(t, filepath.Join(dir, "outgoing", "s1-5.json"))
	assert.FileExists(t, filepath.Join(dir, "outgoing", "s2-5.json"))

	require.Nil(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), req), ErrClosed)
}

func TestExecTransport(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "bridge.sh")
	require.Nil(t, os.WriteFile(script, []byte(`
case "$1" in
probe)
	test "$2" = "com.imaeses.keyring" || { echo "$2: not installed" >&2; exit 1; }
	echo 30
	;;
send)
	req=$(cat)
	case "$req" in
	*'"code":5'*) printf '{"session":"s1","code":5,"ok":true,"fields":{"msg":"plain"}}' ;;
	*'"code":6'*) printf 'garbage' ;;
	*) echo "unknown request" >&2; exit 2 ;;
	esac
	;;
esac
`), 0o600))

	_, err := NewExecTransport("", 1)
	assert.NotNil(t, err)
	tr, err := NewExecTransport("sh '"+script+"'", 2)
	require.Nil(t, err)
	defer tr.Close()

	version, err := tr.Probe(context.Background(), "com.imaeses.keyring")
	require.Nil(t, err)
	assert.Equal(t, 30, version)
	_, err = tr.Probe(context.Background(), "com.imaeses.keyring.trial")
	assert.ErrorContains(t, err, "not installed")

	require.Nil(t, tr.Send(context.Background(),
		&Request{SessionID: "s1", Code: 5, Fields: map[string]any{"msg": "x"}}))
	resp := receive(t, tr)
	assert.True(t, resp.OK)
	assert.Equal(t, "plain", resp.String("msg"))

	require.Nil(t, tr.Send(context.Background(), &Request{SessionID: "s1", Code: 6}))
	resp = receive(t, tr)
	assert.False(t, resp.OK)
	assert.Equal(t, 6, resp.Code)
	assert.Contains(t, resp.Error, "garbled")

	require.Nil(t, tr.Send(context.Background(), &Request{SessionID: "s2", Code: 7}))
	resp = receive(t, tr)
	assert.False(t, resp.OK)
	assert.Equal(t, "s2", resp.SessionID)
	assert.Contains(t, resp.Error, "unknown request")

	require.Nil(t, tr.Close())
	assert.ErrorIs(t, tr.Send(context.Background(), &Request{SessionID: "s1", Code: 5}),
		ErrClosed)
}
