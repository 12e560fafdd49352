package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/keys"
)

// Request is one invocation of the external application. Code identifies
// the operation and comes back unchanged in the response.
type Request struct {
	SessionID string         `json:"session"`
	App       string         `json:"app"`
	Action    string         `json:"action"`
	Code      int            `json:"code"`
	Fields    map[string]any `json:"fields,omitempty"`
	// Names of the fields holding secrets such as a passphrase
	Secrets []string `json:"-"`
}

// withoutSecrets returns a copy of the request with the secret fields left
// out, and whether anything was removed.
func (r *Request) withoutSecrets() (*Request, bool) {
	if len(r.Secrets) == 0 {
		return r, false
	}
	c := *r
	c.Secrets = nil
	c.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		c.Fields[k] = v
	}
	removed := false
	for _, name := range r.Secrets {
		if _, ok := c.Fields[name]; ok {
			delete(c.Fields, name)
			removed = true
		}
	}
	return &c, removed
}

type Response struct {
	SessionID string         `json:"session"`
	Code      int            `json:"code"`
	OK        bool           `json:"ok"`
	Error     string         `json:"error,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func DecodeResponse(data []byte) (*Response, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var resp Response
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("bridge: garbled response: %w", err)
	}
	if resp.SessionID == "" || resp.Code == 0 {
		return nil, fmt.Errorf("bridge: response without session or code")
	}
	return &resp, nil
}

func (r *Response) Has(key string) bool {
	if key == "" {
		return false
	}
	_, ok := r.Fields[key]
	return ok
}

func (r *Response) String(key string) string {
	if key == "" {
		return ""
	}
	switch v := r.Fields[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func (r *Response) Bool(key string) bool {
	if key == "" {
		return false
	}
	switch v := r.Fields[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case json.Number:
		return v.String() != "0"
	}
	return false
}

// KeyID accepts hex strings, as sent by this side, and plain numbers.
func (r *Response) KeyID(key string) uint64 {
	if key == "" {
		return 0
	}
	return parseKeyID(r.Fields[key])
}

func (r *Response) KeyIDs(key string) []uint64 {
	if key == "" {
		return nil
	}
	var ids []uint64
	switch v := r.Fields[key].(type) {
	case []any:
		for _, item := range v {
			if id := parseKeyID(item); id != 0 {
				ids = append(ids, id)
			}
		}
	case string:
		for _, s := range strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ' '
		}) {
			if id := parseKeyID(s); id != 0 {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func parseKeyID(v any) uint64 {
	switch v := v.(type) {
	case string:
		id, err := keys.ParseKeyID(v)
		if err != nil {
			return 0
		}
		return id
	case json.Number:
		id, err := strconv.ParseUint(v.String(), 10, 64)
		if err != nil {
			i, err := strconv.ParseInt(v.String(), 10, 64)
			if err != nil {
				return 0
			}
			// java longs come signed
			return uint64(i)
		}
		return id
	}
	return 0
}

func formatKeyIDs(ids []uint64) []string {
	s := make([]string, 0, len(ids))
	for _, id := range ids {
		s = append(s, keys.FormatKeyID(id))
	}
	return s
}
