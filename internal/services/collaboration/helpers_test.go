package collaboration

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)

// fakeConn records every message sent to it and can be told to fail.
type fakeConn struct {
	mu   sync.Mutex
	msgs [][]byte
	fail bool
}

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	return nil
}

func (c *fakeConn) setFail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

// ofType returns every recorded message whose type field equals msgType.
func (c *fakeConn) ofType(msgType string) []gjson.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []gjson.Result
	for _, m := range c.msgs {
		if r := gjson.ParseBytes(m); r.Get("type").String() == msgType {
			out = append(out, r)
		}
	}
	return out
}

func (c *fakeConn) last(msgType string) gjson.Result {
	msgs := c.ofType(msgType)
	if len(msgs) == 0 {
		return gjson.Result{}
	}
	return msgs[len(msgs)-1]
}

func newTestSession(t *testing.T, opts SessionOptions) *Session {
	t.Helper()
	s := NewSession("s1", "test", opts)
	t.Cleanup(s.Stop)
	return s
}
