package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"courier/internal/domain"
)

const (
	writeTimeout = 10 * time.Second
	closeTimeout = 2 * time.Second
)

// PushFrame is the wire frame delivered over a push connection.
type PushFrame struct {
	From     string          `json:"from"`
	To       string          `json:"to"`
	Envelope domain.Envelope `json:"envelope"`
}

// conn is one live push connection. Writes are serialized through mu because
// submit-time delivery and connect-time replay can race on the same socket.
type conn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(frame PushFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(frame)
}

// supersede sends a policy-violation close frame with reason "superseded" and
// tears the socket down. Best effort: the peer may already be gone.
func (c *conn) supersede() {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "superseded")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeTimeout))
	_ = c.ws.Close()
}

// connTable maps identity id to its single live connection.
type connTable struct {
	mu    sync.Mutex
	conns map[string]*conn
}

func newConnTable() *connTable {
	return &connTable{conns: make(map[string]*conn)}
}

// replace installs c as the live connection for its id, closing any previous
// connection before c becomes visible. Both steps happen under the table lock
// so two connections for one id are never live at once.
func (t *connTable) replace(c *conn) (superseded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.conns[c.id]; ok {
		old.supersede()
		superseded = true
	}
	t.conns[c.id] = c
	return superseded
}

// remove drops c from the table if it is still the live connection for its
// id. A connection superseded by a newer one leaves the newer entry alone.
func (t *connTable) remove(c *conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[c.id] == c {
		delete(t.conns, c.id)
	}
}

func (t *connTable) get(id string) *conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[id]
}

func (t *connTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

func (t *connTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.conns {
		c.mu.Lock()
		_ = c.ws.Close()
		c.mu.Unlock()
		delete(t.conns, id)
	}
}
