// Package transport implements the Connection abstraction mailcore hands to
// every protocol client (IMAP, SMTP): a small buffered read/write/poll
// surface over a raw TCP socket, a TLS session, or a subprocess tunnel, so
// the protocol layers above never see which of the three they are talking
// to.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mikioh/tcp"
	"github.com/mikioh/tcpinfo"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrClosed is returned by Read/Write/Poll against a Connection whose
// underlying fd has already been closed.
var ErrClosed = errors.New("transport: connection closed")

// Account identifies the remote endpoint a Connection dials: host/port plus
// the transport mode the caller wants (plain, implicit TLS, or a preconnect
// tunnel command).
type Account struct {
	Host string
	Port int

	// TunnelCmd, if non-empty, is run as a subprocess in place of dialing
	// Host:Port directly (see tunnel.go); Host/Port are then only used for
	// logging and trust-store lookups the tunnel's peer still needs (e.g.
	// STARTTLS against the tunnel's far end).
	TunnelCmd []string
}

func (a Account) String() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// backend is the pluggable half of a Connection: the thing that actually
// moves bytes. conn.go supplies the raw TCP backend; tunnel.go and tls.go
// supply the others.
type backend interface {
	open(ctx context.Context) error
	close() error
	read(buf []byte) (int, error)
	write(buf []byte) (int, error)
	// poll reports whether a read would block: >0 bytes ready, 0 on
	// timeout, -1 if this backend cannot be polled.
	poll(wait time.Duration) int
}

// Connection is the buffered, pollable byte stream every protocol client is
// built against. The zero value is not usable; construct one with Dial.
type Connection struct {
	Account Account

	mu      sync.Mutex
	be      backend
	open_   bool
	inbuf   []byte
	bufpos  int
	avail   int

	metrics *Metrics

	tcpInfo *tcpinfo.Info // populated lazily by Stats, raw-TCP backends only
}

const readBufSize = 32 * 1024

// Metrics are the Prometheus collectors shared across every Connection a
// process opens; pass the same *Metrics to every Dial to keep them under
// one registry.
type Metrics struct {
	ConnectsTotal   *prometheus.CounterVec
	BytesRead       prometheus.Counter
	BytesWritten    prometheus.Counter
	ConnectDuration prometheus.Histogram
}

// NewMetrics registers a fresh Metrics set with reg and returns it.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_transport_connects_total",
			Help: "Connection attempts by backend and outcome.",
		}, []string{"backend", "outcome"}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailcore_transport_bytes_read_total",
			Help: "Bytes read across all connections.",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailcore_transport_bytes_written_total",
			Help: "Bytes written across all connections.",
		}),
		ConnectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "mailcore_transport_connect_seconds",
			Help: "Time spent establishing a connection, including DNS.",
		}),
	}
	reg.MustRegister(m.ConnectsTotal, m.BytesRead, m.BytesWritten, m.ConnectDuration)
	return m
}

// DialRaw opens a plain TCP connection to account, trying every address its
// host resolves to (v4 and v6 both considered, mirroring a getaddrinfo scan
// of the full result list) until one accepts within ctx's deadline.
func DialRaw(ctx context.Context, account Account, metrics *Metrics) (*Connection, error) {
	start := time.Now()
	c := &Connection{Account: account, metrics: metrics, inbuf: make([]byte, readBufSize)}
	c.be = &rawBackend{account: account}
	if err := c.be.open(ctx); err != nil {
		c.observeConnect("raw", false, time.Since(start))
		return nil, err
	}
	c.open_ = true
	c.observeConnect("raw", true, time.Since(start))
	return c, nil
}

func (c *Connection) observeConnect(backendName string, ok bool, d time.Duration) {
	if c.metrics == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.metrics.ConnectsTotal.WithLabelValues(backendName, outcome).Inc()
	c.metrics.ConnectDuration.Observe(d.Seconds())
}

// wrap builds a Connection around an already-open backend, used by the TLS
// and tunnel constructors which do their own dialing/handshake before
// handing back something conn.go's buffered helpers can drive.
func wrap(account Account, be backend, metrics *Metrics) *Connection {
	return &Connection{
		Account: account,
		be:      be,
		open_:   true,
		inbuf:   make([]byte, readBufSize),
		metrics: metrics,
	}
}

// Close releases the underlying backend. Idempotent: closing an
// already-closed Connection is a no-op that returns nil, matching
// mutt_socket_close's defensive fd<0 check.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open_ {
		return nil
	}
	err := c.be.close()
	c.open_ = false
	c.bufpos, c.avail = 0, 0
	return err
}

// HasBufferedInput reports whether a Read would return already-buffered
// bytes without touching the backend. STARTTLS negotiation checks this
// before upgrading, since any buffered plaintext left over from before the
// handshake would otherwise be silently lost once TLS takes over the
// stream (a command-injection risk if an attacker pre-seeds the buffer).
func (c *Connection) HasBufferedInput() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufpos < c.avail
}

// ClearBufferedInput discards anything left in the read buffer.
func (c *Connection) ClearBufferedInput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bufpos, c.avail = 0, 0
}

// Poll reports whether a read would block: >0 means bytes are ready (either
// buffered already, or the backend says so), 0 means the wait elapsed with
// nothing ready, -1 means this backend does not support polling.
func (c *Connection) Poll(wait time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bufpos < c.avail {
		return c.avail - c.bufpos
	}
	if !c.open_ {
		return -1
	}
	return c.be.poll(wait)
}

// Read fills buf directly from the backend, bypassing the line buffer; most
// callers want ReadChar/ReadLine instead.
func (c *Connection) Read(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open_ {
		return 0, ErrClosed
	}
	n, err := c.be.read(buf)
	if c.metrics != nil && n > 0 {
		c.metrics.BytesRead.Add(float64(n))
	}
	return n, err
}

// Write sends all of buf, looping over short writes the way a raw
// blocking-socket write can produce.
func (c *Connection) Write(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open_ {
		return 0, ErrClosed
	}
	sent := 0
	for sent < len(buf) {
		n, err := c.be.write(buf[sent:])
		if n > 0 {
			sent += n
			if c.metrics != nil {
				c.metrics.BytesWritten.Add(float64(n))
			}
		}
		if err != nil {
			c.open_ = false
			return sent, err
		}
	}
	return sent, nil
}

// WriteString is Write for a string, the shape every protocol client
// actually calls with.
func (c *Connection) WriteString(s string) error {
	_, err := c.Write([]byte(s))
	return err
}

// ReadChar returns the next buffered byte, refilling from the backend when
// the buffer is exhausted.
func (c *Connection) ReadChar() (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bufpos >= c.avail {
		if !c.open_ {
			return 0, ErrClosed
		}
		n, err := c.be.read(c.inbuf)
		c.bufpos, c.avail = 0, n
		if c.metrics != nil && n > 0 {
			c.metrics.BytesRead.Add(float64(n))
		}
		if n <= 0 {
			c.open_ = false
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
	}
	b := c.inbuf[c.bufpos]
	c.bufpos++
	return b, nil
}

// ReadLine reads up to and including the next "\n", stripping a trailing
// "\r" and the newline itself, the same framing every line-oriented mail
// protocol (IMAP, SMTP, POP3) uses.
func (c *Connection) ReadLine() (string, error) {
	var line []byte
	for {
		b, err := c.ReadChar()
		if err != nil {
			return string(line), err
		}
		if b == '\n' {
			break
		}
		line = append(line, b)
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return string(line), nil
}

// WriteLine writes s followed by CRLF.
func (c *Connection) WriteLine(s string) error {
	return c.WriteString(s + "\r\n")
}

// Stats reports TCP-level diagnostics (RTT, retransmits) for connections
// whose backend exposes a raw *net.TCPConn; it returns nil for TLS-wrapped
// or tunnel backends, which have no socket of their own to inspect.
func (c *Connection) Stats() (*tcpinfo.Info, error) {
	c.mu.Lock()
	tc, ok := c.be.(interface{ rawTCPConn() *net.TCPConn })
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	conn := tc.rawTCPConn()
	if conn == nil {
		return nil, nil
	}
	tcpConn, err := tcp.NewConn(conn)
	if err != nil {
		return nil, err
	}
	var o tcpinfo.Info
	var b [256]byte
	if err := tcpConn.Option(o.Level(), o.Name(), b[:]); err != nil {
		return nil, err
	}
	return &o, nil
}

// rawBackend is the plain, unencrypted TCP backend, grounded on
// raw_socket_open/read/write/poll/close.
type rawBackend struct {
	account Account
	conn    *net.TCPConn

	// pending holds a byte poll() pulled off the socket to test
	// readability; the next read() call returns it before touching the
	// conn again, so polling never loses data the way wrapping conn in a
	// throwaway bufio.Reader would.
	pending    byte
	hasPending bool
}

func (b *rawBackend) open(ctx context.Context) error {
	dialer := &net.Dialer{}
	addr := fmt.Sprintf("%s:%d", b.account.Host, b.account.Port)
	// net.Dialer.DialContext itself walks every A/AAAA record the
	// resolver returns (the Go equivalent of looping getaddrinfo's
	// ai_next chain), trying each until one connects or the context
	// expires.
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		nc.Close()
		return fmt.Errorf("transport: unexpected conn type %T for tcp dial", nc)
	}
	b.conn = tc
	return nil
}

func (b *rawBackend) close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func (b *rawBackend) read(buf []byte) (int, error) {
	if b.hasPending {
		if len(buf) == 0 {
			return 0, nil
		}
		buf[0] = b.pending
		b.hasPending = false
		return 1, nil
	}
	return b.conn.Read(buf)
}

func (b *rawBackend) write(buf []byte) (int, error) {
	return b.conn.Write(buf)
}

func (b *rawBackend) poll(wait time.Duration) int {
	if b.conn == nil {
		return -1
	}
	if b.hasPending {
		return 1
	}
	if err := b.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return -1
	}
	defer b.conn.SetReadDeadline(time.Time{})

	var one [1]byte
	n, err := b.conn.Read(one[:])
	if n > 0 {
		b.pending, b.hasPending = one[0], true
		return 1
	}
	if isTimeout(err) {
		return 0
	}
	return -1
}

func (b *rawBackend) rawTCPConn() *net.TCPConn { return b.conn }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
