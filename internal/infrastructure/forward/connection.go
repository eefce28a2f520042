package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/domain/port"
)

const (
	copyBufferSize  = 32 * 1024
	keepAlivePeriod = 30 * time.Second
)

// connectionOwner is what a Connection reports back to. *Service implements it.
type connectionOwner interface {
	connectionPiped(c *Connection)
	connectionTimedOut(c *Connection)
	connectionDestroyed(c *Connection)
}

// Connection relays one accepted client socket to the destination.
//
// The client is not read until the destination is connected. Destroy can be
// reached from the client side, the destination side, the idle timer or the
// owning service; only the first call has any effect, and the owner hears
// about it exactly once, after both copy loops have returned so the byte
// counters are final.
type Connection struct {
	uid         string
	owner       connectionOwner
	logger      port.Logger
	client      net.Conn
	target      string
	dialer      *net.Dialer
	idleTimeout time.Duration
	createdAt   time.Time

	mu    sync.Mutex
	dest  net.Conn
	state model.ConnectionState
	idle  *time.Timer

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	lastActivity atomic.Int64

	ctx         context.Context
	cancel      context.CancelFunc
	destroyOnce sync.Once
	pumps       sync.WaitGroup
	done        chan struct{}
}

func newConnection(owner connectionOwner, uid string, client net.Conn, target string, dialer *net.Dialer, idleTimeout time.Duration, logger port.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		uid:         uid,
		owner:       owner,
		logger:      logger,
		client:      client,
		target:      target,
		dialer:      dialer,
		idleTimeout: idleTimeout,
		createdAt:   time.Now(),
		state:       model.ConnectionCreated,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.touch()
	if idleTimeout > 0 {
		c.mu.Lock()
		c.idle = time.AfterFunc(idleTimeout, c.onIdle)
		c.mu.Unlock()
	}
	return c
}

// UID returns the connection key, clientAddress:clientPort
func (c *Connection) UID() string {
	return c.uid
}

// State returns the lifecycle state
func (c *Connection) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BytesRead returns the bytes read from the client so far
func (c *Connection) BytesRead() int64 {
	return c.bytesRead.Load()
}

// BytesWritten returns the bytes written to the client so far
func (c *Connection) BytesWritten() int64 {
	return c.bytesWritten.Load()
}

// Done is closed once the connection is destroyed and its owner notified
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Snapshot returns the reporting view
func (c *Connection) Snapshot() model.ConnectionSnapshot {
	snap := model.ConnectionSnapshot{
		UID:          c.uid,
		State:        c.State(),
		BytesRead:    c.BytesRead(),
		BytesWritten: c.BytesWritten(),
		CreatedAt:    c.createdAt,
	}
	if addr, ok := c.client.RemoteAddr().(*net.TCPAddr); ok {
		snap.ClientAddress = addr.IP.String()
		snap.ClientPort = addr.Port
		snap.ClientFamily = "IPv6"
		if addr.IP.To4() != nil {
			snap.ClientFamily = "IPv4"
		}
	} else if host, portStr, err := net.SplitHostPort(c.client.RemoteAddr().String()); err == nil {
		snap.ClientAddress = host
		snap.ClientPort, _ = strconv.Atoi(portStr)
	}
	return snap
}

// Destroy closes both sockets. It is safe to call any number of times from
// any goroutine.
func (c *Connection) Destroy() {
	c.destroyOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		c.state = model.ConnectionDestroyed
		dest := c.dest
		if c.idle != nil {
			c.idle.Stop()
		}
		c.mu.Unlock()

		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Debug("client> close - %v", err)
		}
		if dest != nil {
			if err := dest.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug("dest> close - %v", err)
			}
		}
		c.logger.Info("destroy")
	})
}

// start dials the destination and runs the connection until it is destroyed
func (c *Connection) start() {
	go c.run()
}

func (c *Connection) run() {
	dest, err := c.dialer.DialContext(c.ctx, "tcp", c.target)
	if err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("dest> exception - %v", err)
		}
		c.Destroy()
	} else {
		c.pipe(dest)
	}

	<-c.ctx.Done()
	c.pumps.Wait()
	close(c.done)
	c.owner.connectionDestroyed(c)
}

func (c *Connection) pipe(dest net.Conn) {
	if tcpConn, ok := dest.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(keepAlivePeriod)
	}

	c.mu.Lock()
	if c.state == model.ConnectionDestroyed {
		c.mu.Unlock()
		dest.Close()
		return
	}
	c.dest = dest
	c.state = model.ConnectionPiped
	c.mu.Unlock()

	c.logger.Debug("established")
	c.owner.connectionPiped(c)

	c.pumps.Add(2)
	go c.pump("client", dest, &clientReader{c: c}, dest)
	go c.pump("dest", &clientWriter{c: c}, dest, c.client)
}

// pump copies src to dst. A clean EOF from the client half-closes the
// destination so a pending reply can still come back; a clean EOF from the
// destination, or any error, destroys the connection.
func (c *Connection) pump(side string, dst io.Writer, src io.Reader, dstConn net.Conn) {
	defer c.pumps.Done()

	buf := make([]byte, copyBufferSize)
	_, err := io.CopyBuffer(dst, src, buf)
	if err != nil {
		if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
			c.logger.Debug("%s> exception - %v", side, err)
		}
		c.Destroy()
		return
	}

	c.logger.Debug("%s> end", side)
	if side == "dest" {
		c.Destroy()
		return
	}
	if closer, ok := dstConn.(interface{ CloseWrite() error }); ok {
		if err := closer.CloseWrite(); err != nil {
			c.Destroy()
		}
	}
}

// touch records client side activity for the idle timer
func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) onIdle() {
	if c.ctx.Err() != nil {
		return
	}
	elapsed := time.Since(time.Unix(0, c.lastActivity.Load()))
	if elapsed < c.idleTimeout {
		c.mu.Lock()
		if c.state != model.ConnectionDestroyed {
			c.idle.Reset(c.idleTimeout - elapsed)
		}
		c.mu.Unlock()
		return
	}

	c.logger.Info("idle timeout (%v)", c.idleTimeout)
	c.owner.connectionTimedOut(c)
	c.Destroy()
}

// clientReader counts bytes read from the client
type clientReader struct {
	c *Connection
}

func (r *clientReader) Read(p []byte) (int, error) {
	n, err := r.c.client.Read(p)
	if n > 0 {
		r.c.bytesRead.Add(int64(n))
		r.c.touch()
	}
	return n, err
}

// clientWriter counts bytes written to the client
type clientWriter struct {
	c *Connection
}

func (w *clientWriter) Write(p []byte) (int, error) {
	n, err := w.c.client.Write(p)
	if n > 0 {
		w.c.bytesWritten.Add(int64(n))
		w.c.touch()
	}
	return n, err
}
