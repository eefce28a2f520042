package forward

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

// eventRecorder is a ServiceOwner that keeps every event
type eventRecorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *eventRecorder) HandleServiceEvent(ev model.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) signals() []model.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Signal, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Signal)
	}
	return out
}

func (r *eventRecorder) count(signal model.Signal) int {
	n := 0
	for _, s := range r.signals() {
		if s == signal {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(signal model.Signal) (model.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Signal == signal {
			return r.events[i], true
		}
	}
	return model.Event{}, false
}

// startEcho runs a loopback server that echoes until the peer half-closes
func startEcho(t *testing.T) string {
	t.Helper()
	return startServer(t, func(conn net.Conn) {
		io.Copy(conn, conn)
	})
}

func startServer(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// closedPort returns a loopback port nothing listens on
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newTestService(t *testing.T, dest string, idleTimeoutMs int64) (*Service, *eventRecorder) {
	t.Helper()
	owner := &eventRecorder{}
	svc, err := NewService("test", model.Profile{Source: 0, Dest: dest, IdleTimeoutMs: idleTimeoutMs}, owner,
		logger.Discard, Options{BindHost: "127.0.0.1", DialTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() {
		if svc.State() == model.ServiceOpen {
			svc.Close(0)
		}
	})
	return svc, owner
}

func dialService(t *testing.T, svc *Service) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", svc.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func echoRoundTrip(t *testing.T, conn net.Conn, payload string) {
	t.Helper()
	_, err := conn.Write([]byte(payload))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(waitFor))
	buf := make([]byte, len(payload))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf))
}

func TestServiceRelaysAndCountsBytes(t *testing.T) {
	svc, owner := newTestService(t, startEcho(t), 0)
	require.NoError(t, svc.Open())
	assert.Equal(t, model.ServiceOpen, svc.State())

	conn := dialService(t, svc)
	echoRoundTrip(t, conn, "hello")

	require.Eventually(t, func() bool {
		snap := svc.Snapshot()
		return len(snap.Connections) == 1 && snap.TotalBytesWritten == 5
	}, waitFor, tick)

	snap := svc.Snapshot()
	for uid, cs := range snap.Connections {
		assert.Equal(t, model.ConnectionPiped, cs.State)
		assert.Equal(t, int64(5), cs.BytesRead)
		assert.Equal(t, "IPv4", cs.ClientFamily)
		assert.Equal(t, "127.0.0.1", cs.ClientAddress)
		assert.Equal(t, "127.0.0.1:"+strconv.Itoa(cs.ClientPort), uid)
	}

	conn.Close()
	require.Eventually(t, func() bool {
		return len(svc.Snapshot().Connections) == 0
	}, waitFor, tick)

	snap = svc.Snapshot()
	assert.Equal(t, int64(5), snap.TotalBytesRead)
	assert.Equal(t, int64(5), snap.TotalBytesWritten)

	assert.Equal(t, []model.Signal{
		model.SignalOpened,
		model.SignalConnectionCreated,
		model.SignalConnectionPiped,
		model.SignalConnectionDestroyed,
	}, owner.signals())
}

func TestServiceBytesSurviveClose(t *testing.T) {
	svc, _ := newTestService(t, startEcho(t), 0)
	require.NoError(t, svc.Open())

	for i := 0; i < 3; i++ {
		conn := dialService(t, svc)
		echoRoundTrip(t, conn, "abcd")
		conn.Close()
	}
	require.NoError(t, svc.Close(NoDeadline))

	snap := svc.Snapshot()
	assert.Equal(t, model.ServiceClosed, snap.State)
	assert.Empty(t, snap.Connections)
	assert.Equal(t, int64(12), snap.TotalBytesRead)
	assert.Equal(t, int64(12), snap.TotalBytesWritten)
}

func TestServiceOpenCloseStateErrors(t *testing.T) {
	svc, owner := newTestService(t, "22", 0)

	assert.ErrorIs(t, svc.Close(0), model.ErrAlreadyClosed)

	require.NoError(t, svc.Open())
	assert.ErrorIs(t, svc.Open(), model.ErrAlreadyOpen)

	require.NoError(t, svc.Close(0))
	assert.Equal(t, model.ServiceClosed, svc.State())
	assert.Nil(t, svc.Addr())
	assert.ErrorIs(t, svc.Close(0), model.ErrAlreadyClosed)

	require.NoError(t, svc.Open())
	require.NoError(t, svc.Close(0))
	assert.Equal(t, 2, owner.count(model.SignalOpened))
	assert.Equal(t, 2, owner.count(model.SignalClosed))
}

func TestServiceOpenFailureEntersError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	owner := &eventRecorder{}
	svc, err := NewService("taken", model.Profile{Source: busy.Addr().(*net.TCPAddr).Port, Dest: "22"}, owner,
		logger.Discard, Options{BindHost: "127.0.0.1"})
	require.NoError(t, err)

	err = svc.Open()
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrListen)
	assert.ErrorIs(t, err, model.ErrSocket)
	assert.Equal(t, model.ServiceError, svc.State())

	ev, ok := owner.last(model.SignalError)
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, model.ErrListen)

	assert.ErrorIs(t, svc.Close(0), model.ErrAlreadyClosed)

	_, err = svc.ChangeOptions(model.Profile{Source: 0, Dest: "22"})
	require.NoError(t, err)

	require.NoError(t, svc.Open())
	assert.Equal(t, model.ServiceOpen, svc.State())
	require.NoError(t, svc.Close(0))
}

func TestServiceCloseZeroDestroysConnections(t *testing.T) {
	svc, owner := newTestService(t, startEcho(t), 0)
	require.NoError(t, svc.Open())

	conn := dialService(t, svc)
	echoRoundTrip(t, conn, "ping")

	require.NoError(t, svc.Close(0))
	assert.Empty(t, svc.Snapshot().Connections)
	assert.Equal(t, 1, owner.count(model.SignalConnectionDestroyed))

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestServiceCloseDeadline(t *testing.T) {
	svc, _ := newTestService(t, startEcho(t), 0)
	require.NoError(t, svc.Open())

	conn := dialService(t, svc)
	echoRoundTrip(t, conn, "ping")

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- svc.Close(300 * time.Millisecond) }()

	require.Eventually(t, func() bool {
		return svc.State() == model.ServiceClosing
	}, waitFor, tick)

	snap := svc.Snapshot()
	require.NotNil(t, snap.CloseDeadline)
	assert.WithinDuration(t, start.Add(300*time.Millisecond), *snap.CloseDeadline, 200*time.Millisecond)
	assert.ErrorIs(t, svc.Open(), model.ErrServiceChanging)
	assert.ErrorIs(t, svc.Close(0), model.ErrServiceChanging)
	_, err := svc.ChangeOptions(model.Profile{Dest: "22"})
	assert.ErrorIs(t, err, model.ErrServiceChanging)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close did not finish at its deadline")
	}
	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	assert.Nil(t, svc.Snapshot().CloseDeadline)
	assert.Equal(t, model.ServiceClosed, svc.State())
}

func TestServiceCloseDeadlineCancelledByDrain(t *testing.T) {
	svc, _ := newTestService(t, startEcho(t), 0)
	require.NoError(t, svc.Open())

	conn := dialService(t, svc)
	echoRoundTrip(t, conn, "ping")

	done := make(chan error, 1)
	go func() { done <- svc.Close(time.Minute) }()
	require.Eventually(t, func() bool {
		return svc.State() == model.ServiceClosing
	}, waitFor, tick)

	conn.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close did not finish after the last connection ended")
	}
}

func TestServiceCloseWithoutDeadlineWaits(t *testing.T) {
	svc, _ := newTestService(t, startEcho(t), 0)
	require.NoError(t, svc.Open())

	conn := dialService(t, svc)
	echoRoundTrip(t, conn, "ping")

	done := make(chan error, 1)
	go func() { done <- svc.Close(NoDeadline) }()

	select {
	case <-done:
		t.Fatal("close finished while a connection was alive")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Nil(t, svc.Snapshot().CloseDeadline)

	// no new connections while closing
	_, err := net.DialTimeout("tcp", conn.RemoteAddr().String(), 200*time.Millisecond)
	assert.Error(t, err)

	conn.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close did not finish")
	}
}

func TestServiceChangeOptions(t *testing.T) {
	svc, owner := newTestService(t, "22", 0)

	profile, err := svc.ChangeOptions(model.Profile{Source: 0, Dest: "Example.com:8080", IdleTimeoutMs: 1000, AutoStart: true})
	require.NoError(t, err)
	assert.Equal(t, "example.com:8080", profile.Dest)
	assert.Equal(t, profile, svc.Profile())

	ev, ok := owner.last(model.SignalOptionsChanged)
	require.True(t, ok)
	require.NotNil(t, ev.Profile)
	assert.Equal(t, profile, *ev.Profile)

	_, err = svc.ChangeOptions(model.Profile{Source: 0, Dest: "bad host"})
	assert.ErrorIs(t, err, model.ErrInvalidDest)
	assert.Equal(t, profile, svc.Profile())

	require.NoError(t, svc.Open())
	_, err = svc.ChangeOptions(model.Profile{Source: 0, Dest: "23"})
	assert.ErrorIs(t, err, model.ErrAlreadyOpen)
	assert.Equal(t, 1, owner.count(model.SignalOptionsChanged))
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService("", model.Profile{Dest: "22"}, nil, nil, Options{})
	assert.ErrorIs(t, err, model.ErrInvalidName)

	_, err = NewService("x", model.Profile{Source: 70000, Dest: "22"}, nil, nil, Options{})
	assert.ErrorIs(t, err, model.ErrInvalidSource)

	svc, err := NewService("x", model.Profile{Dest: "2222"}, nil, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "localhost:2222", svc.Profile().Dest)
	assert.Equal(t, model.ServiceClosed, svc.State())
}

func TestServiceDestroyConnection(t *testing.T) {
	svc, owner := newTestService(t, startEcho(t), 0)
	require.NoError(t, svc.Open())

	conn := dialService(t, svc)
	echoRoundTrip(t, conn, "ping")

	var uid string
	for id := range svc.Snapshot().Connections {
		uid = id
	}
	require.NotEmpty(t, uid)

	assert.False(t, svc.DestroyConnection("10.9.9.9:1"))
	assert.True(t, svc.DestroyConnection(uid))

	require.Eventually(t, func() bool {
		return owner.count(model.SignalConnectionDestroyed) == 1
	}, waitFor, tick)
	assert.Empty(t, svc.Snapshot().Connections)
}

func TestServiceDestroyAllConnections(t *testing.T) {
	svc, owner := newTestService(t, startEcho(t), 0)
	require.NoError(t, svc.Open())

	for i := 0; i < 3; i++ {
		echoRoundTrip(t, dialService(t, svc), "x")
	}
	assert.Equal(t, 3, svc.DestroyAllConnections())

	require.Eventually(t, func() bool {
		return owner.count(model.SignalConnectionDestroyed) == 3
	}, waitFor, tick)
	assert.Equal(t, model.ServiceOpen, svc.State())
}

func TestConnectionDestinationUnreachable(t *testing.T) {
	svc, owner := newTestService(t, "127.0.0.1:"+strconv.Itoa(closedPort(t)), 0)
	require.NoError(t, svc.Open())

	conn := dialService(t, svc)

	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		return owner.count(model.SignalConnectionDestroyed) == 1
	}, waitFor, tick)
	assert.Equal(t, 0, owner.count(model.SignalConnectionPiped))
}

func TestConnectionIdleTimeout(t *testing.T) {
	svc, owner := newTestService(t, startEcho(t), 150)
	require.NoError(t, svc.Open())

	conn := dialService(t, svc)
	echoRoundTrip(t, conn, "ping")

	require.Eventually(t, func() bool {
		return owner.count(model.SignalConnectionDestroyed) == 1
	}, waitFor, tick)
	assert.Equal(t, 1, owner.count(model.SignalConnectionTimedOut))

	signals := owner.signals()
	require.GreaterOrEqual(t, len(signals), 2)
	assert.Equal(t, model.SignalConnectionTimedOut, signals[len(signals)-2])
	assert.Equal(t, model.SignalConnectionDestroyed, signals[len(signals)-1])
}

func TestConnectionIdleTimerResetByClientTraffic(t *testing.T) {
	svc, owner := newTestService(t, startEcho(t), 300)
	require.NoError(t, svc.Open())

	conn := dialService(t, svc)
	for i := 0; i < 8; i++ {
		echoRoundTrip(t, conn, "keepalive")
		time.Sleep(100 * time.Millisecond)
	}
	assert.Equal(t, 0, owner.count(model.SignalConnectionTimedOut))
	assert.Len(t, svc.Snapshot().Connections, 1)

	require.Eventually(t, func() bool {
		return owner.count(model.SignalConnectionTimedOut) == 1
	}, waitFor, tick)
}

func TestConnectionHalfClose(t *testing.T) {
	dest := startServer(t, func(conn net.Conn) {
		data, err := io.ReadAll(conn)
		if err != nil {
			return
		}
		conn.Write([]byte("got " + strconv.Itoa(len(data))))
	})
	svc, owner := newTestService(t, dest, 0)
	require.NoError(t, svc.Open())

	conn := dialService(t, svc)
	_, err := conn.Write([]byte("request body"))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	conn.SetReadDeadline(time.Now().Add(waitFor))
	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "got 12", string(reply))

	require.Eventually(t, func() bool {
		return owner.count(model.SignalConnectionDestroyed) == 1
	}, waitFor, tick)

	snap := svc.Snapshot()
	assert.Equal(t, int64(12), snap.TotalBytesRead)
	assert.Equal(t, int64(6), snap.TotalBytesWritten)
}

func TestConnectionDestroyedWhenDestinationCloses(t *testing.T) {
	dest := startServer(t, func(conn net.Conn) {
		conn.Write([]byte("bye"))
	})
	svc, owner := newTestService(t, dest, 0)
	require.NoError(t, svc.Open())

	// the client never closes its side
	conn := dialService(t, svc)
	conn.SetReadDeadline(time.Now().Add(waitFor))
	buf := make([]byte, 3)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(buf))

	require.Eventually(t, func() bool {
		return owner.count(model.SignalConnectionDestroyed) == 1
	}, waitFor, tick)
	assert.Empty(t, svc.Snapshot().Connections)

	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Close(NoDeadline) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close waited on a connection whose destination had gone")
	}
}

func TestServiceConcurrentOpen(t *testing.T) {
	svc, owner := newTestService(t, "22", 0)

	const callers = 8
	errs := make(chan error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- svc.Open()
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, model.ErrServiceChanging) || errors.Is(err, model.ErrAlreadyOpen), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, owner.count(model.SignalOpened))
	assert.Equal(t, model.ServiceOpen, svc.State())

	addr := svc.Addr()
	require.NotNil(t, addr)
	require.NoError(t, svc.Close(0))

	// the single listener is gone once closed
	_, err := net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestConnectionDestroyIsIdempotent(t *testing.T) {
	svc, owner := newTestService(t, startEcho(t), 0)
	require.NoError(t, svc.Open())

	conn := dialService(t, svc)
	echoRoundTrip(t, conn, "ping")

	svc.mu.Lock()
	var c *Connection
	for _, live := range svc.conns {
		c = live
	}
	svc.mu.Unlock()
	require.NotNil(t, c)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Destroy()
		}()
	}
	conn.Close()
	wg.Wait()

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("connection never finished")
	}
	assert.Equal(t, model.ConnectionDestroyed, c.State())
	assert.Equal(t, 1, owner.count(model.SignalConnectionDestroyed))
}
