package transport

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/portrelay/portrelay/internal/application/service"
	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/infrastructure/config"
	"github.com/portrelay/portrelay/internal/infrastructure/forward"
	"github.com/portrelay/portrelay/internal/infrastructure/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type testControl struct {
	log     *logger.Logger
	manager *service.Manager
	server  *Server
	client  *Client
	cancel  context.CancelFunc
}

func newTestControl(t *testing.T, statusInterval time.Duration) *testControl {
	t.Helper()

	log := logger.NewLogger(io.Discard, "debug")
	store := config.NewProfileStore(filepath.Join(t.TempDir(), "profiles.json"), logger.Discard)
	factory := forward.NewFactory(logger.Discard, forward.Options{BindHost: "127.0.0.1", DialTimeout: time.Second})
	manager := service.NewManager(store, factory, log, "9.9.9")
	require.NoError(t, manager.Load(context.Background()))

	srv := NewServer(manager, log, log, ServerOptions{Path: "/control", StatusInterval: statusInterval})
	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)

	ts := httptest.NewServer(srv.Handler())
	client := NewClient("ws"+strings.TrimPrefix(ts.URL, "http")+"/control", logger.Discard)
	require.NoError(t, client.Connect(context.Background()))

	t.Cleanup(func() {
		client.Close()
		cancel()
		ts.Close()
		manager.StopAll(0)
	})
	return &testControl{log: log, manager: manager, server: srv, client: client, cancel: cancel}
}

func requestCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func TestServerInformation(t *testing.T) {
	tc := newTestControl(t, 0)

	info, err := tc.client.Information(requestCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "9.9.9", info.Version)
	assert.Equal(t, model.ProtocolVersion, info.ProtocolVersion)
	assert.Equal(t, 1, tc.server.SessionCount())
}

func TestServerProfileLifecycle(t *testing.T) {
	tc := newTestControl(t, 0)
	ctx := requestCtx(t)

	require.NoError(t, tc.client.CreateProfile(ctx, "web", model.Profile{Source: 0, Dest: "3000"}))
	assert.ErrorIs(t, tc.client.CreateProfile(ctx, "web", model.Profile{Dest: "22"}), model.ErrOccupiedName)
	assert.ErrorIs(t, tc.client.CreateProfile(ctx, "bad", model.Profile{Dest: "a b"}), model.ErrInvalidDest)

	snap, err := tc.client.CurrentData(ctx)
	require.NoError(t, err)
	require.Contains(t, snap.Services, "web")
	assert.Equal(t, "localhost:3000", snap.Services["web"].Dest)
	assert.True(t, snap.Status.Ready)

	require.NoError(t, tc.client.UpdateProfile(ctx, "web", model.Profile{Source: 0, Dest: "3001", AutoStart: true}))
	require.NoError(t, tc.client.StartProfile(ctx, "web"))
	assert.ErrorIs(t, tc.client.StartProfile(ctx, "web"), model.ErrAlreadyOpen)
	assert.ErrorIs(t, tc.client.UpdateProfile(ctx, "web", model.Profile{Dest: "3002"}), model.ErrAlreadyOpen)
	assert.ErrorIs(t, tc.client.DestroyConnection(ctx, "web", "127.0.0.1:1"), model.ErrConnectionNotFound)

	snap, err = tc.client.CurrentData(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ServiceOpen, snap.Services["web"].State)
	assert.Equal(t, "localhost:3001", snap.Services["web"].Dest)
	assert.True(t, snap.Services["web"].AutoStart)

	require.NoError(t, tc.client.StopProfile(ctx, "web", time.Second))
	assert.ErrorIs(t, tc.client.StopProfile(ctx, "web", 0), model.ErrAlreadyClosed)

	require.NoError(t, tc.client.RemoveProfile(ctx, "web", forward.NoDeadline))
	assert.ErrorIs(t, tc.client.RemoveProfile(ctx, "web", 0), model.ErrProfileNotFound)
	assert.ErrorIs(t, tc.client.StartProfile(ctx, "web"), model.ErrProfileNotFound)
}

func TestServerPushesEvents(t *testing.T) {
	tc := newTestControl(t, 0)

	events := make(chan model.EventPayload, 16)
	tc.client.RegisterHandler(model.MessageTypeEvent, func(msg *model.Message) error {
		var ev model.EventPayload
		if err := msg.ParsePayload(&ev); err != nil {
			return err
		}
		events <- ev
		return nil
	})

	require.NoError(t, tc.client.CreateProfile(requestCtx(t), "web", model.Profile{Source: 0, Dest: "80"}))

	select {
	case ev := <-events:
		assert.Equal(t, model.SignalProfileCreated, ev.Signal)
		assert.Equal(t, "web", ev.Service)
		require.NotNil(t, ev.Profile)
		assert.Equal(t, "localhost:80", ev.Profile.Dest)
	case <-time.After(waitFor):
		t.Fatal("no event pushed")
	}
}

func TestServerPushesLogLines(t *testing.T) {
	tc := newTestControl(t, 0)

	lines := make(chan model.LogEntry, 64)
	tc.client.RegisterHandler(model.MessageTypeLog, func(msg *model.Message) error {
		var entry model.LogEntry
		if err := msg.ParsePayload(&entry); err != nil {
			return err
		}
		select {
		case lines <- entry:
		default:
		}
		return nil
	})

	tc.log.Warn("disk %s is almost full", "sda1")

	deadline := time.After(waitFor)
	for {
		select {
		case entry := <-lines:
			if entry.Message == "disk sda1 is almost full" {
				assert.Equal(t, model.LogLevelWarn, entry.Level)

				history, err := tc.client.LogHistory(requestCtx(t))
				require.NoError(t, err)
				messages := make([]string, 0, len(history))
				for _, h := range history {
					messages = append(messages, h.Message)
				}
				assert.Contains(t, messages, entry.Message)
				return
			}
		case <-deadline:
			t.Fatal("log line not pushed")
		}
	}
}

func TestServerPushesCurrentData(t *testing.T) {
	tc := newTestControl(t, 20*time.Millisecond)

	snaps := make(chan model.ManagerSnapshot, 1)
	tc.client.RegisterHandler(model.MessageTypeCurrentData, func(msg *model.Message) error {
		var snap model.ManagerSnapshot
		if err := msg.ParsePayload(&snap); err != nil {
			return err
		}
		select {
		case snaps <- snap:
		default:
		}
		return nil
	})

	select {
	case snap := <-snaps:
		assert.Equal(t, "9.9.9", snap.Version)
		assert.True(t, snap.Status.Ready)
	case <-time.After(waitFor):
		t.Fatal("no status pushed")
	}
}

func TestServerNotifications(t *testing.T) {
	tc := newTestControl(t, 0)
	ctx := requestCtx(t)

	list, err := tc.client.Notifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	require.NoError(t, tc.client.CreateProfile(ctx, "taken", model.Profile{Source: busy.Addr().(*net.TCPAddr).Port, Dest: "22"}))
	assert.ErrorIs(t, tc.client.StartProfile(ctx, "taken"), model.ErrListen)

	list, err = tc.client.Notifications(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.LogLevelWarn, list[0].Level)

	cleared, err := tc.client.ClearNotification(ctx, list[0].Sequence)
	require.NoError(t, err)
	assert.True(t, cleared)
	cleared, err = tc.client.ClearNotification(ctx, list[0].Sequence)
	require.NoError(t, err)
	assert.False(t, cleared)

	assert.ErrorIs(t, tc.client.StartProfile(ctx, "taken"), model.ErrListen)
	require.NoError(t, tc.client.ClearNotifications(ctx))
	list, err = tc.client.Notifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestServerRejectsUnknownRequest(t *testing.T) {
	tc := newTestControl(t, 0)

	err := tc.client.Request(requestCtx(t), model.MessageType("bogus"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown message type")
}

func TestServerClosesSessionsOnShutdown(t *testing.T) {
	tc := newTestControl(t, 0)
	require.Eventually(t, func() bool { return tc.server.SessionCount() == 1 }, waitFor, 10*time.Millisecond)

	tc.cancel()

	require.Eventually(t, func() bool {
		return !tc.client.IsConnected() && tc.server.SessionCount() == 0
	}, waitFor, 10*time.Millisecond)

	_, err := tc.client.Information(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClientRequestWithoutConnection(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/control", logger.Discard)
	assert.ErrorIs(t, client.StartProfile(context.Background(), "web"), ErrNotConnected)
	assert.False(t, client.IsConnected())
	client.Close()
}
