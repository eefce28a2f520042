package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/portrelay/portrelay/internal/domain/model"
	"github.com/portrelay/portrelay/internal/domain/port"
)

// DefaultRequestTimeout bounds the wait for a response when ctx has no deadline
const DefaultRequestTimeout = 10 * time.Second

// ErrNotConnected is returned when a request is made without a connection
var ErrNotConnected = errors.New("not connected to server")

// Client talks to a running portrelay control server
type Client struct {
	url            string
	requestTimeout time.Duration
	logger         port.Logger

	mutex       sync.Mutex
	conn        *websocket.Conn
	isConnected bool
	handlers    map[model.MessageType]func(*model.Message) error
	pending     map[string]chan *model.Message

	writeMutex sync.Mutex
}

// NewClient creates a new Client for the control server at url
func NewClient(url string, logger port.Logger) *Client {
	return &Client{
		url:            url,
		requestTimeout: DefaultRequestTimeout,
		logger:         logger,
		handlers:       make(map[model.MessageType]func(*model.Message) error),
		pending:        make(map[string]chan *model.Message),
	}
}

// Connect establishes the websocket connection
func (c *Client) Connect(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.isConnected {
		return nil
	}

	c.logger.Debug("Connecting to server: %s", c.url)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %v", err)
	}

	c.conn = conn
	c.isConnected = true

	// Start read pump
	go c.readPump(conn)

	c.logger.Debug("Connected to server: %s", c.url)
	return nil
}

// Close closes the client connection
func (c *Client) Close() {
	c.mutex.Lock()
	conn := c.conn
	c.conn = nil
	wasConnected := c.isConnected
	c.isConnected = false
	pending := c.pending
	c.pending = make(map[string]chan *model.Message)
	c.mutex.Unlock()

	if !wasConnected {
		return
	}

	c.writeMutex.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMutex.Unlock()
	conn.Close()

	for _, ch := range pending {
		close(ch)
	}
}

// IsConnected returns whether the client is connected to the server
func (c *Client) IsConnected() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.isConnected
}

// RegisterHandler registers a handler for pushed messages of msgType
func (c *Client) RegisterHandler(msgType model.MessageType, handler func(*model.Message) error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.handlers[msgType] = handler
}

// Request sends a request and waits for its response. The response data is
// decoded into out when out is not nil; a failed response is returned as a
// *model.Error carrying the server's code.
func (c *Client) Request(ctx context.Context, msgType model.MessageType, payload interface{}, out interface{}) error {
	msg, err := model.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	msg.ID = uuid.NewString()

	responseCh := make(chan *model.Message, 1)
	c.mutex.Lock()
	if !c.isConnected {
		c.mutex.Unlock()
		return ErrNotConnected
	}
	c.pending[msg.ID] = responseCh
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		delete(c.pending, msg.ID)
		c.mutex.Unlock()
	}()

	if err := c.sendMessage(msg); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if _, ok := ctx.Deadline(); !ok {
		timer := time.NewTimer(c.requestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case response, ok := <-responseCh:
		if !ok {
			return fmt.Errorf("connection closed while waiting for %s response", msgType)
		}
		var result model.ResponsePayload
		if err := response.ParsePayload(&result); err != nil {
			return fmt.Errorf("failed to parse %s response: %v", msgType, err)
		}
		if err := result.Err(); err != nil {
			return err
		}
		if out != nil && len(result.Data) > 0 {
			if err := json.Unmarshal(result.Data, out); err != nil {
				return fmt.Errorf("failed to parse %s response data: %v", msgType, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("timeout waiting for %s response", msgType)
	}
}

// sendMessage sends a message to the server
func (c *Client) sendMessage(msg *model.Message) error {
	c.mutex.Lock()
	conn := c.conn
	c.mutex.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	// Marshal message to JSON
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to convert message to JSON: %v", err)
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Error("Failed to send message: %v", err)
		return fmt.Errorf("failed to send message: %v", err)
	}

	return nil
}

// readPump reads messages from the server
func (c *Client) readPump(conn *websocket.Conn) {
	defer c.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && c.IsConnected() {
				c.logger.Debug("Failed to read message: %v", err)
			}
			return
		}

		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("Failed to parse message: %v", err)
			continue
		}

		if msg.Type == model.MessageTypePong {
			continue
		}

		if msg.Type == model.MessageTypeResponse {
			c.mutex.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mutex.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}

		c.mutex.Lock()
		handler, exists := c.handlers[msg.Type]
		c.mutex.Unlock()

		if exists {
			if err := handler(&msg); err != nil {
				c.logger.Error("Error handling message %s: %v", msg.Type, err)
			}
		}
	}
}

// Information asks the server for its version
func (c *Client) Information(ctx context.Context) (model.InformationPayload, error) {
	var info model.InformationPayload
	err := c.Request(ctx, model.MessageTypeInformation, nil, &info)
	return info, err
}

// CurrentData fetches the manager snapshot
func (c *Client) CurrentData(ctx context.Context) (model.ManagerSnapshot, error) {
	var snap model.ManagerSnapshot
	err := c.Request(ctx, model.MessageTypeCurrentData, nil, &snap)
	return snap, err
}

// LogHistory fetches the retained log lines
func (c *Client) LogHistory(ctx context.Context) ([]model.LogEntry, error) {
	var entries []model.LogEntry
	err := c.Request(ctx, model.MessageTypeLogHistory, nil, &entries)
	return entries, err
}

// Notifications fetches the notification ring
func (c *Client) Notifications(ctx context.Context) ([]model.Notification, error) {
	var list []model.Notification
	err := c.Request(ctx, model.MessageTypeNotifications, nil, &list)
	return list, err
}

// ClearNotification drops one notification, reporting whether it existed
func (c *Client) ClearNotification(ctx context.Context, sequence uint64) (bool, error) {
	var cleared bool
	err := c.Request(ctx, model.MessageTypeClearNotification, model.SequencePayload{Sequence: sequence}, &cleared)
	return cleared, err
}

// ClearNotifications drops every notification
func (c *Client) ClearNotifications(ctx context.Context) error {
	return c.Request(ctx, model.MessageTypeClearNotifications, nil, nil)
}

// CreateProfile creates a profile
func (c *Client) CreateProfile(ctx context.Context, name string, profile model.Profile) error {
	return c.Request(ctx, model.MessageTypeCreateProfile, model.ProfilePayload{Name: name, Profile: profile}, nil)
}

// UpdateProfile changes the options of a closed profile
func (c *Client) UpdateProfile(ctx context.Context, name string, profile model.Profile) error {
	return c.Request(ctx, model.MessageTypeUpdateProfile, model.ProfilePayload{Name: name, Profile: profile}, nil)
}

// RemoveProfile removes a profile, closing it first with timeout
func (c *Client) RemoveProfile(ctx context.Context, name string, timeout time.Duration) error {
	return c.Request(ctx, model.MessageTypeRemoveProfile, model.NewStopPayload(name, timeout), nil)
}

// StartProfile opens a profile's service
func (c *Client) StartProfile(ctx context.Context, name string) error {
	return c.Request(ctx, model.MessageTypeStartProfile, model.NamePayload{Name: name}, nil)
}

// StopProfile closes a profile's service
func (c *Client) StopProfile(ctx context.Context, name string, timeout time.Duration) error {
	return c.Request(ctx, model.MessageTypeStopProfile, model.NewStopPayload(name, timeout), nil)
}

// DestroyConnection tears down one connection of a profile
func (c *Client) DestroyConnection(ctx context.Context, name, uid string) error {
	return c.Request(ctx, model.MessageTypeDestroyConnection, model.ConnectionPayload{Name: name, UID: uid}, nil)
}

var _ port.Client = (*Client)(nil)
