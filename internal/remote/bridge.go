// ABOUTME: WebSocket remote control for headless players
// ABOUTME: Accepts connect/disconnect/quit commands and streams session statuses as JSON
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonect/jonect-go/internal/app"
	"go.uber.org/zap"
)

const (
	Path         = "/control"
	writeTimeout = 5 * time.Second
	outgoingSize = 16
)

var ErrNotListening = errors.New("remote: bridge is not listening")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Commander is the part of the coordinator remote clients drive
type Commander interface {
	Connect(addr string) error
	Disconnect() error
	Quit()
	Subscribe() <-chan app.Status
	Unsubscribe(<-chan app.Status)
}

// Command is one inbound request
type Command struct {
	Command string `json:"command"`
	Address string `json:"address,omitempty"`
}

// StatusMessage is one outbound notification. Kind "Error" reports a
// command that was refused.
type StatusMessage struct {
	Kind  string `json:"kind"`
	State string `json:"state,omitempty"`
	Text  string `json:"text"`
}

// Config holds bridge configuration
type Config struct {
	ListenAddr string
	Commander  Commander
	Logger     *zap.Logger
}

// Bridge serves the remote control endpoint
type Bridge struct {
	config Config
	logger *zap.Logger

	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewBridge creates a bridge; nothing listens until Listen is called
func NewBridge(config Config) *Bridge {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Bridge{
		config:  config,
		logger:  config.Logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Listen binds the listen address
func (b *Bridge) Listen() error {
	listener, err := net.Listen("tcp", b.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", b.config.ListenAddr, err)
	}
	b.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(Path, b.handleWebSocket)
	b.server = &http.Server{Handler: mux, ReadHeaderTimeout: writeTimeout}

	b.logger.Info("Remote control listening", zap.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound address
func (b *Bridge) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Serve handles clients until ctx ends, then closes every client
func (b *Bridge) Serve(ctx context.Context) error {
	if b.listener == nil {
		return ErrNotListening
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- b.server.Serve(b.listener)
	}()

	var err error
	select {
	case err = <-errChan:
	case <-ctx.Done():
		b.server.Close()
		<-errChan
	}

	b.mu.Lock()
	b.closed = true
	for conn := range b.clients {
		conn.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds and serves until ctx ends
func (b *Bridge) ListenAndServe(ctx context.Context) error {
	if err := b.Listen(); err != nil {
		return err
	}
	return b.Serve(ctx)
}

// ClientCount returns the number of connected remote clients
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[conn] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Info("Remote client connected", zap.String("remote", r.RemoteAddr))
	go b.handleClient(conn)
}

// client is one remote session. Statuses and replies flow out through a
// single writer goroutine; the handler goroutine reads commands.
type client struct {
	conn     *websocket.Conn
	outgoing chan StatusMessage
	stop     chan struct{} // handler is leaving
	dead     chan struct{} // writer has exited
}

// send queues msg unless the session is ending
func (c *client) send(msg StatusMessage) bool {
	select {
	case c.outgoing <- msg:
		return true
	case <-c.stop:
		return false
	case <-c.dead:
		return false
	}
}

func (b *Bridge) handleClient(conn *websocket.Conn) {
	defer b.wg.Done()

	c := &client{
		conn:     conn,
		outgoing: make(chan StatusMessage, outgoingSize),
		stop:     make(chan struct{}),
		dead:     make(chan struct{}),
	}
	statuses := b.config.Commander.Subscribe()

	var helpers sync.WaitGroup
	helpers.Add(2)
	go func() {
		defer helpers.Done()
		b.writeLoop(c)
	}()
	go func() {
		defer helpers.Done()
		forwardStatuses(c, statuses)
		// coordinator stopped or session ending
		conn.Close()
	}()

	defer func() {
		close(c.stop)
		b.config.Commander.Unsubscribe(statuses)
		conn.Close()
		helpers.Wait()

		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		b.logger.Info("Remote client disconnected")
	}()

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if isPayloadError(err) {
				c.send(StatusMessage{Kind: "Error", Text: fmt.Sprintf("bad command: %v", err)})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("Remote read failed", zap.Error(err))
			}
			return
		}

		if err := b.dispatch(cmd); err != nil {
			c.send(StatusMessage{Kind: "Error", Text: err.Error()})
		}
	}
}

func (b *Bridge) dispatch(cmd Command) error {
	b.logger.Info("Remote command", zap.String("command", cmd.Command), zap.String("address", cmd.Address))

	switch cmd.Command {
	case "connect":
		return b.config.Commander.Connect(cmd.Address)
	case "disconnect":
		return b.config.Commander.Disconnect()
	case "quit":
		b.config.Commander.Quit()
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}

func (b *Bridge) writeLoop(c *client) {
	defer close(c.dead)
	for {
		select {
		case msg := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				b.logger.Debug("Remote write failed", zap.Error(err))
				c.conn.Close()
				return
			}
		case <-c.stop:
			return
		}
	}
}

func forwardStatuses(c *client, statuses <-chan app.Status) {
	for {
		select {
		case st, ok := <-statuses:
			if !ok {
				return
			}
			if !c.send(StatusMessage{Kind: st.Kind.String(), State: st.State.String(), Text: st.Text}) {
				return
			}
		case <-c.stop:
			return
		case <-c.dead:
			return
		}
	}
}

// isPayloadError reports a command that did not parse on a healthy connection
func isPayloadError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
