package daemon

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/foldermcp/foldermcp/internal/errors"
	"github.com/foldermcp/foldermcp/internal/fmdm"
	"github.com/foldermcp/foldermcp/internal/models"
	"github.com/foldermcp/foldermcp/pkg/version"
)

// The daemon binds to localhost only, so cross-origin checks do not apply.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// errSkipReply marks a handler that already delivered its own frames.
var errSkipReply = stderrors.New("reply already sent")

// wsClient is one duplex connection. All writes go through send, which
// serialises on writeMu; the fmdm pump goroutine preserves snapshot order
// because the subscription channel is ordered.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	server *Server
	log    *slog.Logger

	writeMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	unsubscribe func()
	closed      bool
}

// handleWS upgrades the connection and runs the client's read loop until
// disconnect.
func (s *Server) handleWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
	}
	client.log = s.log.With(slog.String("clientId", client.id))
	s.register(client)
	defer client.teardown()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				client.log.Debug("connection closed", slog.Any("error", err))
			}
			return nil
		}
		client.dispatch(c.Request().Context(), msg)
	}
}

// dispatch validates and answers one frame. Malformed frames get a
// structured error back rather than a dropped connection.
func (w *wsClient) dispatch(ctx context.Context, msg Message) {
	if msg.Type == "" {
		w.sendError(msg.ID, protocolErrorf(errors.ErrCodeInvalidInput, "message type is required"))
		return
	}
	if msg.Type != MsgConnectionInit && msg.ID == "" {
		w.sendError("", protocolErrorf(errors.ErrCodeInvalidInput, "request %q needs a correlation id", msg.Type))
		return
	}

	var (
		reply Message
		err   error
	)
	switch msg.Type {
	case MsgConnectionInit:
		reply, err = w.handleInit(msg)
	case MsgPing:
		reply = Message{Type: MsgPong, ID: msg.ID}
	case MsgFolderValidate:
		reply, err = w.handleValidate(msg)
	case MsgFolderAdd:
		reply, err = w.handleAdd(ctx, msg)
	case MsgFolderRemove:
		reply, err = w.handleRemove(msg)
	case MsgModelsList:
		reply, err = respond(msg, ModelsResult{Models: models.All()})
	case MsgModelsRecommend:
		reply, err = w.handleRecommend(msg)
	case MsgServerInfo:
		reply, err = w.handleServerInfo(msg)
	case MsgFolderInfo:
		reply, err = w.handleFolderInfo(msg)
	case MsgFoldersConfig:
		reply, err = w.handleFoldersConfig(msg)
	default:
		w.sendError(msg.ID, protocolErrorf(errors.ErrCodeInvalidInput, "unknown message type %q", msg.Type))
		return
	}

	if err != nil {
		if stderrors.Is(err, errSkipReply) {
			return
		}
		var perr ProtocolError
		if stderrors.As(err, &perr) {
			w.sendError(msg.ID, perr)
			return
		}
		w.sendError(msg.ID, ProtocolError{Code: errors.ErrCodeInternal, Message: err.Error()})
		return
	}
	w.send(reply)
}

// handleInit acknowledges the client and starts the fmdm pump; the
// subscription's immediate snapshot becomes the first fmdm.update, delivered
// after the ack.
func (w *wsClient) handleInit(msg Message) (Message, error) {
	var params InitParams
	if err := unmarshalPayload(msg.Payload, &params); err != nil {
		return Message{}, err
	}
	if !clientTypes[params.ClientType] {
		return Message{}, protocolErrorf(errors.ErrCodeInvalidInput,
			"clientType must be one of tui, cli, web; got %q", params.ClientType)
	}

	w.mu.Lock()
	if w.initialized {
		w.mu.Unlock()
		return Message{}, protocolErrorf(errors.ErrCodeInvalidInput, "connection already initialised")
	}
	w.initialized = true
	w.mu.Unlock()

	w.server.bus.ClientJoin(fmdm.Client{ID: w.id, Type: params.ClientType})

	ack, err := respondAs(MsgConnectionAck, msg.ID, AckResult{ClientID: w.id})
	if err != nil {
		return Message{}, err
	}
	w.send(ack)

	snapshots, unsub := w.server.bus.Subscribe()
	w.mu.Lock()
	w.unsubscribe = unsub
	w.mu.Unlock()
	go w.pump(snapshots)

	// The pump already owns delivery; return an empty frame to skip the
	// generic reply path.
	return Message{}, errSkipReply
}

// pump forwards every snapshot as fmdm.update, in subscription order.
func (w *wsClient) pump(snapshots <-chan fmdm.Snapshot) {
	for snap := range snapshots {
		msg, err := push(MsgFMDMUpdate, snap)
		if err != nil {
			w.log.Warn("encoding fmdm snapshot", slog.Any("error", err))
			continue
		}
		if !w.send(msg) {
			return
		}
	}
}

func (w *wsClient) handleValidate(msg Message) (Message, error) {
	var params FolderPathParams
	if err := unmarshalPayload(msg.Payload, &params); err != nil {
		return Message{}, err
	}
	if params.Path == "" {
		return Message{}, protocolErrorf(errors.ErrCodeInvalidInput, "path is required")
	}
	return respond(msg, w.server.orch.Validate(params.Path))
}

func (w *wsClient) handleAdd(ctx context.Context, msg Message) (Message, error) {
	var params FolderAddParams
	if err := unmarshalPayload(msg.Payload, &params); err != nil {
		return Message{}, err
	}
	if params.Path == "" {
		return Message{}, protocolErrorf(errors.ErrCodeInvalidInput, "path is required")
	}

	if err := w.server.orch.Add(ctx, params.Path, params.Name, params.Model); err != nil {
		return respond(msg, ActionResult{Success: false, Error: err.Error()})
	}
	return respond(msg, ActionResult{Success: true})
}

func (w *wsClient) handleRemove(msg Message) (Message, error) {
	var params FolderPathParams
	if err := unmarshalPayload(msg.Payload, &params); err != nil {
		return Message{}, err
	}
	if params.Path == "" {
		return Message{}, protocolErrorf(errors.ErrCodeInvalidInput, "path is required")
	}

	if err := w.server.orch.Remove(params.Path, true); err != nil {
		return respond(msg, ActionResult{Success: false, Error: err.Error()})
	}
	return respond(msg, ActionResult{Success: true})
}

func (w *wsClient) handleRecommend(msg Message) (Message, error) {
	var params RecommendParams
	if err := unmarshalPayload(msg.Payload, &params); err != nil {
		return Message{}, err
	}
	if params.Mode != "assisted" && params.Mode != "manual" {
		return Message{}, protocolErrorf(errors.ErrCodeInvalidInput,
			"mode must be assisted or manual; got %q", params.Mode)
	}
	return respond(msg, ModelsResult{Models: models.Recommend(params.Languages, params.Mode)})
}

func (w *wsClient) handleServerInfo(msg Message) (Message, error) {
	return respond(msg, ServerInfoResult{
		Version:       version.Short(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(w.server.started).Seconds()),
		FolderCount:   len(w.server.orch.Folders()),
		ClientCount:   w.server.clientCount(),
	})
}

func (w *wsClient) handleFolderInfo(msg Message) (Message, error) {
	var params FolderPathParams
	if err := unmarshalPayload(msg.Payload, &params); err != nil {
		return Message{}, err
	}

	for _, f := range w.server.bus.Snapshot().Folders {
		if f.Path != params.Path {
			continue
		}
		count := 0
		if st, ok := w.server.orch.Store(params.Path); ok {
			if hashes, err := st.Documents(); err == nil {
				count = len(hashes)
			}
		}
		return respond(msg, FolderInfoResult{Folder: f, DocumentCount: count})
	}
	return Message{}, protocolErrorf(errors.ErrCodeInvalidPath, "folder not managed: %s", params.Path)
}

func (w *wsClient) handleFoldersConfig(msg Message) (Message, error) {
	doc := w.server.cfg.Get()
	entries := make([]FolderConfigEntry, 0, len(doc.Folders))
	for _, f := range doc.Folders {
		entries = append(entries, FolderConfigEntry{
			Path:    f.Path,
			Name:    f.Name,
			Model:   f.Model,
			Enabled: f.Enabled,
		})
	}
	return respond(msg, FoldersConfigResult{Folders: entries})
}

// send writes one frame; returns false once the connection is closed.
func (w *wsClient) send(msg Message) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.mu.Unlock()

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteJSON(msg); err != nil {
		w.log.Debug("write failed", slog.Any("error", err))
		return false
	}
	return true
}

func (w *wsClient) sendError(id string, perr ProtocolError) {
	data, err := json.Marshal(perr)
	if err != nil {
		return
	}
	w.send(Message{Type: MsgError, ID: id, Payload: data})
}

// close initiates a server-side shutdown of the connection.
func (w *wsClient) close() {
	w.writeMu.Lock()
	_ = w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "daemon shutting down"))
	w.writeMu.Unlock()
	_ = w.conn.Close()
}

// teardown runs when the read loop exits.
func (w *wsClient) teardown() {
	w.mu.Lock()
	w.closed = true
	unsub := w.unsubscribe
	initialized := w.initialized
	w.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if initialized {
		w.server.bus.ClientLeave(w.id)
	}
	w.server.unregister(w)
	_ = w.conn.Close()
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return protocolErrorf(errors.ErrCodeInvalidInput, "payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return protocolErrorf(errors.ErrCodeInvalidInput, "malformed payload: %v", err)
	}
	return nil
}

func respondAs(msgType, id string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, ID: id, Payload: data}, nil
}
