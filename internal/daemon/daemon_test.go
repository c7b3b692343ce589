package daemon

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldermcp/foldermcp/internal/config"
	"github.com/foldermcp/foldermcp/internal/fmdm"
	"github.com/foldermcp/foldermcp/internal/lifecycle"
	"github.com/foldermcp/foldermcp/internal/models"
	"github.com/foldermcp/foldermcp/internal/orchestrator"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stack struct {
	server *Server
	http   *httptest.Server
	orch   *orchestrator.Orchestrator
	bus    *fmdm.Broadcaster
	cfg    *config.Manager
}

func newStack(t *testing.T) *stack {
	t.Helper()
	base := t.TempDir()

	cfgMgr, err := config.NewManager(filepath.Join(base, "config.yaml"), quietLogger())
	require.NoError(t, err)

	bus := fmdm.New(quietLogger())
	t.Cleanup(bus.Close)

	dl := models.NewDownloader(filepath.Join(base, "models"), "http://127.0.0.1:1", quietLogger())
	orch := orchestrator.New(cfgMgr, bus, dl, quietLogger())
	t.Cleanup(orch.Close)

	srv := NewServer(Options{}, orch, bus, cfgMgr, dl, quietLogger())
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)

	return &stack{server: srv, http: ts, orch: orch, bus: bus, cfg: cfgMgr}
}

func (s *stack) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msgType, id string, payload any) {
	t.Helper()
	msg := Message{Type: msgType, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		msg.Payload = data
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func recvMsg(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// recvType reads frames until one of the wanted type arrives, skipping
// interleaved pushes.
func recvType(t *testing.T, conn *websocket.Conn, msgType string) Message {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := recvMsg(t, conn)
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %s frame received", msgType)
	return Message{}
}

func makeFolder(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func initConn(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	send(t, conn, MsgConnectionInit, "init-1", InitParams{ClientType: "cli"})
	ack := recvType(t, conn, MsgConnectionAck)
	var result AckResult
	require.NoError(t, json.Unmarshal(ack.Payload, &result))
	require.NotEmpty(t, result.ClientID)

	// The immediate snapshot follows the ack.
	update := recvType(t, conn, MsgFMDMUpdate)
	var snap fmdm.Snapshot
	require.NoError(t, json.Unmarshal(update.Payload, &snap))
	return result.ClientID
}

func TestPingPong(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)

	send(t, conn, MsgPing, "p1", nil)
	msg := recvMsg(t, conn)
	assert.Equal(t, MsgPong, msg.Type)
	assert.Equal(t, "p1", msg.ID)
}

func TestUnknownTypeReturnsSupportedTypes(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)

	send(t, conn, "bogus.op", "x1", nil)
	msg := recvMsg(t, conn)
	require.Equal(t, MsgError, msg.Type)

	var perr ProtocolError
	require.NoError(t, json.Unmarshal(msg.Payload, &perr))
	assert.Contains(t, perr.SupportedTypes, MsgFolderAdd)
	assert.Contains(t, perr.SupportedTypes, MsgPing)
}

func TestRequestWithoutIDRejected(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)

	send(t, conn, MsgModelsList, "", nil)
	msg := recvMsg(t, conn)
	assert.Equal(t, MsgError, msg.Type)
}

func TestConnectionInitAckAndSnapshot(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)

	clientID := initConn(t, conn)

	// The broadcaster now lists the client.
	snap := s.bus.Snapshot()
	require.Equal(t, 1, snap.Connections.Count)
	assert.Equal(t, clientID, snap.Connections.Clients[0].ID)
}

func TestConnectionInitRejectsBadClientType(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)

	send(t, conn, MsgConnectionInit, "i1", InitParams{ClientType: "browser"})
	msg := recvMsg(t, conn)
	assert.Equal(t, MsgError, msg.Type)
}

func TestFMDMUpdatesArriveInVersionOrder(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)
	initConn(t, conn)

	for i := 0; i < 5; i++ {
		s.bus.Tick()
	}

	var last uint64
	for i := 0; i < 5; i++ {
		update := recvType(t, conn, MsgFMDMUpdate)
		var snap fmdm.Snapshot
		require.NoError(t, json.Unmarshal(update.Payload, &snap))
		assert.Greater(t, snap.Version, last)
		last = snap.Version
	}
}

func TestModelsListAndRecommend(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)

	send(t, conn, MsgModelsList, "m1", nil)
	msg := recvType(t, conn, MsgModelsList+MsgResponseSuffix)
	var result ModelsResult
	require.NoError(t, json.Unmarshal(msg.Payload, &result))
	assert.NotEmpty(t, result.Models)

	send(t, conn, MsgModelsRecommend, "m2", RecommendParams{Languages: []string{"en"}, Mode: "assisted"})
	msg = recvType(t, conn, MsgModelsRecommend+MsgResponseSuffix)
	require.NoError(t, json.Unmarshal(msg.Payload, &result))
	assert.NotEmpty(t, result.Models)

	send(t, conn, MsgModelsRecommend, "m3", RecommendParams{Mode: "sideways"})
	msg = recvMsg(t, conn)
	assert.Equal(t, MsgError, msg.Type)
}

func TestFolderLifecycleOverDuplex(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)
	initConn(t, conn)

	dir := makeFolder(t, map[string]string{"a.md": "# Alpha\n\nquarterly invoice totals"})

	// Validate first.
	send(t, conn, MsgFolderValidate, "v1", FolderPathParams{Path: dir})
	msg := recvType(t, conn, MsgFolderValidate+MsgResponseSuffix)
	var vres ValidateResult
	require.NoError(t, json.Unmarshal(msg.Payload, &vres))
	assert.True(t, vres.Valid)

	// Add and watch the FMDM walk to active.
	send(t, conn, MsgFolderAdd, "a1", FolderAddParams{Path: dir, Name: "docs"})
	msg = recvType(t, conn, MsgFolderAdd+MsgResponseSuffix)
	var ares ActionResult
	require.NoError(t, json.Unmarshal(msg.Payload, &ares))
	require.True(t, ares.Success, ares.Error)

	deadline := time.Now().Add(10 * time.Second)
	active := false
	for !active && time.Now().Before(deadline) {
		update := recvType(t, conn, MsgFMDMUpdate)
		var snap fmdm.Snapshot
		require.NoError(t, json.Unmarshal(update.Payload, &snap))
		for _, f := range snap.Folders {
			if f.Path == dir && f.Status == lifecycle.StateActive {
				active = true
			}
		}
	}
	require.True(t, active, "folder never became active")

	// get_folder_info sees the document.
	send(t, conn, MsgFolderInfo, "i1", FolderPathParams{Path: dir})
	msg = recvType(t, conn, MsgFolderInfo+MsgResponseSuffix)
	var info FolderInfoResult
	require.NoError(t, json.Unmarshal(msg.Payload, &info))
	assert.Equal(t, 1, info.DocumentCount)

	// Remove.
	send(t, conn, MsgFolderRemove, "r1", FolderPathParams{Path: dir})
	msg = recvType(t, conn, MsgFolderRemove+MsgResponseSuffix)
	require.NoError(t, json.Unmarshal(msg.Payload, &ares))
	assert.True(t, ares.Success, ares.Error)
}

func TestGetFoldersConfig(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)

	dir := makeFolder(t, map[string]string{"a.txt": "alpha"})
	require.NoError(t, s.orch.Add(context.Background(), dir, "docs", ""))

	send(t, conn, MsgFoldersConfig, "c1", nil)
	msg := recvType(t, conn, MsgFoldersConfig+MsgResponseSuffix)
	var result FoldersConfigResult
	require.NoError(t, json.Unmarshal(msg.Payload, &result))
	require.Len(t, result.Folders, 1)
	assert.Equal(t, "docs", result.Folders[0].Name)
	assert.True(t, result.Folders[0].Enabled)
}

func TestServerInfo(t *testing.T) {
	s := newStack(t)
	conn := s.dial(t)

	send(t, conn, MsgServerInfo, "s1", nil)
	msg := recvType(t, conn, MsgServerInfo+MsgResponseSuffix)
	var info ServerInfoResult
	require.NoError(t, json.Unmarshal(msg.Payload, &info))
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, 1, info.ClientCount)
}

func waitActive(t *testing.T, s *stack, dir string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range s.bus.Snapshot().Folders {
			if f.Path == dir && f.Status == lifecycle.StateActive {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("folder %s never became active", dir)
}

func TestRESTDocumentListing(t *testing.T) {
	s := newStack(t)
	dir := makeFolder(t, map[string]string{
		"beta.txt":  "second file",
		"alpha.md":  "# First\n\nfirst file",
		"notes.csv": "a,b\n1,2",
		"skip.bin":  "not indexable",
	})
	require.NoError(t, s.orch.Add(context.Background(), dir, "docs", ""))
	waitActive(t, s, dir)

	resp, err := http.Get(s.http.URL + "/folders/docs/documents")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list DocumentListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Equal(t, 3, list.Total, "unsupported extensions are excluded")

	// Default sort is name ascending.
	assert.Equal(t, "alpha.md", list.Documents[0].Name)
	for _, doc := range list.Documents {
		assert.True(t, doc.Indexed, doc.Name)
		assert.Len(t, doc.ID, 16)
	}
}

func TestRESTDocumentListingPaginationAndFilter(t *testing.T) {
	s := newStack(t)
	dir := makeFolder(t, map[string]string{
		"a.txt": "one", "b.txt": "two", "c.md": "three",
	})
	require.NoError(t, s.orch.Add(context.Background(), dir, "docs", ""))
	waitActive(t, s, dir)

	resp, err := http.Get(s.http.URL + "/folders/docs/documents?limit=1&offset=1&sort=name&order=asc")
	require.NoError(t, err)
	defer resp.Body.Close()
	var list DocumentListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 3, list.Total)
	require.Len(t, list.Documents, 1)
	assert.Equal(t, "b.txt", list.Documents[0].Name)

	resp, err = http.Get(s.http.URL + "/folders/docs/documents?type=markdown")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 1, list.Total)

	resp, err = http.Get(s.http.URL + "/folders/docs/documents?sort=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRESTDocumentAndOutline(t *testing.T) {
	s := newStack(t)
	dir := makeFolder(t, map[string]string{
		"doc.md": "# Title\n\nbody text\n\n## Section\n\nmore text",
	})
	require.NoError(t, s.orch.Add(context.Background(), dir, "docs", ""))
	waitActive(t, s, dir)

	docID := DocumentID("doc.md")
	resp, err := http.Get(s.http.URL + "/folders/docs/documents/" + docID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, docID, doc["id"])
	assert.Contains(t, doc["content"], "body text")

	resp, err = http.Get(s.http.URL + "/folders/docs/documents/" + docID + "/outline")
	require.NoError(t, err)
	defer resp.Body.Close()
	var outline map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&outline))
	assert.Equal(t, "markdown", outline["type"])
	headings, ok := outline["headings"].([]any)
	require.True(t, ok)
	assert.Len(t, headings, 2)

	resp, err = http.Get(s.http.URL + "/folders/docs/documents/ffffffffffffffff")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRESTSearch(t *testing.T) {
	s := newStack(t)
	dir := makeFolder(t, map[string]string{
		"billing.txt": "Invoice totals for the quarter exceeded the infrastructure budget.",
		"recipe.txt":  "Slice the onions and simmer the tomato sauce.",
	})
	require.NoError(t, s.orch.Add(context.Background(), dir, "docs", ""))
	waitActive(t, s, dir)

	body := strings.NewReader(`{"query":"invoice budget","limit":5,"includeContent":true}`)
	resp, err := http.Post(s.http.URL+"/folders/docs/search", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Results     []SearchResultEntry `json:"results"`
		Performance SearchPerformance   `json:"performance"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotEmpty(t, result.Results)
	assert.Equal(t, "billing.txt", result.Results[0].DocumentPath)
	assert.Contains(t, result.Results[0].Snippet, "Invoice")
	assert.NotEmpty(t, result.Performance.ModelUsed)

	// Validation failures.
	resp, err = http.Post(s.http.URL+"/folders/docs/search", "application/json",
		strings.NewReader(`{"query":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(s.http.URL+"/folders/ghost/search", "application/json",
		strings.NewReader(`{"query":"x"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDocumentIDStableAcrossSeparators(t *testing.T) {
	a := DocumentID("sub/doc.md")
	b := DocumentID(filepath.Join("sub", "doc.md"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, DocumentID("sub/other.md"))
}

func TestPIDFileExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	first := NewPIDFile(path)
	require.NoError(t, first.Acquire())

	second := NewPIDFile(path)
	assert.Error(t, second.Acquire(), "second instance must be rejected")

	pid, err := first.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, first.IsRunning())

	require.NoError(t, first.Release())
	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}

func TestHealthEndpoint(t *testing.T) {
	s := newStack(t)
	resp, err := http.Get(s.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
