package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/foldermcp/foldermcp/internal/fmdm"
	"github.com/foldermcp/foldermcp/internal/models"
	"github.com/foldermcp/foldermcp/internal/orchestrator"
)

// Duplex message types. Request types arrive from clients; pushed types are
// sent unsolicited.
const (
	MsgConnectionInit  = "connection.init"
	MsgConnectionAck   = "connection.ack"
	MsgFolderValidate  = "folder.validate"
	MsgFolderAdd       = "folder.add"
	MsgFolderRemove    = "folder.remove"
	MsgPing            = "ping"
	MsgPong            = "pong"
	MsgModelsList      = "models.list"
	MsgModelsRecommend = "models.recommend"
	MsgServerInfo      = "get_server_info"
	MsgFolderInfo      = "get_folder_info"
	MsgFoldersConfig   = "getFoldersConfig"
	MsgFMDMUpdate      = "fmdm.update"
	MsgError           = "error"
	MsgResponseSuffix  = ".response"
)

// supportedTypes is echoed back on protocol errors.
var supportedTypes = []string{
	MsgConnectionInit, MsgFolderValidate, MsgFolderAdd, MsgFolderRemove,
	MsgPing, MsgModelsList, MsgModelsRecommend, MsgServerInfo,
	MsgFolderInfo, MsgFoldersConfig,
}

// Message is the duplex envelope. Request-style messages carry a non-empty
// correlation id that responses echo back.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ProtocolError is the structured validation failure for malformed frames.
type ProtocolError struct {
	Code           string   `json:"code"`
	Message        string   `json:"message"`
	SupportedTypes []string `json:"supportedTypes,omitempty"`
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func protocolErrorf(code, format string, args ...any) ProtocolError {
	return ProtocolError{
		Code:           code,
		Message:        fmt.Sprintf(format, args...),
		SupportedTypes: supportedTypes,
	}
}

// InitParams is the connection.init payload.
type InitParams struct {
	ClientType string `json:"clientType"`
}

var clientTypes = map[string]bool{"tui": true, "cli": true, "web": true}

// AckResult is the connection.ack payload.
type AckResult struct {
	ClientID string `json:"clientId"`
}

// FolderPathParams is the payload for folder.validate, folder.remove and
// get_folder_info.
type FolderPathParams struct {
	Path string `json:"path"`
}

// FolderAddParams is the folder.add payload.
type FolderAddParams struct {
	Path  string `json:"path"`
	Name  string `json:"name,omitempty"`
	Model string `json:"model,omitempty"`
}

// ActionResult reports folder.add / folder.remove outcomes.
type ActionResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RecommendParams is the models.recommend payload.
type RecommendParams struct {
	Languages []string `json:"languages"`
	Mode      string   `json:"mode"`
}

// ModelsResult carries a model list response.
type ModelsResult struct {
	Models []models.Model `json:"models"`
}

// ServerInfoResult is the get_server_info response.
type ServerInfoResult struct {
	Version       string `json:"version"`
	PID           int    `json:"pid"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	FolderCount   int    `json:"folderCount"`
	ClientCount   int    `json:"clientCount"`
}

// FolderInfoResult is the get_folder_info response: the live FMDM entry plus
// document count from the cache store.
type FolderInfoResult struct {
	Folder        fmdm.Folder `json:"folder"`
	DocumentCount int         `json:"documentCount"`
}

// FoldersConfigResult is the getFoldersConfig response.
type FoldersConfigResult struct {
	Folders []FolderConfigEntry `json:"folders"`
}

// FolderConfigEntry is one configured folder as exposed on the wire.
type FolderConfigEntry struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Model   string `json:"model"`
	Enabled bool   `json:"enabled"`
}

// ValidateResult aliases the orchestrator's validation shape onto the wire.
type ValidateResult = orchestrator.ValidationResult

func respond(msg Message, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msg.Type + MsgResponseSuffix, ID: msg.ID, Payload: data}, nil
}

func push(msgType string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Payload: data}, nil
}
