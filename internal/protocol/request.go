package protocol

import (
	"encoding/json"
	"fmt"
)

// DefaultLoggerID receives log items that name no logger.
const DefaultLoggerID = "default"

// Reserved logger ids clients may never write to.
const (
	ServerLoggerID = "loghaven"
)

const defaultVerboseLevel = 9

// Level is a severity on the wire. Values are a bitmask-style encoding
// fixed by the protocol.
type Level int

const (
	LevelTrace   Level = 2
	LevelDebug   Level = 4
	LevelFatal   Level = 8
	LevelError   Level = 16
	LevelWarning Level = 32
	LevelVerbose Level = 64
	LevelInfo    Level = 128
)

// Valid reports whether the value is one of the defined wire levels.
func (l Level) Valid() bool {
	switch l {
	case LevelTrace, LevelDebug, LevelFatal, LevelError, LevelWarning, LevelVerbose, LevelInfo:
		return true
	}
	return false
}

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelFatal:
		return "FATAL"
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARNING"
	case LevelVerbose:
		return "VERBOSE"
	case LevelInfo:
		return "INFO"
	}
	return "UNKNOWN"
}

// header carries the client-side timestamp present on every request
// type except log items, which carry their own datetime.
type header struct {
	Timestamp int64 `json:"_t"`
}

// TimestampValid checks the request timestamp against the server clock.
// A missing timestamp passes only when timestamps are not required.
func (h header) TimestampValid(now, tolerance int64, required bool) bool {
	if h.Timestamp == 0 {
		return !required
	}
	diff := now - h.Timestamp
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// ConnectionRequest is a handshake step: CONNECT, ACKNOWLEDGE or TOUCH.
type ConnectionRequest struct {
	header
	Type         int    `json:"type"`
	ClientID     string `json:"client_id"`
	RSAPublicKey string `json:"rsa_public_key"`
	KeySize      int    `json:"key_size"`
}

// TokenRequest asks for a token for one logger, or checks an existing
// one when Token is set.
type TokenRequest struct {
	header
	LoggerID   string `json:"logger_id"`
	AccessCode string `json:"access_code"`
	Token      string `json:"token"`
}

// AdminRequest is a signed administrative command.
type AdminRequest struct {
	header
	Type      int    `json:"type"`
	ClientID  string `json:"client_id"`
	Signature string `json:"sig"`
	LoggerID  string `json:"logger_id"`
}

// LogItem is one log line. Bulk frames carry an array of these.
type LogItem struct {
	ClientID string `json:"client_id,omitempty"`
	Token    string `json:"token,omitempty"`
	Datetime uint64 `json:"datetime"` // unix milliseconds at the client
	Logger   string `json:"logger"`
	Message  string `json:"msg"`
	File     string `json:"file,omitempty"`
	Line     uint32 `json:"line,omitempty"`
	Func     string `json:"func,omitempty"`
	Thread   string `json:"thread,omitempty"`
	App      string `json:"app,omitempty"`
	Level    Level  `json:"level"`
	VLevel   int    `json:"vlevel,omitempty"`
}

// Valid reports whether the item carries the fields every log line must
// have: a client timestamp, a defined level and a message.
func (li *LogItem) Valid() bool {
	return li.Datetime != 0 && li.Level.Valid() && li.Message != ""
}

// Normalize fills protocol defaults on a parsed item.
func (li *LogItem) Normalize() {
	if li.Logger == "" {
		li.Logger = DefaultLoggerID
	}
	if li.Level == LevelVerbose && li.VLevel == 0 {
		li.VLevel = defaultVerboseLevel
	}
}

func ParseConnectionRequest(data []byte) (*ConnectionRequest, error) {
	var req ConnectionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse connection request: %w", err)
	}
	return &req, nil
}

func ParseTokenRequest(data []byte) (*TokenRequest, error) {
	var req TokenRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse token request: %w", err)
	}
	return &req, nil
}

func ParseAdminRequest(data []byte) (*AdminRequest, error) {
	var req AdminRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse admin request: %w", err)
	}
	return &req, nil
}

func ParseLogItem(data []byte) (*LogItem, error) {
	var item LogItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("parse log item: %w", err)
	}
	item.Normalize()
	return &item, nil
}

// IsBulk reports whether a decrypted log payload carries an array of
// items rather than a single one.
func IsBulk(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// ParseBulk splits a bulk payload into its raw items without parsing
// them; bad items are rejected individually at processing time.
func ParseBulk(data []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse bulk payload: %w", err)
	}
	return items, nil
}
