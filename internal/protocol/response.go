package protocol

import "encoding/json"

// ConnectionResponse answers a handshake step. Status and Ack are
// always present so clients can branch on them without probing for
// field presence.
type ConnectionResponse struct {
	Status      int    `json:"status"`
	Ack         int    `json:"ack"`
	Key         string `json:"key,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Age         int64  `json:"age,omitempty"`
	DateCreated int64  `json:"date_created,omitempty"`
	Flags       uint64 `json:"flags,omitempty"`
	MaxBulkSize int    `json:"max_bulk_size,omitempty"`
	TokenPort   int    `json:"token_port,omitempty"`
	LoggingPort int    `json:"logging_port,omitempty"`
	ErrorText   string `json:"error_text,omitempty"`
}

// TokenResponse answers a token issuance or check. Life is a pointer so
// a zero (never expires) still reaches the wire.
type TokenResponse struct {
	Status    int    `json:"status"`
	Token     string `json:"token,omitempty"`
	Life      *int64 `json:"life,omitempty"`
	ErrorText string `json:"error_text,omitempty"`
}

// StatusResponse is the minimal ack used on the logging and admin
// listeners.
type StatusResponse struct {
	Status    int    `json:"status"`
	ErrorText string `json:"error_text,omitempty"`
}

// MarshalResponse serializes any response value; marshalling these
// fixed shapes cannot fail.
func MarshalResponse(v interface{}) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"status":1,"error_text":"internal error"}`)
	}
	return out
}
