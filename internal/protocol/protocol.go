// Package protocol defines the wire contract shared by every listener:
// request and response shapes, status codes, the encrypted envelope
// format and the layered decryption pipeline. All numeric wire values
// are fixed; renumbering breaks deployed clients.
package protocol

// Delimiter terminates every request and response on a session.
const Delimiter = "\r\n\r\n"

// Response status codes.
const (
	StatusOK            = 0
	StatusBadRequest    = 1
	StatusInvalidClient = 2

	// StatusContinue shares the OK wire value; sent mid-handshake when
	// the server expects a follow-up from the client.
	StatusContinue = 0
)

// Handshake request types.
const (
	ConnectionTypeConnect     = 1
	ConnectionTypeAcknowledge = 2
	ConnectionTypeTouch       = 3
)

// Administrative request types.
const (
	AdminTypeReloadConfig = 1
	AdminTypeReset        = 4
	AdminTypeStats        = 7
	AdminTypeListClients  = 8
)

// RawRequest is one delimited frame as received from a session, before
// any decryption or parsing.
type RawRequest struct {
	Data     []byte
	IP       string
	Received int64 // unix seconds at arrival
}

// Envelope is the parsed form of an encrypted frame:
// "<iv-hex>:<base64>" or "<iv-hex>:<client_id>:<base64>". The IV is
// always 32 hex characters, so an enveloped frame has its first colon
// at index 32.
type Envelope struct {
	IV         string
	ClientID   string
	Ciphertext string
}

const ivHexLen = 32

// ParseEnvelope splits an encrypted frame into its parts. ok is false
// when the frame cannot be an envelope and should be treated as a
// whole-payload ciphertext or plain JSON instead.
func ParseEnvelope(data []byte) (Envelope, bool) {
	if len(data) <= ivHexLen+1 || data[ivHexLen] != ':' {
		return Envelope{}, false
	}
	iv := string(data[:ivHexLen])
	rest := data[ivHexLen+1:]
	for i, b := range rest {
		if b == ':' {
			return Envelope{
				IV:         iv,
				ClientID:   string(rest[:i]),
				Ciphertext: string(rest[i+1:]),
			}, true
		}
	}
	return Envelope{IV: iv, Ciphertext: string(rest)}, true
}
