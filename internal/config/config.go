// Package config loads and serves the server configuration: listening
// ports, policy flags, ages, access codes and key material. The file is
// YAML with ${ENV_VAR} substitution. Key provisioning errors surface at
// load time, never during request handling.
package config

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"sync"

	"golang.org/x/crypto/pbkdf2"
	"gopkg.in/yaml.v3"

	"github.com/loghaven/loghaven/internal/crypto"
)

// Wire values for the capability bitmask returned on ACKNOWLEDGE. The
// values are fixed by the protocol; do not renumber.
const (
	FlagAllowUnknownLoggers    = 1
	FlagRequiresToken          = 2
	FlagAllowDefaultAccessCode = 4
	FlagAllowBulkLogRequest    = 16
	FlagAllowUnknownClients    = 64
	FlagAllowPlainConnection   = 128
	FlagCompression            = 256
	FlagRequiresTimestamp      = 1024
)

// Defaults applied when the config file leaves a field unset.
const (
	DefaultHandshakePort = 8777
	DefaultTokenPort     = 8778
	DefaultLoggingPort   = 8779

	defaultClientAge         = 3600
	defaultNonAckClientAge   = 300
	defaultTokenAge          = 3600
	defaultTimestampValidity = 120
	defaultSweepInterval     = 300
	defaultMaxBulkSize       = 50
	defaultKeySizeBits       = 256
)

// masterKeySalt feeds the PBKDF2 derivation when the master key is given
// as a passphrase rather than raw hex.
var masterKeySalt = []byte("loghaven.master.v1")

var envVarRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// KnownClient is a pre-provisioned client with a registered public key.
type KnownClient struct {
	ID            string
	PublicKeyPEM  string
	KeySize       int
	User          string
	DefaultLogger string
	Loggers       map[string]struct{}

	pub *rsa.PublicKey
}

type accessCode struct {
	code string
	life int64
}

type fileConfig struct {
	HandshakePort int `yaml:"handshake_port"`
	TokenPort     int `yaml:"token_port"`
	LoggingPort   int `yaml:"logging_port"`
	AdminPort     int `yaml:"admin_port"`

	AllowUnknownClients    bool `yaml:"allow_unknown_clients"`
	AllowUnknownLoggers    bool `yaml:"allow_unknown_loggers"`
	RequiresToken          bool `yaml:"requires_token"`
	AllowDefaultAccessCode bool `yaml:"allow_default_access_code"`
	AllowBulkLogRequest    bool `yaml:"allow_bulk_log_request"`
	AllowPlainConnection   bool `yaml:"allow_plain_connection"`
	Compression            bool `yaml:"compression"`
	RequiresTimestamp      bool `yaml:"requires_timestamp"`

	TimestampValidity int64 `yaml:"timestamp_validity"`
	ClientAge         int64 `yaml:"client_age"`
	NonAckClientAge   int64 `yaml:"non_acknowledged_client_age"`
	TokenAge          int64 `yaml:"token_age"`
	MaxTokenAge       int64 `yaml:"max_token_age"`
	SweepInterval     int64 `yaml:"sweep_interval"`
	MaxBulkSize       int   `yaml:"max_bulk_size"`
	DefaultKeySize    int   `yaml:"default_key_size"`

	LogDirectory string `yaml:"log_directory"`

	ServerKey           string `yaml:"server_key"`
	ServerKeyPassphrase string `yaml:"server_key_passphrase"`
	ServerRSAPrivate    string `yaml:"server_rsa_private_key"`
	ServerRSAPublic     string `yaml:"server_rsa_public_key"`
	ServerRSASecret     string `yaml:"server_rsa_secret"`

	KnownClients []struct {
		ClientID      string   `yaml:"client_id"`
		PublicKey     string   `yaml:"public_key"`
		KeySize       int      `yaml:"key_size"`
		User          string   `yaml:"user"`
		DefaultLogger string   `yaml:"default_logger"`
		Loggers       []string `yaml:"loggers"`
	} `yaml:"known_clients"`

	KnownLoggers []struct {
		LoggerID string `yaml:"logger_id"`
		User     string `yaml:"user"`
	} `yaml:"known_loggers"`

	Blacklist []string `yaml:"blacklist"`

	AccessCodes []struct {
		LoggerID string `yaml:"logger_id"`
		Codes    []struct {
			Code     string `yaml:"code"`
			TokenAge int64  `yaml:"token_age"`
		} `yaml:"codes"`
		Blacklist []string `yaml:"blacklist"`
	} `yaml:"access_codes"`
}

// Config is the loaded server configuration. All accessors are safe for
// concurrent use; Reload swaps the full state atomically.
type Config struct {
	mu   sync.RWMutex
	path string

	file fileConfig

	masterKey  string
	serverPriv *rsa.PrivateKey
	serverPub  *rsa.PublicKey

	knownClients map[string]*KnownClient
	knownLoggers map[string]string
	// Users discovered for unknown loggers first seen from a known
	// client; survives until the next reload.
	unknownLoggerUsers map[string]string
	blacklist          map[string]struct{}
	accessCodes        map[string][]accessCode
	accessCodeDenied   map[string]map[string]struct{}
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	c := &Config{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the configuration file and swaps the state in place.
// On error the previous state is kept.
func (c *Config) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	content := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		varName := match[2 : len(match)-1]
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return match
	})

	var file fileConfig
	if err := yaml.Unmarshal([]byte(content), &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	applyDefaults(&file)

	masterKey, err := resolveMasterKey(&file)
	if err != nil {
		return err
	}

	var serverPriv *rsa.PrivateKey
	var serverPub *rsa.PublicKey
	if file.ServerRSAPrivate != "" {
		pemData, err := os.ReadFile(file.ServerRSAPrivate)
		if err != nil {
			return fmt.Errorf("read server private key: %w", err)
		}
		serverPriv, err = crypto.LoadPrivateKey(pemData, file.ServerRSASecret)
		if err != nil {
			return fmt.Errorf("server private key: %w", err)
		}
		serverPub = &serverPriv.PublicKey
	}
	if file.ServerRSAPublic != "" {
		pemData, err := os.ReadFile(file.ServerRSAPublic)
		if err != nil {
			return fmt.Errorf("read server public key: %w", err)
		}
		serverPub, err = crypto.LoadPublicKey(pemData)
		if err != nil {
			return fmt.Errorf("server public key: %w", err)
		}
	}

	knownClients := make(map[string]*KnownClient, len(file.KnownClients))
	for _, kc := range file.KnownClients {
		if kc.ClientID == "" || kc.PublicKey == "" {
			return fmt.Errorf("known client entry missing client_id or public_key")
		}
		pemData, err := os.ReadFile(kc.PublicKey)
		if err != nil {
			return fmt.Errorf("known client %s: read public key: %w", kc.ClientID, err)
		}
		pub, err := crypto.LoadPublicKey(pemData)
		if err != nil {
			return fmt.Errorf("known client %s: %w", kc.ClientID, err)
		}
		loggers := make(map[string]struct{}, len(kc.Loggers))
		for _, l := range kc.Loggers {
			loggers[l] = struct{}{}
		}
		keySize := kc.KeySize
		if keySize == 0 {
			keySize = file.DefaultKeySize
		}
		knownClients[kc.ClientID] = &KnownClient{
			ID:            kc.ClientID,
			PublicKeyPEM:  string(pemData),
			KeySize:       keySize,
			User:          kc.User,
			DefaultLogger: kc.DefaultLogger,
			Loggers:       loggers,
			pub:           pub,
		}
	}

	knownLoggers := make(map[string]string, len(file.KnownLoggers))
	for _, kl := range file.KnownLoggers {
		knownLoggers[kl.LoggerID] = kl.User
	}

	blacklist := make(map[string]struct{}, len(file.Blacklist))
	for _, l := range file.Blacklist {
		blacklist[l] = struct{}{}
	}

	accessCodes := make(map[string][]accessCode, len(file.AccessCodes))
	accessCodeDenied := make(map[string]map[string]struct{})
	for _, ac := range file.AccessCodes {
		for _, code := range ac.Codes {
			accessCodes[ac.LoggerID] = append(accessCodes[ac.LoggerID], accessCode{
				code: code.Code,
				life: code.TokenAge,
			})
		}
		if len(ac.Blacklist) > 0 {
			denied := make(map[string]struct{}, len(ac.Blacklist))
			for _, code := range ac.Blacklist {
				denied[code] = struct{}{}
			}
			accessCodeDenied[ac.LoggerID] = denied
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.file = file
	c.masterKey = masterKey
	c.serverPriv = serverPriv
	c.serverPub = serverPub
	c.knownClients = knownClients
	c.knownLoggers = knownLoggers
	c.unknownLoggerUsers = make(map[string]string)
	c.blacklist = blacklist
	c.accessCodes = accessCodes
	c.accessCodeDenied = accessCodeDenied
	return nil
}

func applyDefaults(file *fileConfig) {
	if file.HandshakePort == 0 {
		file.HandshakePort = DefaultHandshakePort
	}
	if file.TokenPort == 0 {
		file.TokenPort = DefaultTokenPort
	}
	if file.LoggingPort == 0 {
		file.LoggingPort = DefaultLoggingPort
	}
	if file.ClientAge == 0 {
		file.ClientAge = defaultClientAge
	}
	if file.NonAckClientAge == 0 {
		file.NonAckClientAge = defaultNonAckClientAge
	}
	if file.TokenAge == 0 {
		file.TokenAge = defaultTokenAge
	}
	if file.TimestampValidity == 0 {
		file.TimestampValidity = defaultTimestampValidity
	}
	if file.SweepInterval == 0 {
		file.SweepInterval = defaultSweepInterval
	}
	if file.MaxBulkSize == 0 {
		file.MaxBulkSize = defaultMaxBulkSize
	}
	if file.DefaultKeySize == 0 {
		file.DefaultKeySize = defaultKeySizeBits
	}
}

func resolveMasterKey(file *fileConfig) (string, error) {
	if file.ServerKey != "" {
		if _, err := hex.DecodeString(file.ServerKey); err != nil {
			return "", fmt.Errorf("server_key is not hex: %w", err)
		}
		switch len(file.ServerKey) {
		case 32, 48, 64:
		default:
			return "", fmt.Errorf("server_key must be 128/192/256 bits, got %d hex chars", len(file.ServerKey))
		}
		return file.ServerKey, nil
	}
	if file.ServerKeyPassphrase != "" {
		derived := pbkdf2.Key([]byte(file.ServerKeyPassphrase), masterKeySalt, 4096, 32, sha256.New)
		return hex.EncodeToString(derived), nil
	}
	return "", nil
}

// Path returns the configuration file path.
func (c *Config) Path() string { return c.path }

func (c *Config) HandshakePort() int { c.mu.RLock(); defer c.mu.RUnlock(); return c.file.HandshakePort }
func (c *Config) TokenPort() int     { c.mu.RLock(); defer c.mu.RUnlock(); return c.file.TokenPort }
func (c *Config) LoggingPort() int   { c.mu.RLock(); defer c.mu.RUnlock(); return c.file.LoggingPort }
func (c *Config) AdminPort() int     { c.mu.RLock(); defer c.mu.RUnlock(); return c.file.AdminPort }

func (c *Config) AllowUnknownClients() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.AllowUnknownClients
}

func (c *Config) AllowUnknownLoggers() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.AllowUnknownLoggers
}

func (c *Config) RequiresToken() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.RequiresToken
}

func (c *Config) AllowDefaultAccessCode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.AllowDefaultAccessCode
}

func (c *Config) AllowBulkLogRequest() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.AllowBulkLogRequest
}

func (c *Config) AllowPlainConnection() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.AllowPlainConnection
}

func (c *Config) Compression() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.Compression
}

func (c *Config) RequiresTimestamp() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.RequiresTimestamp
}

// Flags returns the capability bitmask sent to acknowledged clients.
func (c *Config) Flags() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var f uint64
	if c.file.AllowUnknownLoggers {
		f |= FlagAllowUnknownLoggers
	}
	if c.file.RequiresToken {
		f |= FlagRequiresToken
	}
	if c.file.AllowDefaultAccessCode {
		f |= FlagAllowDefaultAccessCode
	}
	if c.file.AllowBulkLogRequest {
		f |= FlagAllowBulkLogRequest
	}
	if c.file.AllowUnknownClients {
		f |= FlagAllowUnknownClients
	}
	if c.file.AllowPlainConnection {
		f |= FlagAllowPlainConnection
	}
	if c.file.Compression {
		f |= FlagCompression
	}
	if c.file.RequiresTimestamp {
		f |= FlagRequiresTimestamp
	}
	return f
}

func (c *Config) TimestampValidity() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.TimestampValidity
}

func (c *Config) ClientAge() int64       { c.mu.RLock(); defer c.mu.RUnlock(); return c.file.ClientAge }
func (c *Config) NonAckClientAge() int64 { c.mu.RLock(); defer c.mu.RUnlock(); return c.file.NonAckClientAge }
func (c *Config) SweepInterval() int64   { c.mu.RLock(); defer c.mu.RUnlock(); return c.file.SweepInterval }
func (c *Config) MaxBulkSize() int       { c.mu.RLock(); defer c.mu.RUnlock(); return c.file.MaxBulkSize }
func (c *Config) LogDirectory() string   { c.mu.RLock(); defer c.mu.RUnlock(); return c.file.LogDirectory }

// KeySize returns the symmetric key size in bits for a client, falling
// back to the server default when the client has no specific entry.
func (c *Config) KeySize(clientID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if kc, ok := c.knownClients[clientID]; ok && kc.KeySize != 0 {
		return kc.KeySize
	}
	return c.file.DefaultKeySize
}

// KnownClient returns the pre-provisioned entry for a client id.
func (c *Config) KnownClient(clientID string) (*KnownClient, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	kc, ok := c.knownClients[clientID]
	return kc, ok
}

// KnownClientIDs returns the ids of all pre-provisioned clients.
func (c *Config) KnownClientIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.knownClients))
	for id := range c.knownClients {
		ids = append(ids, id)
	}
	return ids
}

// VerifyKnownClient checks a base64 signature of the client id against
// the client's registered public key.
func (c *Config) VerifyKnownClient(clientID, signatureB64 string) error {
	c.mu.RLock()
	kc, ok := c.knownClients[clientID]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("client %s is not known", clientID)
	}
	return crypto.Verify([]byte(clientID), signatureB64, kc.pub)
}

// IsKnownLogger reports whether the logger is registered, either in the
// config file or via a known client's logger list.
func (c *Config) IsKnownLogger(loggerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.knownLoggers[loggerID]; ok {
		return true
	}
	for _, kc := range c.knownClients {
		if _, ok := kc.Loggers[loggerID]; ok {
			return true
		}
	}
	return false
}

// LoggerUser returns the owning user for a logger, checking registered
// loggers first and then users backfilled at ingestion time.
func (c *Config) LoggerUser(loggerID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if user, ok := c.knownLoggers[loggerID]; ok {
		return user
	}
	return c.unknownLoggerUsers[loggerID]
}

// SetUnknownLoggerUser records the owning user for a logger that is not
// registered but was first seen from a known client.
func (c *Config) SetUnknownLoggerUser(loggerID, user string) {
	if user == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.unknownLoggerUsers[loggerID]; !ok {
		c.unknownLoggerUsers[loggerID] = user
	}
}

// IsBlacklisted reports whether the logger is on the deny list.
func (c *Config) IsBlacklisted(loggerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.blacklist[loggerID]
	return ok
}

// HasAccessCodes reports whether any access code is registered for the
// logger.
func (c *Config) HasAccessCodes(loggerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.accessCodes[loggerID]) > 0
}

// IsValidAccessCode reports whether the code may be used to obtain a
// token for the logger. An empty or "default" code is only accepted when
// default codes are allowed; denied codes are always rejected.
func (c *Config) IsValidAccessCode(loggerID, code string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if denied, ok := c.accessCodeDenied[loggerID]; ok {
		if _, bad := denied[code]; bad {
			return false
		}
	}
	if code == "" || code == "default" {
		return c.file.AllowDefaultAccessCode
	}
	for _, ac := range c.accessCodes[loggerID] {
		if ac.code == code {
			return true
		}
	}
	return false
}

// TokenLife returns the validity in seconds for a token issued against
// the access code, bounded by max_token_age when configured. Zero means
// the token never expires.
func (c *Config) TokenLife(loggerID, code string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	life := c.file.TokenAge
	for _, ac := range c.accessCodes[loggerID] {
		if ac.code == code {
			life = ac.life
			break
		}
	}
	if max := c.file.MaxTokenAge; max > 0 {
		if life == 0 || life > max {
			life = max
		}
	}
	return life
}

// MasterKey returns the server-wide hex symmetric key, or "" when no
// master key is configured.
func (c *Config) MasterKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.masterKey
}

// ServerPrivateKey returns the server RSA private key, or nil.
func (c *Config) ServerPrivateKey() *rsa.PrivateKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverPriv
}

// ServerPublicKey returns the server RSA public key, or nil.
func (c *Config) ServerPublicKey() *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverPub
}
