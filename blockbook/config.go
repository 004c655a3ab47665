package blockbook

import (
	"encoding/json"
	"time"

	"github.com/igorcrevar/utxo-go-syncer/core"
)

const (
	defaultRequestTimeout           = 30 * time.Second
	defaultPingInterval             = 30 * time.Second
	defaultHandshakeTimeout         = 10 * time.Second
	defaultReconnectInitialInterval = 500 * time.Millisecond
	defaultReconnectMaxInterval     = 30 * time.Second
	defaultQueueSize                = 64
	defaultPushQueueSize            = 256
)

type Config struct {
	WsAddress string `json:"wsAddress"`

	// bounds every request, a request that outlives it fails as retryable
	RequestTimeout   time.Duration `json:"requestTimeout"`
	PingInterval     time.Duration `json:"pingInterval"`
	HandshakeTimeout time.Duration `json:"handshakeTimeout"`

	ReconnectInitialInterval time.Duration `json:"reconnectInitialInterval"`
	ReconnectMaxInterval     time.Duration `json:"reconnectMaxInterval"`

	// capacity of the submission channel, submitters block while it is full
	QueueSize     int `json:"queueSize"`
	PushQueueSize int `json:"pushQueueSize"`
}

// UnmarshalJSON accepts timeouts and intervals as duration strings ("30s") or nanoseconds.
func (c *Config) UnmarshalJSON(data []byte) error {
	type plain Config

	aux := struct {
		*plain
		RequestTimeout           core.Duration `json:"requestTimeout"`
		PingInterval             core.Duration `json:"pingInterval"`
		HandshakeTimeout         core.Duration `json:"handshakeTimeout"`
		ReconnectInitialInterval core.Duration `json:"reconnectInitialInterval"`
		ReconnectMaxInterval     core.Duration `json:"reconnectMaxInterval"`
	}{
		plain:                    (*plain)(c),
		RequestTimeout:           core.Duration(c.RequestTimeout),
		PingInterval:             core.Duration(c.PingInterval),
		HandshakeTimeout:         core.Duration(c.HandshakeTimeout),
		ReconnectInitialInterval: core.Duration(c.ReconnectInitialInterval),
		ReconnectMaxInterval:     core.Duration(c.ReconnectMaxInterval),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	c.RequestTimeout = aux.RequestTimeout.Std()
	c.PingInterval = aux.PingInterval.Std()
	c.HandshakeTimeout = aux.HandshakeTimeout.Std()
	c.ReconnectInitialInterval = aux.ReconnectInitialInterval.Std()
	c.ReconnectMaxInterval = aux.ReconnectMaxInterval.Std()

	return nil
}

func (c Config) WithDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}

	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}

	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}

	if c.ReconnectInitialInterval <= 0 {
		c.ReconnectInitialInterval = defaultReconnectInitialInterval
	}

	if c.ReconnectMaxInterval < c.ReconnectInitialInterval {
		c.ReconnectMaxInterval = defaultReconnectMaxInterval
		if c.ReconnectMaxInterval < c.ReconnectInitialInterval {
			c.ReconnectMaxInterval = c.ReconnectInitialInterval
		}
	}

	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}

	if c.PushQueueSize <= 0 {
		c.PushQueueSize = defaultPushQueueSize
	}

	return c
}
