package blockbook

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigUnmarshalJSON(t *testing.T) {
	var config Config

	require.NoError(t, json.Unmarshal([]byte(`{
		"wsAddress": "wss://btc.example.org/websocket",
		"requestTimeout": "45s",
		"pingInterval": "1m",
		"reconnectInitialInterval": 250000000,
		"queueSize": 8
	}`), &config))

	require.Equal(t, "wss://btc.example.org/websocket", config.WsAddress)
	require.Equal(t, 45*time.Second, config.RequestTimeout)
	require.Equal(t, time.Minute, config.PingInterval)
	require.Equal(t, 250*time.Millisecond, config.ReconnectInitialInterval)
	require.Equal(t, 8, config.QueueSize)

	config = config.WithDefaults()
	require.Equal(t, defaultHandshakeTimeout, config.HandshakeTimeout)
	require.Equal(t, defaultReconnectMaxInterval, config.ReconnectMaxInterval)

	require.Error(t, json.Unmarshal([]byte(`{"requestTimeout": "later"}`), &config))
}
