package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/hublink/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 30 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level the hub accepts. The hub closes the
	// connection on QoS 2 publishes.
	maxQoS = 1

	// protocolVersion pins MQTT 3.1.1; the hub rejects 3.1 connects.
	protocolVersion = 4

	// tlsMinVersion is the minimum TLS version for the hub connection.
	tlsMinVersion = tls.VersionTLS12
)

// buildClientOptions creates paho MQTT options for a hub connection.
//
// This configures:
//   - Broker URL (always ssl://, the hub only listens on TLS)
//   - Device id as MQTT client id
//   - Hub username convention: {hostname}/{device_id}/api-version={version}
//   - Credentials provider re-deriving the SAS token on every (re)connect
//   - Persistent session (the hub holds subscriptions across reconnects)
//   - Auto-reconnect with exponential backoff
func buildClientOptions(hub config.HubConfig, cfg config.MQTTConfig, tokens TokenSource) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	hostname := hub.Hostname()
	opts.AddBroker(fmt.Sprintf("ssl://%s:%d", hostname, cfg.Port))

	// The hub authenticates the device by client id; it must match the
	// registered identity exactly.
	opts.SetClientID(hub.DeviceID)

	// Username carries the api version; without it the hub withholds twin
	// responses and method requests. The password is the SAS token, fetched
	// through the provider so every reconnect presents a fresh one.
	username := fmt.Sprintf("%s/%s/api-version=%s", hostname, hub.DeviceID, hub.APIVersion)
	opts.SetCredentialsProvider(func() (string, string) {
		return username, tokens.Token()
	})

	opts.SetProtocolVersion(protocolVersion)

	// Persistent session: the hub replays queued cloud-to-device messages
	// and keeps subscriptions registered while the device is offline.
	opts.SetCleanSession(false)

	// Inbound handlers run in their own goroutines. Correlated requests
	// block a caller until the response topic delivers, so in-order
	// single-threaded callback dispatch would deadlock.
	opts.SetOrderMatters(false)

	// Auto-reconnect with exponential backoff
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	opts.SetTLSConfig(&tls.Config{
		MinVersion: tlsMinVersion,
		ServerName: hostname,
	})

	return opts
}
