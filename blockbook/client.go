package blockbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/igorcrevar/utxo-go-syncer/core"
	"github.com/lightningnetwork/lnd/ticker"
)

var (
	ErrRequestTimeout = errors.New("request timed out")
	ErrNotConnected   = errors.New("not connected")
	ErrClientClosed   = errors.New("client closed")
)

type options struct {
	pingTicker ticker.Ticker
	metrics    *Metrics
}

type Option func(*options)

// WithPingTicker replaces the health check ticker, tests pass a *ticker.Force.
func WithPingTicker(pingTicker ticker.Ticker) Option {
	return func(o *options) {
		o.pingTicker = pingTicker
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// Client talks to a Blockbook compatible indexing service over one websocket connection.
type Client struct {
	config  Config
	socket  *socket
	emitter core.Emitter
	metrics *Metrics
	logger  hclog.Logger

	lock             sync.Mutex
	watchedAddresses map[string]struct{}
}

var _ core.LedgerClient = (*Client)(nil)

func NewClient(config Config, emitter core.Emitter, logger hclog.Logger, opts ...Option) *Client {
	config = config.WithDefaults()

	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if o.pingTicker == nil {
		o.pingTicker = ticker.New(config.PingInterval)
	}

	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}

	logger = logger.Named("blockbook")

	c := &Client{
		config:           config,
		emitter:          emitter,
		metrics:          o.metrics,
		logger:           logger,
		watchedAddresses: map[string]struct{}{},
	}

	c.socket = newSocket(config, o.pingTicker, o.metrics, logger.Named("socket"))
	c.socket.healthCheck = c.ping

	return c
}

// Connect returns once the connection is ready. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	return c.socket.connect(ctx)
}

func (c *Client) Disconnect() error {
	c.socket.disconnect()

	return nil
}

// Close disconnects and fails every outstanding request with ErrClientClosed. The client can not
// be reused.
func (c *Client) Close() error {
	c.socket.close()

	return nil
}

func (c *Client) IsConnected() bool {
	return c.socket.isConnected()
}

func (c *Client) State() ConnectionState {
	return c.socket.connectionState()
}

func (c *Client) FetchInfo(ctx context.Context) (*core.ServerInfo, error) {
	var info core.ServerInfo

	if err := c.request(ctx, infoMessage(), &info); err != nil {
		return nil, err
	}

	return &info, nil
}

func (c *Client) FetchAddress(ctx context.Context, address string, opts core.AccountOpts) (*core.AccountDetails, error) {
	var details core.AccountDetails

	if err := c.request(ctx, addressMessage(address, opts), &details); err != nil {
		return nil, err
	}

	return &details, nil
}

func (c *Client) FetchAddressUtxos(ctx context.Context, address string) ([]*core.AccountUtxo, error) {
	var utxos []*core.AccountUtxo

	if err := c.request(ctx, addressUtxosMessage(address), &utxos); err != nil {
		return nil, err
	}

	return utxos, nil
}

func (c *Client) FetchTransaction(ctx context.Context, txID string) (*core.LedgerTransaction, error) {
	var tx core.LedgerTransaction

	if err := c.request(ctx, transactionMessage(txID), &tx); err != nil {
		return nil, err
	}

	return &tx, nil
}

// BroadcastTx submits a signed transaction and returns the txid reported by the service.
func (c *Client) BroadcastTx(ctx context.Context, rawTxHex string) (string, error) {
	var result struct {
		Result string `json:"result"`
	}

	if err := c.request(ctx, broadcastTxMessage(rawTxHex), &result); err != nil {
		return "", err
	}

	return result.Result, nil
}

// WatchAddresses adds addresses to the watched set and subscribes to the whole set. The service keeps
// one address subscription per connection so every call replaces the previous one.
func (c *Client) WatchAddresses(ctx context.Context, addresses []string, handler core.AddressActivityHandler) error {
	c.lock.Lock()

	for _, address := range addresses {
		c.watchedAddresses[address] = struct{}{}
	}

	all := make([]string, 0, len(c.watchedAddresses))
	for address := range c.watchedAddresses {
		all = append(all, address)
	}

	c.lock.Unlock()

	if len(all) == 0 {
		return nil
	}

	sort.Strings(all)

	payload, err := json.Marshal(subscribeAddressesMessage(all))
	if err != nil {
		return err
	}

	return c.socket.subscribe(ctx, &wsSubscription{
		id:      WatchAddressTxEventID,
		method:  methodSubscribeAddresses,
		payload: payload,
		handler: func(data json.RawMessage) {
			var activity core.AddressActivity

			if err := json.Unmarshal(data, &activity); err != nil || activity.Address == "" || activity.Transaction == nil {
				c.logger.Warn("malformed address push dropped", "data", string(data), "err", err)

				return
			}

			handler(&activity)
		},
	})
}

// WatchBlocks subscribes to new blocks. handler runs first, then the new height is published as
// EventBlockHeightChanged.
func (c *Client) WatchBlocks(ctx context.Context, handler core.NewBlockHandler) error {
	payload, err := json.Marshal(subscribeNewBlockMessage())
	if err != nil {
		return err
	}

	return c.socket.subscribe(ctx, &wsSubscription{
		id:      WatchNewBlockEventID,
		method:  methodSubscribeNewBlock,
		payload: payload,
		handler: func(data json.RawMessage) {
			var block core.NewBlock

			if err := json.Unmarshal(data, &block); err != nil || block.Height == 0 {
				c.logger.Warn("malformed block push dropped", "data", string(data), "err", err)

				return
			}

			handler(&block)

			if c.emitter != nil {
				c.emitter.Publish(core.EventBlockHeightChanged, block.Height)
			}
		},
	})
}

func (c *Client) ping(ctx context.Context) error {
	return c.request(ctx, pingMessage(), nil)
}

func (c *Client) request(ctx context.Context, msg message, out interface{}) error {
	msg.ID = uuid.NewString()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("could not encode %s: %w", msg.Method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	t := newRequestTask(msg.ID, msg.Method, payload)

	c.metrics.requests.WithLabelValues(msg.Method).Inc()

	if err := c.socket.submit(ctx, t); err != nil {
		return c.requestAborted(msg.Method, err)
	}

	select {
	case result := <-t.resultCh:
		if result.err != nil {
			var remoteErr *RemoteError
			if errors.As(result.err, &remoteErr) {
				c.metrics.failures.WithLabelValues(msg.Method, "remote").Inc()
			}

			return result.err
		}

		if out == nil {
			return nil
		}

		if err := json.Unmarshal(result.data, out); err != nil {
			return fmt.Errorf("could not decode %s response: %w", msg.Method, err)
		}

		return nil
	case <-ctx.Done():
		c.socket.release(msg.ID, t)

		return c.requestAborted(msg.Method, ctx.Err())
	case <-c.socket.closeCh:
		return ErrClientClosed
	}
}

func (c *Client) requestAborted(method string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		c.metrics.failures.WithLabelValues(method, "timeout").Inc()

		causes := []error{ErrRequestTimeout, core.ErrRetryable}
		if !c.IsConnected() {
			causes = append(causes, ErrNotConnected)
		}

		return fmt.Errorf("%s: %w", method, errors.Join(causes...))
	case errors.Is(err, context.Canceled):
		c.metrics.failures.WithLabelValues(method, "canceled").Inc()

		return fmt.Errorf("%s: %w", method, err)
	default:
		return err
	}
}
