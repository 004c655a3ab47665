package blockbook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/igorcrevar/utxo-go-syncer/core"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type dummyRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type dummyConn struct {
	conn *websocket.Conn
	lock sync.Mutex
}

func (dc *dummyConn) send(v interface{}) error {
	dc.lock.Lock()
	defer dc.lock.Unlock()

	return dc.conn.WriteJSON(v)
}

type dummyResponder func(dc *dummyConn, req dummyRequest) (interface{}, bool)

// dummyServer is a minimal indexing service speaking the websocket protocol.
type dummyServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	requests chan dummyRequest

	lock        sync.Mutex
	conns       []*dummyConn
	connections int
	respond     dummyResponder
}

func newDummyServer(t *testing.T) *dummyServer {
	t.Helper()

	ds := &dummyServer{
		requests: make(chan dummyRequest, 256),
		respond:  defaultResponder,
	}

	ds.server = httptest.NewServer(http.HandlerFunc(ds.serve))

	t.Cleanup(func() {
		ds.dropConnections()
		ds.server.Close()
	})

	return ds
}

func (ds *dummyServer) url() string {
	return "ws" + strings.TrimPrefix(ds.server.URL, "http")
}

func (ds *dummyServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := ds.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	defer conn.Close()

	dc := &dummyConn{conn: conn}

	ds.lock.Lock()
	ds.conns = append(ds.conns, dc)
	ds.connections++
	ds.lock.Unlock()

	for {
		var req dummyRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		select {
		case ds.requests <- req:
		default:
		}

		ds.lock.Lock()
		respond := ds.respond
		ds.lock.Unlock()

		if reply, ok := respond(dc, req); ok {
			_ = dc.send(reply)
		}
	}
}

func (ds *dummyServer) setResponder(respond dummyResponder) {
	ds.lock.Lock()
	defer ds.lock.Unlock()

	ds.respond = respond
}

func (ds *dummyServer) connectionCount() int {
	ds.lock.Lock()
	defer ds.lock.Unlock()

	return ds.connections
}

func (ds *dummyServer) push(id string, data interface{}) {
	ds.lock.Lock()
	conns := append([]*dummyConn(nil), ds.conns...)
	ds.lock.Unlock()

	for _, dc := range conns {
		_ = dc.send(map[string]interface{}{"id": id, "data": data})
	}
}

func (ds *dummyServer) pushRaw(payload string) {
	ds.lock.Lock()
	conns := append([]*dummyConn(nil), ds.conns...)
	ds.lock.Unlock()

	for _, dc := range conns {
		dc.lock.Lock()
		_ = dc.conn.WriteMessage(websocket.TextMessage, []byte(payload))
		dc.lock.Unlock()
	}
}

func (ds *dummyServer) dropConnections() {
	ds.lock.Lock()
	conns := ds.conns
	ds.conns = nil
	ds.lock.Unlock()

	for _, dc := range conns {
		_ = dc.conn.Close()
	}
}

func (ds *dummyServer) waitForRequest(t *testing.T, method string) dummyRequest {
	t.Helper()

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	for {
		select {
		case req := <-ds.requests:
			if req.Method == method {
				return req
			}
		case <-timer.C:
			require.FailNow(t, "request not received", method)
		}
	}
}

func defaultResponder(dc *dummyConn, req dummyRequest) (interface{}, bool) {
	reply := func(data interface{}) (interface{}, bool) {
		return map[string]interface{}{"id": req.ID, "data": data}, true
	}

	switch req.Method {
	case methodPing:
		return reply(map[string]interface{}{})
	case methodGetInfo:
		return reply(core.ServerInfo{Name: "Blockbook", Shortcut: "BTC", Decimals: 8, BestHeight: 100})
	case methodGetAccountInfo:
		var params accountInfoParams

		_ = json.Unmarshal(req.Params, &params)

		return reply(core.AccountDetails{
			Address:     params.Descriptor,
			Balance:     "100000",
			Txs:         1,
			Page:        params.Page,
			TotalPages:  1,
			ItemsOnPage: params.PageSize,
			TxIDs:       []string{"aa"},
		})
	case methodGetAccountUtxo:
		var params descriptorParams

		_ = json.Unmarshal(req.Params, &params)

		if params.Descriptor == "silent" {
			return nil, false
		}

		return reply([]core.AccountUtxo{{TxID: "aa", Vout: 1, Value: "100000", Height: 10}})
	case methodGetTransaction:
		var params txIDParams

		_ = json.Unmarshal(req.Params, &params)

		if params.TxID == "missing" {
			return reply(map[string]interface{}{"error": map[string]string{"message": "Transaction not found"}})
		}

		return reply(core.LedgerTransaction{TxID: params.TxID, BlockHeight: 10, Fees: "100"})
	case methodSendTransaction:
		return map[string]interface{}{"id": req.ID, "error": map[string]string{"message": "bad-txns-inputs-missingorspent"}}, true
	case methodSubscribeAddresses, methodSubscribeNewBlock:
		return reply(map[string]bool{"subscribed": true})
	}

	return nil, false
}

func newTestClient(t *testing.T, ds *dummyServer, emitter core.Emitter, opts ...Option) *Client {
	t.Helper()

	client := NewClient(Config{
		WsAddress:                ds.url(),
		RequestTimeout:           waitTimeout,
		ReconnectInitialInterval: 10 * time.Millisecond,
		ReconnectMaxInterval:     50 * time.Millisecond,
	}, emitter, hclog.NewNullLogger(), opts...)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}

func TestClientConnect(t *testing.T) {
	ds := newDummyServer(t)
	client := newTestClient(t, ds, nil)

	require.False(t, client.IsConnected())
	require.Equal(t, StateDisconnected, client.State())

	require.NoError(t, client.Connect(context.Background()))
	require.True(t, client.IsConnected())

	// second connect is a no-op
	require.NoError(t, client.Connect(context.Background()))
	require.Equal(t, 1, ds.connectionCount())

	info, err := client.FetchInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), info.BestHeight)
	assert.Equal(t, "BTC", info.Shortcut)

	require.NoError(t, client.Disconnect())
	require.False(t, client.IsConnected())
	require.Equal(t, StateDisconnected, client.State())

	require.NoError(t, client.Connect(context.Background()))
	require.True(t, client.IsConnected())
}

func TestClientConnectHonorsContext(t *testing.T) {
	client := NewClient(Config{
		WsAddress:                "ws://127.0.0.1:1",
		ReconnectInitialInterval: 10 * time.Millisecond,
	}, nil, hclog.NewNullLogger())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, client.Connect(ctx), context.DeadlineExceeded)
	require.False(t, client.IsConnected())
}

func TestClientRequests(t *testing.T) {
	ds := newDummyServer(t)
	client := newTestClient(t, ds, nil)
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx))

	details, err := client.FetchAddress(ctx, "bc1qaddress", core.AccountOpts{
		Details: core.AddressDetailsTxIDs,
		Page:    2,
		PerPage: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, "bc1qaddress", details.Address)
	assert.Equal(t, 2, details.Page)
	assert.Equal(t, 50, details.ItemsOnPage)
	assert.Equal(t, []string{"aa"}, details.TxIDs)

	req := ds.waitForRequest(t, methodGetAccountInfo)
	assert.JSONEq(t, `{"descriptor":"bc1qaddress","details":"txids","page":2,"pageSize":50}`, string(req.Params))

	utxos, err := client.FetchAddressUtxos(ctx, "bc1qaddress")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	assert.Equal(t, "100000", utxos[0].Value)

	tx, err := client.FetchTransaction(ctx, "bb")
	require.NoError(t, err)
	assert.Equal(t, "bb", tx.TxID)
	assert.Equal(t, int64(10), tx.BlockHeight)
}

func TestClientRemoteErrorOnlyFailsItsRequest(t *testing.T) {
	ds := newDummyServer(t)
	client := newTestClient(t, ds, nil)
	ctx := context.Background()

	require.NoError(t, client.Connect(ctx))

	_, err := client.FetchTransaction(ctx, "missing")

	var remoteErr *RemoteError

	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "Transaction not found", remoteErr.Message)
	assert.Equal(t, methodGetTransaction, remoteErr.Method)

	_, err = client.BroadcastTx(ctx, "0100")
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "bad-txns-inputs-missingorspent", remoteErr.Message)

	_, err = client.FetchInfo(ctx)
	require.NoError(t, err)
}

func TestClientBroadcastTxReturnsTxID(t *testing.T) {
	ds := newDummyServer(t)
	ds.setResponder(func(dc *dummyConn, req dummyRequest) (interface{}, bool) {
		if req.Method == methodSendTransaction {
			return map[string]interface{}{"id": req.ID, "data": map[string]string{"result": "cc"}}, true
		}

		return defaultResponder(dc, req)
	})

	client := newTestClient(t, ds, nil)

	require.NoError(t, client.Connect(context.Background()))

	txID, err := client.BroadcastTx(context.Background(), "0100")
	require.NoError(t, err)
	assert.Equal(t, "cc", txID)

	req := ds.waitForRequest(t, methodSendTransaction)
	assert.JSONEq(t, `{"hex":"0100"}`, string(req.Params))
}

func TestClientRequestTimeoutIsRetryable(t *testing.T) {
	ds := newDummyServer(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	client := NewClient(Config{
		WsAddress:      ds.url(),
		RequestTimeout: 100 * time.Millisecond,
	}, nil, hclog.NewNullLogger(), WithMetrics(metrics))

	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))

	_, err := client.FetchAddressUtxos(context.Background(), "silent")
	require.ErrorIs(t, err, ErrRequestTimeout)
	require.ErrorIs(t, err, core.ErrRetryable)
	require.NotErrorIs(t, err, ErrNotConnected)

	client.socket.lock.Lock()
	assert.Empty(t, client.socket.pending)
	client.socket.lock.Unlock()

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.failures.WithLabelValues(methodGetAccountUtxo, "timeout")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.pending))
}

func TestClientQueuesRequestsUntilConnected(t *testing.T) {
	ds := newDummyServer(t)
	client := newTestClient(t, ds, nil)

	resultCh := make(chan error, 1)

	go func() {
		_, err := client.FetchInfo(context.Background())
		resultCh <- err
	}()

	select {
	case err := <-resultCh:
		require.FailNow(t, "request completed before connect", "%v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, client.Connect(context.Background()))

	select {
	case err := <-resultCh:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		require.FailNow(t, "queued request not completed")
	}
}

func TestClientResendsPendingRequestAfterReconnect(t *testing.T) {
	ds := newDummyServer(t)

	var (
		lock    sync.Mutex
		seenIDs []string
	)

	ds.setResponder(func(dc *dummyConn, req dummyRequest) (interface{}, bool) {
		if req.Method != methodGetInfo {
			return defaultResponder(dc, req)
		}

		lock.Lock()
		seenIDs = append(seenIDs, req.ID)
		first := len(seenIDs) == 1
		lock.Unlock()

		if first {
			_ = dc.conn.Close()

			return nil, false
		}

		return defaultResponder(dc, req)
	})

	metrics := NewMetrics(prometheus.NewRegistry())
	client := newTestClient(t, ds, nil, WithMetrics(metrics))

	require.NoError(t, client.Connect(context.Background()))

	info, err := client.FetchInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), info.BestHeight)

	lock.Lock()
	defer lock.Unlock()

	require.Len(t, seenIDs, 2)
	assert.Equal(t, seenIDs[0], seenIDs[1])
	assert.Equal(t, 2, ds.connectionCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.reconnects))
}

func TestClientWatchBlocks(t *testing.T) {
	ds := newDummyServer(t)
	emitter := core.NewEmitter()

	var (
		lock   sync.Mutex
		events []string
	)

	heightCh := make(chan uint64, 1)

	require.NoError(t, emitter.Subscribe(core.EventBlockHeightChanged, func(height uint64) {
		lock.Lock()
		events = append(events, "published")
		lock.Unlock()

		heightCh <- height
	}))

	client := newTestClient(t, ds, emitter)

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.WatchBlocks(context.Background(), func(block *core.NewBlock) {
		lock.Lock()
		events = append(events, "handler:"+block.Hash)
		lock.Unlock()
	}))

	req := ds.waitForRequest(t, methodSubscribeNewBlock)
	require.Equal(t, WatchNewBlockEventID, req.ID)

	// malformed push is dropped
	ds.pushRaw(`{"id":"WATCH_NEW_BLOCK_EVENT_ID","data":"garbage"}`)
	ds.push(WatchNewBlockEventID, core.NewBlock{Height: 500000, Hash: "abc"})

	select {
	case height := <-heightCh:
		assert.Equal(t, uint64(500000), height)
	case <-time.After(waitTimeout):
		require.FailNow(t, "block height not published")
	}

	lock.Lock()
	defer lock.Unlock()

	assert.Equal(t, []string{"handler:abc", "published"}, events)
}

func TestClientWatchAddressesAccumulates(t *testing.T) {
	ds := newDummyServer(t)
	client := newTestClient(t, ds, nil)
	activityCh := make(chan *core.AddressActivity, 4)
	handler := func(activity *core.AddressActivity) {
		activityCh <- activity
	}

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.WatchAddresses(context.Background(), []string{"b"}, handler))

	req := ds.waitForRequest(t, methodSubscribeAddresses)
	assert.Equal(t, WatchAddressTxEventID, req.ID)
	assert.JSONEq(t, `{"addresses":["b"]}`, string(req.Params))

	require.NoError(t, client.WatchAddresses(context.Background(), []string{"a", "b"}, handler))

	req = ds.waitForRequest(t, methodSubscribeAddresses)
	assert.JSONEq(t, `{"addresses":["a","b"]}`, string(req.Params))

	ds.push(WatchAddressTxEventID, map[string]interface{}{"address": "", "tx": nil})
	ds.push(WatchAddressTxEventID, core.AddressActivity{
		Address:     "a",
		Transaction: &core.LedgerTransaction{TxID: "aa", BlockHeight: 0},
	})

	select {
	case activity := <-activityCh:
		assert.Equal(t, "a", activity.Address)
		assert.Equal(t, "aa", activity.Transaction.TxID)
	case <-time.After(waitTimeout):
		require.FailNow(t, "address activity not delivered")
	}

	assert.Empty(t, activityCh)
}

func TestClientRearmsSubscriptionsAfterReconnect(t *testing.T) {
	ds := newDummyServer(t)
	client := newTestClient(t, ds, nil)
	blockCh := make(chan uint64, 1)

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.WatchBlocks(context.Background(), func(block *core.NewBlock) {
		blockCh <- block.Height
	}))

	ds.waitForRequest(t, methodSubscribeNewBlock)
	ds.dropConnections()

	// the subscription is written again on the new connection
	ds.waitForRequest(t, methodSubscribeNewBlock)
	require.Eventually(t, client.IsConnected, waitTimeout, 10*time.Millisecond)

	ds.push(WatchNewBlockEventID, core.NewBlock{Height: 7, Hash: "h"})

	select {
	case height := <-blockCh:
		assert.Equal(t, uint64(7), height)
	case <-time.After(waitTimeout):
		require.FailNow(t, "push not delivered after reconnect")
	}
}

func TestClientPing(t *testing.T) {
	ds := newDummyServer(t)
	pingTicker := ticker.NewForce(time.Hour)
	client := newTestClient(t, ds, nil, WithPingTicker(pingTicker))

	require.NoError(t, client.Connect(context.Background()))

	pingTicker.Force <- time.Now()

	ds.waitForRequest(t, methodPing)
	assert.True(t, client.IsConnected())
	assert.Equal(t, 1, ds.connectionCount())
}

func TestClientFailedPingReconnects(t *testing.T) {
	ds := newDummyServer(t)
	ds.setResponder(func(dc *dummyConn, req dummyRequest) (interface{}, bool) {
		if req.Method == methodPing {
			return nil, false
		}

		return defaultResponder(dc, req)
	})

	pingTicker := ticker.NewForce(time.Hour)
	client := NewClient(Config{
		WsAddress:                ds.url(),
		RequestTimeout:           100 * time.Millisecond,
		ReconnectInitialInterval: 10 * time.Millisecond,
	}, nil, hclog.NewNullLogger(), WithPingTicker(pingTicker))

	defer client.Close()

	require.NoError(t, client.Connect(context.Background()))

	pingTicker.Force <- time.Now()

	require.Eventually(t, func() bool {
		return ds.connectionCount() == 2 && client.IsConnected()
	}, waitTimeout, 10*time.Millisecond)
}

func TestClientCloseFailsRequests(t *testing.T) {
	ds := newDummyServer(t)
	client := NewClient(Config{WsAddress: ds.url()}, nil, hclog.NewNullLogger())

	require.NoError(t, client.Connect(context.Background()))

	resultCh := make(chan error, 1)

	go func() {
		_, err := client.FetchAddressUtxos(context.Background(), "silent")
		resultCh <- err
	}()

	ds.waitForRequest(t, methodGetAccountUtxo)
	require.NoError(t, client.Close())

	select {
	case err := <-resultCh:
		require.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(waitTimeout):
		require.FailNow(t, "request not failed on close")
	}

	require.ErrorIs(t, client.Connect(context.Background()), ErrClientClosed)
}
