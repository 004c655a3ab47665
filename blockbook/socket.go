package blockbook

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/lightningnetwork/lnd/ticker"
)

type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type wsResult struct {
	data json.RawMessage
	err  error
}

// wsTask is one outbound frame. Requests carry a result channel that is resolved at most once,
// subscription frames do not.
type wsTask struct {
	id       string
	method   string
	payload  []byte
	resultCh chan wsResult
	once     sync.Once
	released atomic.Bool
}

func newRequestTask(id, method string, payload []byte) *wsTask {
	return &wsTask{
		id:       id,
		method:   method,
		payload:  payload,
		resultCh: make(chan wsResult, 1),
	}
}

func (t *wsTask) resolve(result wsResult) {
	t.once.Do(func() {
		t.resultCh <- result
	})
}

type wsSubscription struct {
	id      string
	method  string
	payload []byte
	handler func(data json.RawMessage)
}

type wsPush struct {
	sub  *wsSubscription
	data json.RawMessage
}

// wsConn is a single physical connection. done is closed once on the first read or write failure.
type wsConn struct {
	conn     *websocket.Conn
	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

func (c *wsConn) fail() {
	c.doneOnce.Do(func() {
		close(c.done)
	})
}

// socket keeps one logical connection alive: it redials with backoff, resends pending requests and
// re-arms subscriptions after every reconnect.
type socket struct {
	config      Config
	logger      hclog.Logger
	metrics     *Metrics
	pingTicker  ticker.Ticker
	healthCheck func(ctx context.Context) error

	lock           sync.Mutex
	state          ConnectionState
	conn           *websocket.Conn
	ready          chan struct{}
	stopCh         chan struct{}
	supervisorDone chan struct{}
	connections    int
	pending        map[string]*wsTask
	subs           map[string]*wsSubscription

	queue     chan *wsTask
	pushes    chan wsPush
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSocket(config Config, pingTicker ticker.Ticker, metrics *Metrics, logger hclog.Logger) *socket {
	s := &socket{
		config:     config,
		logger:     logger,
		metrics:    metrics,
		pingTicker: pingTicker,
		state:      StateDisconnected,
		ready:      make(chan struct{}),
		pending:    map[string]*wsTask{},
		subs:       map[string]*wsSubscription{},
		queue:      make(chan *wsTask, config.QueueSize),
		pushes:     make(chan wsPush, config.PushQueueSize),
		closeCh:    make(chan struct{}),
	}

	s.wg.Add(1)

	go s.dispatchLoop()

	return s
}

func (s *socket) connect(ctx context.Context) error {
	s.lock.Lock()

	select {
	case <-s.closeCh:
		s.lock.Unlock()

		return ErrClientClosed
	default:
	}

	if s.state == StateConnected {
		s.lock.Unlock()

		return nil
	}

	if s.stopCh == nil {
		s.state = StateConnecting
		s.stopCh = make(chan struct{})
		s.supervisorDone = make(chan struct{})

		go s.run(s.stopCh, s.supervisorDone)
	}

	ready := s.ready
	s.lock.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return ErrClientClosed
	}
}

func (s *socket) disconnect() {
	s.lock.Lock()
	stopCh, done := s.stopCh, s.supervisorDone
	s.stopCh, s.supervisorDone = nil, nil
	s.lock.Unlock()

	if stopCh == nil {
		return
	}

	close(stopCh)
	<-done
}

func (s *socket) close() {
	s.closeOnce.Do(func() {
		s.disconnect()
		close(s.closeCh)
		s.pingTicker.Stop()

		s.lock.Lock()
		pending := s.pending
		s.pending = map[string]*wsTask{}
		s.lock.Unlock()

		for _, t := range pending {
			s.metrics.pending.Dec()
			t.resolve(wsResult{err: ErrClientClosed})
		}

		s.wg.Wait()
	})
}

func (s *socket) isConnected() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state == StateConnected
}

func (s *socket) connectionState() ConnectionState {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.state
}

// submit queues a frame for the writer. While disconnected frames wait in the queue, a full queue
// blocks the caller until ctx is done.
func (s *socket) submit(ctx context.Context, t *wsTask) error {
	select {
	case s.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return ErrClientClosed
	}
}

// release forgets a request, a late response for its id is ignored.
func (s *socket) release(id string, t *wsTask) {
	t.released.Store(true)

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, exists := s.pending[id]; exists {
		delete(s.pending, id)
		s.metrics.pending.Dec()
	}
}

// subscribe registers sub under its fixed id, replacing a previous one, and arms it if connected.
func (s *socket) subscribe(ctx context.Context, sub *wsSubscription) error {
	s.lock.Lock()
	s.subs[sub.id] = sub
	connected := s.state == StateConnected
	s.lock.Unlock()

	if !connected {
		return nil
	}

	return s.submit(ctx, &wsTask{id: sub.id, method: sub.method, payload: sub.payload})
}

func (s *socket) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	reconnectBackoff := backoff.NewExponentialBackOff()
	reconnectBackoff.InitialInterval = s.config.ReconnectInitialInterval
	reconnectBackoff.MaxInterval = s.config.ReconnectMaxInterval
	reconnectBackoff.MaxElapsedTime = 0
	reconnectBackoff.Reset()

	var pingWg sync.WaitGroup

	pingWg.Add(1)

	go s.pingLoop(stop, &pingWg)

	defer pingWg.Wait()

	for {
		c, err := s.dial(stop)
		if err != nil {
			wait := reconnectBackoff.NextBackOff()
			s.logger.Warn("could not connect", "address", s.config.WsAddress, "retry", wait, "err", err)

			timer := time.NewTimer(wait)

			select {
			case <-timer.C:
				continue
			case <-stop:
				timer.Stop()
				s.setState(StateDisconnected, nil)

				return
			}
		}

		reconnectBackoff.Reset()

		if err := s.onConnected(c); err != nil {
			s.logger.Warn("could not restore connection state", "err", err)
			c.fail()
		} else {
			c.wg.Add(2)

			go s.readLoop(c)
			go s.writeLoop(c)
		}

		select {
		case <-c.done:
			_ = c.conn.Close()
			c.wg.Wait()
			s.setState(StateConnecting, nil)
			s.logger.Info("connection lost, reconnecting", "address", s.config.WsAddress)
		case <-stop:
			c.fail()
			_ = c.conn.Close()
			c.wg.Wait()
			s.setState(StateDisconnected, nil)

			return
		}
	}
}

func (s *socket) dial(stop <-chan struct{}) (*wsConn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	dialer := websocket.Dialer{
		HandshakeTimeout: s.config.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, s.config.WsAddress, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		return nil, err
	}

	return &wsConn{
		conn: conn,
		done: make(chan struct{}),
	}, nil
}

// onConnected publishes the connection and writes every pending request and subscription again
// before the writer starts.
func (s *socket) onConnected(c *wsConn) error {
	s.lock.Lock()

	if s.connections > 0 {
		s.metrics.reconnects.Inc()
	}

	s.connections++
	s.conn = c.conn
	s.state = StateConnected
	close(s.ready)

	frames := make([][]byte, 0, len(s.subs)+len(s.pending))
	for _, sub := range s.subs {
		frames = append(frames, sub.payload)
	}

	for _, t := range s.pending {
		frames = append(frames, t.payload)
	}

	s.lock.Unlock()

	s.logger.Debug("connected", "address", s.config.WsAddress, "resent", len(frames))

	for _, frame := range frames {
		if err := s.write(c.conn, frame); err != nil {
			return err
		}
	}

	return nil
}

func (s *socket) setState(state ConnectionState, conn *websocket.Conn) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.state == StateConnected {
		s.ready = make(chan struct{})
	}

	s.state = state
	s.conn = conn
}

func (s *socket) write(conn *websocket.Conn, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.config.RequestTimeout)); err != nil {
		return err
	}

	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *socket) writeLoop(c *wsConn) {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case t := <-s.queue:
			if t.released.Load() {
				continue
			}

			// registered before the write so a fast response always finds its handle
			if t.resultCh != nil {
				s.lock.Lock()
				s.pending[t.id] = t
				s.metrics.pending.Inc()
				s.lock.Unlock()
			}

			if err := s.write(c.conn, t.payload); err != nil {
				s.logger.Debug("write failed", "method", t.method, "err", err)
				c.fail()

				return
			}
		}
	}
}

func (s *socket) readLoop(c *wsConn) {
	defer c.wg.Done()
	defer c.fail()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				s.logger.Debug("read failed", "err", err)
			}

			return
		}

		s.handleMessage(data)
	}
}

func (s *socket) handleMessage(data []byte) {
	var resp response

	if err := json.Unmarshal(data, &resp); err != nil {
		s.logger.Warn("malformed message dropped", "err", err)

		return
	}

	s.lock.Lock()
	t, isPending := s.pending[resp.ID]
	if isPending {
		delete(s.pending, resp.ID)
		s.metrics.pending.Dec()
	}

	sub := s.subs[resp.ID]
	s.lock.Unlock()

	switch {
	case isPending:
		if err := resp.remoteError(t.method); err != nil {
			t.resolve(wsResult{err: err})
		} else {
			t.resolve(wsResult{data: resp.Data})
		}
	case sub != nil:
		if isSubscriptionAck(resp.Data) {
			return
		}

		if err := resp.remoteError(sub.method); err != nil {
			s.logger.Warn("subscription error", "id", sub.id, "err", err)

			return
		}

		s.metrics.pushes.WithLabelValues(sub.id).Inc()

		select {
		case s.pushes <- wsPush{sub: sub, data: resp.Data}:
		case <-s.closeCh:
		}
	default:
		s.logger.Debug("message for unknown id dropped", "id", resp.ID)
	}
}

// dispatchLoop runs push handlers one at a time, in arrival order, off the read loop.
func (s *socket) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case p := <-s.pushes:
			p.sub.handler(p.data)
		case <-s.closeCh:
			return
		}
	}
}

func (s *socket) pingLoop(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()

	go func() {
		select {
		case <-stop:
			cancelLoop()
		case <-loopCtx.Done():
		}
	}()

	s.pingTicker.Resume()
	defer s.pingTicker.Pause()

	for {
		select {
		case <-s.pingTicker.Ticks():
			if s.healthCheck == nil || !s.isConnected() {
				continue
			}

			ctx, cancel := context.WithTimeout(loopCtx, s.config.RequestTimeout)
			err := s.healthCheck(ctx)

			cancel()

			if err != nil && loopCtx.Err() == nil {
				s.logger.Warn("health check failed, dropping connection", "err", err)
				s.dropConnection()
			}
		case <-stop:
			return
		}
	}
}

// dropConnection closes the current connection, the supervisor then redials.
func (s *socket) dropConnection() {
	s.lock.Lock()
	conn := s.conn
	s.lock.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}
