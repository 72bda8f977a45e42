package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// the client keeps one session with the server:
// - `Start` dials, sends `connect` and waits for the server to accept the handshake
// - `Listen` subscribes to an address. A subscription to `/a` receives `/a` and everything under it
// - `Message` sends to an address. Blob addresses queue the blob and send queued blobs one at a time
// - when the connection drops and reconnect is enabled, the client dials again on a fixed interval,
//   then replays its subscriptions and flushes queued blobs
//
// Inbound messages are queued by the connection reader and run in order by one delivery goroutine,
// so the handlers of one client never run concurrently. A handler may call back into its client.

type ClientStatus string

const (
	ClientStatusStarted ClientStatus = "started"
	ClientStatusStopped ClientStatus = "stopped"
)

type MessageHandlerFunction = func(address string, args []any)

type ClientSettings struct {
	// 0 disables reconnect
	ReconnectTimeout time.Duration
	// 0 waits for replies indefinitely
	CommandTimeout time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	// client events, e.g. socket connected
	Debug LogFunction
	// faults reported by the server after the call that caused them returned,
	// e.g. a rejected blob or a failed resubscribe
	ProtocolErrorCallback ErrorFunction
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ReconnectTimeout: 1 * time.Second,
		CommandTimeout:   0,
		DialTimeout:      15 * time.Second,
		WriteTimeout:     15 * time.Second,
		Debug:            LogFn(LogLevelDebug, "client"),
		ProtocolErrorCallback: func(err error) {
			glog.Errorf("[c]protocol error = %s\n", err)
		},
	}
}

type clientNodeData struct {
	handlers []MessageHandlerFunction
	// the current connection has a confirmed listen for this address
	subscribed bool
}

func newClientTree() *AddressTree[*clientNodeData] {
	return NewAddressTree(func(address string) *clientNodeData {
		return &clientNodeData{}
	})
}

// one listen round trip shared by concurrent callers
type pendingListen struct {
	done chan struct{}
	err  error
}

// an inbound message and the handlers matched when it arrived
type delivery struct {
	c        *clientConn
	address  string
	args     []any
	handlers []MessageHandlerFunction
}

type queuedBlob struct {
	address string
	blob    []byte
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	dial     DialSessionFunction
	settings *ClientSettings

	// serializes start and stop
	lifecycleLock sync.Mutex

	stateLock sync.Mutex
	// nil when stopped. After a drop this is the closed connection until a reconnect replaces it.
	conn             *clientConn
	userId           string
	tree             *AddressTree[*clientNodeData]
	pendingListens   map[string]*pendingListen
	reconnectTimeout time.Duration
	reconnectCancel  context.CancelFunc
	blobQueue        []*queuedBlob
	blobLock         bool
	blobWaiters      []chan struct{}

	deliveryLock   sync.Mutex
	deliveries     []*delivery
	deliveryNotify chan struct{}
}

func NewClientWithDefaults(ctx context.Context, url string) *Client {
	settings := DefaultClientSettings()
	return NewClient(ctx, NewWsDialSession(url, settings), settings)
}

func NewClient(ctx context.Context, dial DialSessionFunction, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ctx:              cancelCtx,
		cancel:           cancel,
		dial:             dial,
		settings:         settings,
		tree:             newClientTree(),
		pendingListens:   map[string]*pendingListen{},
		reconnectTimeout: settings.ReconnectTimeout,
		deliveryNotify:   make(chan struct{}, 1),
	}
	go client.runDeliveries()
	go func() {
		<-cancelCtx.Done()
		client.Stop(context.Background())
	}()
	return client
}

func (self *Client) debug(format string, a ...any) {
	if self.settings.Debug != nil {
		self.settings.Debug(format, a...)
	}
}

func (self *Client) protocolError(err error) {
	if self.settings.ProtocolErrorCallback == nil {
		glog.Errorf("[c]protocol error = %s\n", err)
		return
	}
	HandleError(func() {
		self.settings.ProtocolErrorCallback(err)
	})
}

// Start tears down any previous connection and opens a new session with an empty subscription tree.
// It returns when the server accepts or rejects the handshake.
// A rejection is returned as a `*CommandError`.
func (self *Client) Start(ctx context.Context) error {
	self.lifecycleLock.Lock()
	defer self.lifecycleLock.Unlock()

	self.disarmReconnect()
	self.closeConn(ctx)

	self.stateLock.Lock()
	self.tree = newClientTree()
	self.pendingListens = map[string]*pendingListen{}
	reconnectTimeout := self.reconnectTimeout
	self.stateLock.Unlock()

	c, userId, err := self.connect(ctx)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.conn = c
	self.userId = userId
	self.stateLock.Unlock()

	if 0 < reconnectTimeout {
		self.armReconnect(c)
	} else {
		go func() {
			select {
			case <-c.closed:
				self.debug("socket closed")
			case <-self.ctx.Done():
			}
		}()
	}

	self.sendBlobs()
	return nil
}

// Stop disarms reconnect, then closes the connection and waits for it to be released.
func (self *Client) Stop(ctx context.Context) error {
	self.lifecycleLock.Lock()
	defer self.lifecycleLock.Unlock()

	self.disarmReconnect()
	return self.closeConn(ctx)
}

// cancels the client context. The client stops and cannot be started again.
func (self *Client) Close() {
	self.cancel()
}

func (self *Client) closeConn(ctx context.Context) error {
	self.stateLock.Lock()
	c := self.conn
	self.conn = nil
	self.userId = ""
	self.pendingListens = map[string]*pendingListen{}
	self.stateLock.Unlock()

	if c == nil {
		return nil
	}
	c.close()
	select {
	case <-c.runDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dials and runs the handshake on a new connection
func (self *Client) connect(ctx context.Context) (*clientConn, string, error) {
	if err := self.ctx.Err(); err != nil {
		return nil, "", err
	}

	dialCtx := ctx
	if 0 < self.settings.DialTimeout {
		var dialCancel context.CancelFunc
		dialCtx, dialCancel = context.WithTimeout(ctx, self.settings.DialTimeout)
		defer dialCancel()
	}
	sessionConn, err := self.dial(dialCtx)
	if err != nil {
		return nil, "", err
	}
	self.debug("socket connected")

	c := newClientConn(self, sessionConn)
	// the connect wait is registered before the reader starts
	wait, err := c.send(&SessionMessage{Command: SessionCommandConnect}, true)
	go c.run()
	if err != nil {
		c.close()
		return nil, "", err
	}
	reply, err := c.awaitReply(ctx, wait, self.settings.CommandTimeout)
	if err != nil {
		c.close()
		return nil, "", err
	}
	if err := reply.Err(); err != nil {
		c.close()
		return nil, "", err
	}
	return c, reply.UserId, nil
}

func (self *Client) armReconnect(c *clientConn) {
	reconnectCtx, reconnectCancel := context.WithCancel(self.ctx)
	self.stateLock.Lock()
	self.reconnectCancel = reconnectCancel
	self.stateLock.Unlock()
	go self.runReconnect(reconnectCtx, c)
}

func (self *Client) disarmReconnect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.reconnectCancel != nil {
		self.reconnectCancel()
		self.reconnectCancel = nil
	}
}

func (self *Client) currentReconnectTimeout() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.reconnectTimeout
}

// watches the connection and reconnects each time it drops, until disarmed
func (self *Client) runReconnect(ctx context.Context, c *clientConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
		}
		self.debug("socket closed")

		for {
			reconnectTimeout := self.currentReconnectTimeout()
			if reconnectTimeout <= 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-NewReconnect(reconnectTimeout).After():
			}

			self.debug("socket reconnecting")
			next, userId, err := self.connect(ctx)
			if err != nil {
				self.debug("socket failed reconnecting %s", err)
				continue
			}
			if !self.installReconnect(ctx, next, userId) {
				next.close()
				return
			}
			c = next
			break
		}

		self.resubscribe(ctx, c)
		self.sendBlobs()
	}
}

func (self *Client) installReconnect(ctx context.Context, c *clientConn, userId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	// stopped or restarted while connecting
	if ctx.Err() != nil {
		return false
	}
	self.conn = c
	self.userId = userId
	self.pendingListens = map[string]*pendingListen{}
	self.tree.ForEach(RootAddress, func(node *AddressNode[*clientNodeData]) {
		node.Data.subscribed = false
	})
	return true
}

// replays every address with handlers on the new connection
func (self *Client) resubscribe(ctx context.Context, c *clientConn) {
	addresses := []string{}
	self.stateLock.Lock()
	self.tree.ForEach(RootAddress, func(node *AddressNode[*clientNodeData]) {
		if 0 < len(node.Data.handlers) {
			addresses = append(addresses, node.Address())
		}
	})
	self.stateLock.Unlock()

	var g errgroup.Group
	for _, address := range addresses {
		address := address
		g.Go(func() error {
			if err := self.subscribe(ctx, c, address); err != nil {
				self.protocolError(&ResubscribeError{
					Address: address,
					Err:     err,
				})
			}
			return nil
		})
	}
	g.Wait()
}

// Listen registers `handler` for messages at `address` and under it.
// The first registration of an address does one listen round trip with the server.
// Concurrent first registrations share that round trip.
// Later registrations return without a round trip.
// The handler is kept even when the round trip fails and is replayed after a reconnect.
func (self *Client) Listen(ctx context.Context, address string, handler MessageHandlerFunction) error {
	if err := ValidateAddress(address); err != nil {
		return err
	}
	address = NormalizeAddress(address)

	self.stateLock.Lock()
	c := self.conn
	if c == nil {
		self.stateLock.Unlock()
		return ErrNotStarted
	}
	node := self.tree.Get(address)
	node.Data.handlers = append(node.Data.handlers, handler)
	subscribed := node.Data.subscribed
	self.stateLock.Unlock()

	if subscribed {
		return nil
	}
	return self.subscribe(ctx, c, address)
}

func (self *Client) subscribe(ctx context.Context, c *clientConn, address string) error {
	self.stateLock.Lock()
	if c != self.conn {
		self.stateLock.Unlock()
		return ErrConnectionClosed
	}
	node := self.tree.Get(address)
	if node.Data.subscribed {
		self.stateLock.Unlock()
		return nil
	}
	if pending, ok := self.pendingListens[address]; ok {
		self.stateLock.Unlock()
		select {
		case <-pending.done:
			return pending.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	pending := &pendingListen{
		done: make(chan struct{}),
	}
	self.pendingListens[address] = pending
	self.stateLock.Unlock()

	err := func() error {
		wait, err := c.send(&SessionMessage{
			Command: SessionCommandListen,
			Address: address,
		}, true)
		if err != nil {
			return err
		}
		reply, err := c.awaitReply(ctx, wait, self.settings.CommandTimeout)
		if err != nil {
			return err
		}
		return reply.Err()
	}()

	self.stateLock.Lock()
	if self.pendingListens[address] == pending {
		delete(self.pendingListens, address)
	}
	if err == nil && c == self.conn {
		node.Data.subscribed = true
	}
	self.stateLock.Unlock()

	pending.err = err
	close(pending.done)
	return err
}

// Message sends `args` to `address`.
// A blob address takes exactly one `[]byte` argument. The blob is queued and sent in order
// once every earlier blob has been acknowledged. Errors the server reports for a blob go to
// `ProtocolErrorCallback`.
func (self *Client) Message(address string, args ...any) error {
	if err := ValidateAddress(address); err != nil {
		return err
	}

	if IsBlobAddress(address) {
		if len(args) != 1 {
			return fmt.Errorf("%s has %d arguments: %w", address, len(args), ErrBlobArgs)
		}
		blob, ok := args[0].([]byte)
		if !ok {
			return fmt.Errorf("%s argument is %T: %w", address, args[0], ErrBlobArgs)
		}

		self.stateLock.Lock()
		if self.conn == nil {
			self.stateLock.Unlock()
			return ErrNotStarted
		}
		self.blobQueue = append(self.blobQueue, &queuedBlob{
			address: address,
			blob:    blob,
		})
		self.stateLock.Unlock()

		self.sendBlobs()
		return nil
	}

	self.stateLock.Lock()
	c := self.conn
	self.stateLock.Unlock()
	if c == nil {
		return ErrNotStarted
	}
	_, err := c.send(&SessionMessage{
		Command: SessionCommandMessage,
		Address: address,
		Args:    args,
	}, false)
	return err
}

// sends the head of the blob queue unless a blob is already in flight
func (self *Client) sendBlobs() {
	self.stateLock.Lock()
	c := self.conn
	if self.blobLock || len(self.blobQueue) == 0 || c == nil || c.isClosed() {
		self.stateLock.Unlock()
		return
	}
	self.blobLock = true
	queued := self.blobQueue[0]
	self.blobQueue = self.blobQueue[1:]
	self.stateLock.Unlock()

	requeue := func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.blobQueue = append([]*queuedBlob{queued}, self.blobQueue...)
		self.blobLock = false
	}

	wait, err := c.sendBlob(queued.address, queued.blob)
	if err != nil {
		// the connection is gone. The blob goes out after a reconnect.
		requeue()
		self.sendBlobs()
		return
	}

	go func() {
		reply, err := c.awaitReply(self.ctx, wait, self.settings.CommandTimeout)
		switch {
		case err == nil:
			self.releaseBlobLock()
			if err := reply.Err(); err != nil {
				self.protocolError(err)
			}
		case errors.Is(err, ErrConnectionClosed):
			requeue()
		case errors.Is(err, context.Canceled):
			self.releaseBlobLock()
			return
		default:
			self.releaseBlobLock()
			self.protocolError(fmt.Errorf("blob %s: %w", queued.address, err))
		}
		self.sendBlobs()
	}()
}

func (self *Client) releaseBlobLock() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.blobLock = false
	if len(self.blobQueue) == 0 {
		for _, blobWaiter := range self.blobWaiters {
			close(blobWaiter)
		}
		self.blobWaiters = nil
	}
}

// WaitBlobs returns once every queued blob has been acknowledged.
func (self *Client) WaitBlobs(ctx context.Context) error {
	self.stateLock.Lock()
	if !self.blobLock && len(self.blobQueue) == 0 {
		self.stateLock.Unlock()
		return nil
	}
	blobWaiter := make(chan struct{})
	self.blobWaiters = append(self.blobWaiters, blobWaiter)
	self.stateLock.Unlock()

	select {
	case <-blobWaiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// called by the reader of `c`. Never blocks on a handler.
func (self *Client) deliver(c *clientConn, address string, args []any) {
	if ValidateAddress(address) != nil {
		self.protocolError(fmt.Errorf("message %q: %w", address, ErrInvalidAddress))
		return
	}

	handlers := []MessageHandlerFunction{}
	self.stateLock.Lock()
	if c != self.conn {
		self.stateLock.Unlock()
		return
	}
	self.tree.WalkAncestors(address, func(node *AddressNode[*clientNodeData]) {
		handlers = append(handlers, node.Data.handlers...)
	})
	self.stateLock.Unlock()

	if len(handlers) == 0 {
		return
	}

	self.deliveryLock.Lock()
	self.deliveries = append(self.deliveries, &delivery{
		c:        c,
		address:  address,
		args:     args,
		handlers: handlers,
	})
	self.deliveryLock.Unlock()

	select {
	case self.deliveryNotify <- struct{}{}:
	default:
	}
}

// runs queued deliveries in arrival order until the client is closed
func (self *Client) runDeliveries() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.deliveryNotify:
		}

		for {
			self.deliveryLock.Lock()
			if len(self.deliveries) == 0 {
				self.deliveryLock.Unlock()
				break
			}
			d := self.deliveries[0]
			self.deliveries[0] = nil
			self.deliveries = self.deliveries[1:]
			self.deliveryLock.Unlock()

			// messages of a stopped or replaced connection are dropped
			self.stateLock.Lock()
			current := d.c == self.conn
			self.stateLock.Unlock()
			if !current {
				continue
			}

			self.debug("socket message received")
			for _, handler := range d.handlers {
				HandleError(func() {
					handler(d.address, d.args)
				})
			}
		}
	}
}

// `started` when a connection is open and its handshake was accepted
func (self *Client) Status() ClientStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.conn != nil && !self.conn.isClosed() {
		return ClientStatusStarted
	}
	return ClientStatusStopped
}

// the id assigned by the server to the current session, or empty
func (self *Client) UserId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.conn == nil || self.conn.isClosed() {
		return ""
	}
	return self.userId
}

// applies to the next wait. 0 stops reconnecting.
func (self *Client) SetReconnectTimeout(reconnectTimeout time.Duration) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.reconnectTimeout = reconnectTimeout
}

// a reply wait for one command. Replies are matched to waits by command name in send order.
type commandWait struct {
	command SessionCommand
	reply   chan *SessionMessage
}

type clientConn struct {
	client *Client
	conn   SessionConn

	// guards writes and wait registration, so replies match waits in send order
	writeLock sync.Mutex

	waitsLock sync.Mutex
	waits     map[SessionCommand][]*commandWait

	closeOnce sync.Once
	closed    chan struct{}
	runDone   chan struct{}
}

func newClientConn(client *Client, conn SessionConn) *clientConn {
	return &clientConn{
		client:  client,
		conn:    conn,
		waits:   map[SessionCommand][]*commandWait{},
		closed:  make(chan struct{}),
		runDone: make(chan struct{}),
	}
}

func (self *clientConn) isClosed() bool {
	select {
	case <-self.closed:
		return true
	default:
		return false
	}
}

func (self *clientConn) close() {
	self.closeOnce.Do(func() {
		close(self.closed)
		self.conn.Close()
	})
}

func (self *clientConn) addWait(command SessionCommand) *commandWait {
	wait := &commandWait{
		command: command,
		reply:   make(chan *SessionMessage, 1),
	}
	self.waitsLock.Lock()
	defer self.waitsLock.Unlock()
	self.waits[command] = append(self.waits[command], wait)
	return wait
}

func (self *clientConn) removeWait(wait *commandWait) {
	self.waitsLock.Lock()
	defer self.waitsLock.Unlock()
	waits := self.waits[wait.command]
	for i, w := range waits {
		if w == wait {
			self.waits[wait.command] = append(waits[:i:i], waits[i+1:]...)
			return
		}
	}
}

// the oldest wait for the command
func (self *clientConn) popWait(command SessionCommand) *commandWait {
	self.waitsLock.Lock()
	defer self.waitsLock.Unlock()
	waits := self.waits[command]
	if len(waits) == 0 {
		return nil
	}
	wait := waits[0]
	self.waits[command] = waits[1:]
	return wait
}

func (self *clientConn) writeMessage(message *SessionMessage) error {
	b, err := EncodeSessionMessage(message)
	if err != nil {
		return err
	}
	if err := self.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		self.close()
		return fmt.Errorf("%s: %w", err, ErrConnectionClosed)
	}
	return nil
}

func (self *clientConn) send(message *SessionMessage, awaitReply bool) (*commandWait, error) {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	if self.isClosed() {
		return nil, ErrConnectionClosed
	}

	var wait *commandWait
	if awaitReply {
		wait = self.addWait(message.Command)
	}
	if err := self.writeMessage(message); err != nil {
		if wait != nil {
			self.removeWait(wait)
		}
		return nil, err
	}
	glog.V(2).Infof("[c]%s %s->\n", message.Command, message.Address)
	return wait, nil
}

// the announce and the payload are written back to back
func (self *clientConn) sendBlob(address string, blob []byte) (*commandWait, error) {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	if self.isClosed() {
		return nil, ErrConnectionClosed
	}

	wait := self.addWait(SessionCommandBlob)
	err := self.writeMessage(&SessionMessage{
		Command: SessionCommandBlob,
		Address: address,
	})
	if err == nil {
		if err = self.conn.WriteMessage(websocket.BinaryMessage, blob); err != nil {
			self.close()
			err = fmt.Errorf("%s: %w", err, ErrConnectionClosed)
		}
	}
	if err != nil {
		self.removeWait(wait)
		return nil, err
	}
	glog.V(2).Infof("[c]blob %s (%d)->\n", address, len(blob))
	return wait, nil
}

// A wait that is abandoned stays in the queue so its reply is consumed and dropped.
func (self *clientConn) awaitReply(ctx context.Context, wait *commandWait, timeout time.Duration) (*SessionMessage, error) {
	var timeoutC <-chan time.Time
	if 0 < timeout {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	select {
	case reply := <-wait.reply:
		return reply, nil
	case <-self.closed:
		// a reply may have been dispatched just before close
		select {
		case reply := <-wait.reply:
			return reply, nil
		default:
			return nil, ErrConnectionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeoutC:
		return nil, fmt.Errorf("%s: %w", wait.command, ErrCommandTimeout)
	}
}

func (self *clientConn) run() {
	defer close(self.runDone)
	defer self.close()

	for {
		messageType, b, err := self.conn.ReadMessage()
		if err != nil {
			if !self.isClosed() {
				glog.Infof("[c]<- error = %s\n", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			message, err := DecodeSessionMessage(b)
			if err != nil {
				self.client.protocolError(err)
				continue
			}
			self.dispatch(message)
		default:
			glog.V(2).Infof("[c]other=%d <-\n", messageType)
		}
	}
}

func (self *clientConn) dispatch(message *SessionMessage) {
	if message.Command == SessionCommandMessage {
		self.client.deliver(self, message.Address, message.Args)
		return
	}
	wait := self.popWait(message.Command)
	if wait == nil {
		self.client.protocolError(fmt.Errorf("unexpected %s reply", message.Command))
		return
	}
	wait.reply <- message
}
