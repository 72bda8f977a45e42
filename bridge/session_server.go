package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slices"
)

// the session server accepts client sessions over websocket.
// Each open socket counts toward the users limit from the moment it is upgraded.
// A `listen` registers the socket on the address node once, however often it is repeated.
// `Publish` sends a message once to every socket listening at the address or an ancestor of it.

type SessionForwardFunction = func(address string, args []any)

type SessionServerSettings struct {
	// 0 is unlimited
	UsersLimit   int
	WriteTimeout time.Duration
	// largest text or binary frame accepted from a client
	MaxMessageByteCount int64
	CheckOrigin         func(r *http.Request) bool
}

func DefaultSessionServerSettings() *SessionServerSettings {
	return &SessionServerSettings{
		UsersLimit:          40,
		WriteTimeout:        15 * time.Second,
		MaxMessageByteCount: 16 * 1024 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

type serverNodeData struct {
	sessions []*serverSession
}

type SessionServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *SessionServerSettings
	upgrader *websocket.Upgrader

	stateLock sync.Mutex
	sessions  map[Id]*serverSession
	tree      *AddressTree[*serverNodeData]

	messageCallbacks *CallbackList[SessionForwardFunction]
}

func NewSessionServerWithDefaults(ctx context.Context) *SessionServer {
	return NewSessionServer(ctx, DefaultSessionServerSettings())
}

func NewSessionServer(ctx context.Context, settings *SessionServerSettings) *SessionServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &SessionServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     settings.CheckOrigin,
		},
		sessions: map[Id]*serverSession{},
		tree: NewAddressTree(func(address string) *serverNodeData {
			return &serverNodeData{}
		}),
		messageCallbacks: NewCallbackList[SessionForwardFunction](),
	}
	go func() {
		<-cancelCtx.Done()
		server.closeSessions()
	}()
	return server
}

// called for each `message` and `blob` a client sends.
// A blob arrives as one `[]byte` argument.
func (self *SessionServer) AddMessageCallback(messageCallback SessionForwardFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

func (self *SessionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if self.ctx.Err() != nil {
		http.Error(w, "closed", http.StatusServiceUnavailable)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[s]upgrade error = %s\n", err)
		return
	}
	if 0 < self.settings.MaxMessageByteCount {
		ws.SetReadLimit(self.settings.MaxMessageByteCount)
	}

	session := newServerSession(self, newWsSessionConn(ws, self.settings.WriteTimeout))
	self.stateLock.Lock()
	self.sessions[session.id] = session
	self.stateLock.Unlock()
	glog.V(2).Infof("[s]open %s\n", session.id)

	defer self.Forget(session.id)
	session.run()
}

// Forget closes the session and removes it from every address.
func (self *SessionServer) Forget(id Id) {
	self.stateLock.Lock()
	session, ok := self.sessions[id]
	if ok {
		delete(self.sessions, id)
		self.tree.ForEach(RootAddress, func(node *AddressNode[*serverNodeData]) {
			node.Data.sessions = slices.DeleteFunc(node.Data.sessions, func(s *serverSession) bool {
				return s == session
			})
		})
	}
	self.stateLock.Unlock()

	if ok {
		session.close()
		glog.V(2).Infof("[s]forget %s\n", id)
	}
}

// open sockets in connection order, including sockets that have not connected yet
func (self *SessionServer) Sessions() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	ids := make([]Id, 0, len(self.sessions))
	for id := range self.sessions {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a Id, b Id) int {
		switch {
		case a.LessThan(b):
			return -1
		case b.LessThan(a):
			return 1
		default:
			return 0
		}
	})
	return ids
}

func (self *SessionServer) ConnectionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.sessions)
}

// the sessions listening exactly at `address`
func (self *SessionServer) Listeners(address string) []Id {
	if ValidateAddress(address) != nil {
		return []Id{}
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.tree.Has(address) {
		return []Id{}
	}
	ids := []Id{}
	for _, session := range self.tree.Get(address).Data.sessions {
		ids = append(ids, session.id)
	}
	return ids
}

// Publish sends a message to every session listening at `address` or at an ancestor.
// Each session receives the message once. Returns the number of sessions sent to.
func (self *SessionServer) Publish(address string, args []any) (int, error) {
	if err := ValidateAddress(address); err != nil {
		return 0, err
	}
	b, err := EncodeSessionMessage(&SessionMessage{
		Command: SessionCommandMessage,
		Address: address,
		Args:    args,
	})
	if err != nil {
		return 0, err
	}

	sessions := []*serverSession{}
	self.stateLock.Lock()
	self.tree.WalkAncestors(address, func(node *AddressNode[*serverNodeData]) {
		for _, session := range node.Data.sessions {
			if !slices.Contains(sessions, session) {
				sessions = append(sessions, session)
			}
		}
	})
	self.stateLock.Unlock()

	for _, session := range sessions {
		session.write(websocket.TextMessage, b)
	}
	return len(sessions), nil
}

func (self *SessionServer) Close() {
	self.cancel()
	self.closeSessions()
}

func (self *SessionServer) closeSessions() {
	for _, id := range self.Sessions() {
		self.Forget(id)
	}
}

func (self *SessionServer) connect(session *serverSession) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if 0 < self.settings.UsersLimit && self.settings.UsersLimit < len(self.sessions) {
		return ErrServerFull
	}
	return nil
}

func (self *SessionServer) listen(session *serverSession, address string) error {
	if err := ValidateAddress(address); err != nil {
		return err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.sessions[session.id]; !ok {
		return ErrConnectionClosed
	}
	node := self.tree.Get(address)
	if !slices.Contains(node.Data.sessions, session) {
		node.Data.sessions = append(node.Data.sessions, session)
	}
	return nil
}

func (self *SessionServer) forward(address string, args []any) {
	for _, messageCallback := range self.messageCallbacks.Get() {
		HandleError(func() {
			messageCallback(address, args)
		})
	}
}

type serverSession struct {
	server *SessionServer
	id     Id
	conn   SessionConn

	writeLock sync.Mutex

	connected bool
	// address of the announced blob whose binary frame is next
	blobAddress string
	blobErr     error
	blobPending bool

	closeOnce sync.Once
}

func newServerSession(server *SessionServer, conn SessionConn) *serverSession {
	return &serverSession{
		server: server,
		id:     NewId(),
		conn:   conn,
	}
}

func (self *serverSession) close() {
	self.closeOnce.Do(func() {
		self.conn.Close()
	})
}

func (self *serverSession) write(messageType int, b []byte) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	if err := self.conn.WriteMessage(messageType, b); err != nil {
		glog.Infof("[s]%s-> error = %s\n", self.id, err)
		self.close()
		return err
	}
	return nil
}

func (self *serverSession) reply(reply *SessionMessage) error {
	b, err := EncodeSessionMessage(reply)
	if err != nil {
		return err
	}
	return self.write(websocket.TextMessage, b)
}

// reads until the socket closes. Commands are handled in order.
func (self *serverSession) run() {
	for {
		messageType, b, err := self.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Infof("[s]%s<- error = %s\n", self.id, err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			message, err := DecodeSessionMessage(b)
			if err != nil {
				glog.Infof("[s]%s<- bad message = %s\n", self.id, err)
				continue
			}
			if !self.handle(message) {
				return
			}
		case websocket.BinaryMessage:
			self.handleBlob(b)
		}
	}
}

// returns false when the session must end
func (self *serverSession) handle(message *SessionMessage) bool {
	glog.V(2).Infof("[s]%s %s %s<-\n", self.id, message.Command, message.Address)

	if message.Command == SessionCommandConnect {
		if err := self.server.connect(self); err != nil {
			self.reply(NewSessionReply(SessionCommandConnect, err))
			return false
		}
		self.connected = true
		reply := NewSessionReply(SessionCommandConnect, nil)
		reply.UserId = self.id.String()
		return self.reply(reply) == nil
	}

	if !self.connected {
		switch message.Command {
		case SessionCommandMessage:
		case SessionCommandBlob:
			self.announceBlob(message.Address, ErrNotConnected)
		default:
			self.reply(NewSessionReply(message.Command, ErrNotConnected))
		}
		return true
	}

	switch message.Command {
	case SessionCommandListen:
		err := self.server.listen(self, message.Address)
		return self.reply(NewSessionReply(SessionCommandListen, err)) == nil
	case SessionCommandMessage:
		if err := ValidateAddress(message.Address); err != nil {
			glog.Infof("[s]%s message error = %s\n", self.id, err)
			return true
		}
		self.server.forward(message.Address, message.Args)
		return true
	case SessionCommandBlob:
		var err error
		if !IsBlobAddress(message.Address) {
			err = fmt.Errorf("%q: %w", message.Address, ErrInvalidAddress)
		}
		self.announceBlob(message.Address, err)
		return true
	default:
		return true
	}
}

func (self *serverSession) announceBlob(address string, err error) {
	self.blobAddress = address
	self.blobErr = err
	self.blobPending = true
}

func (self *serverSession) handleBlob(blob []byte) {
	if !self.blobPending {
		glog.Infof("[s]%s<- blob without announce (%d)\n", self.id, len(blob))
		return
	}
	address := self.blobAddress
	err := self.blobErr
	self.blobAddress = ""
	self.blobErr = nil
	self.blobPending = false

	if err == nil {
		self.server.forward(address, []any{blob})
	}
	self.reply(NewSessionReply(SessionCommandBlob, err))
}
