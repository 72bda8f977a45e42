package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"
)

// osc transports move addressed messages between the bridge and external peers.
// Datagram (udp) and stream (tcp) transports present the same lifecycle and callbacks:
// - servers bind a port and emit one message callback per datagram or frame
// - clients send to a fixed host and port
// udp sends above the datagram ceiling fail with `ErrMessageTooLarge`.
// tcp frames are length prefixed and may be arbitrarily large.

type OscTransport string

const (
	OscTransportUdp OscTransport = "udp"
	OscTransportTcp OscTransport = "tcp"
)

func ParseOscTransport(transportName string) (OscTransport, error) {
	switch transport := OscTransport(transportName); transport {
	case OscTransportUdp, OscTransportTcp:
		return transport, nil
	default:
		return "", fmt.Errorf("%q: %w", transportName, ErrUnknownTransport)
	}
}

// lifecycle is:
// TransportStateNotStarted
//
//	-> TransportStateStarting
//	  -> TransportStateStarted
//	    -> TransportStateStopping
//	      -> TransportStateStopped
//	  -> TransportStateStopped (start failed)
//
// a stopped endpoint can be started again
type TransportState int

const (
	TransportStateNotStarted TransportState = iota
	TransportStateStarting
	TransportStateStarted
	TransportStateStopping
	TransportStateStopped
)

func (self TransportState) String() string {
	switch self {
	case TransportStateNotStarted:
		return "not_started"
	case TransportStateStarting:
		return "starting"
	case TransportStateStarted:
		return "started"
	case TransportStateStopping:
		return "stopping"
	case TransportStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type OscMessageFunction = func(address string, args []any)
type ErrorFunction = func(err error)
type CloseFunction = func()
type SendsSettledFunction = func()

type OscSettings struct {
	// empty binds all interfaces
	BindHost string
	// largest udp payload that will be sent
	MaxDatagramByteCount int
	// largest tcp frame that will be accepted
	MaxFrameByteCount int
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
}

func DefaultOscSettings() *OscSettings {
	return &OscSettings{
		BindHost: "",
		// 65535 - 8 byte udp header - 20 byte ip header
		MaxDatagramByteCount: 65507,
		MaxFrameByteCount:    16 * 1024 * 1024,
		ConnectTimeout:       5 * time.Second,
		WriteTimeout:         15 * time.Second,
	}
}

type OscEndpoint interface {
	Start(ctx context.Context) error
	Stop() error
	State() TransportState
	Transport() OscTransport
	AddErrorCallback(errorCallback ErrorFunction) func()
	AddCloseCallback(closeCallback CloseFunction) func()
}

type OscServer interface {
	OscEndpoint
	// the bound port once started
	Port() int
	AddMessageCallback(messageCallback OscMessageFunction) func()
}

type OscClient interface {
	OscEndpoint
	Host() string
	Port() int
	// encodes and sends one message. Errors are reported to the error callbacks.
	// A client that is not started, or was stopped, is started by the send.
	Send(address string, args ...any) bool
	// called on stop after in-flight sends finish, before the close callbacks
	AddSendsSettledCallback(sendsSettledCallback SendsSettledFunction) func()
}

func NewOscServerWithDefaults(ctx context.Context, port int, transport OscTransport) (OscServer, error) {
	return NewOscServer(ctx, port, transport, DefaultOscSettings())
}

func NewOscServer(ctx context.Context, port int, transport OscTransport, settings *OscSettings) (OscServer, error) {
	var server OscServer
	switch transport {
	case OscTransportUdp:
		server = newUdpOscServer(port, settings)
	case OscTransportTcp:
		server = newTcpOscServer(port, settings)
	default:
		return nil, fmt.Errorf("%q: %w", transport, ErrUnknownTransport)
	}
	go func() {
		<-ctx.Done()
		server.Stop()
	}()
	return server, nil
}

func NewOscClientWithDefaults(ctx context.Context, host string, port int, transport OscTransport) (OscClient, error) {
	return NewOscClient(ctx, host, port, transport, DefaultOscSettings())
}

func NewOscClient(ctx context.Context, host string, port int, transport OscTransport, settings *OscSettings) (OscClient, error) {
	var client *oscClient
	switch transport {
	case OscTransportUdp:
		client = newOscClient(ctx, host, port, transport, settings, newUdpPacketizer(settings))
	case OscTransportTcp:
		client = newOscClient(ctx, host, port, transport, settings, newTcpPacketizer())
	default:
		return nil, fmt.Errorf("%q: %w", transport, ErrUnknownTransport)
	}
	go func() {
		<-ctx.Done()
		client.Stop()
	}()
	return client, nil
}

// shared state and callbacks of every endpoint
type transportLifecycle struct {
	transport OscTransport

	// serializes start and stop
	lifecycleLock sync.Mutex

	stateLock sync.Mutex
	state     TransportState

	errorCallbacks *CallbackList[ErrorFunction]
	closeCallbacks *CallbackList[CloseFunction]
}

func (self *transportLifecycle) init(transport OscTransport) {
	self.transport = transport
	self.state = TransportStateNotStarted
	self.errorCallbacks = NewCallbackList[ErrorFunction]()
	self.closeCallbacks = NewCallbackList[CloseFunction]()
}

func (self *transportLifecycle) Transport() OscTransport {
	return self.transport
}

func (self *transportLifecycle) State() TransportState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *transportLifecycle) setState(state TransportState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.state = state
}

func (self *transportLifecycle) AddErrorCallback(errorCallback ErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(errorCallback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

func (self *transportLifecycle) AddCloseCallback(closeCallback CloseFunction) func() {
	callbackId := self.closeCallbacks.Add(closeCallback)
	return func() {
		self.closeCallbacks.Remove(callbackId)
	}
}

func (self *transportLifecycle) notifyError(err error) {
	errorCallbacks := self.errorCallbacks.Get()
	if len(errorCallbacks) == 0 {
		glog.Infof("[osc]%s error = %s\n", self.transport, err)
		return
	}
	for _, errorCallback := range errorCallbacks {
		HandleError(func() {
			errorCallback(err)
		})
	}
}

func (self *transportLifecycle) notifyClose() {
	for _, closeCallback := range self.closeCallbacks.Get() {
		HandleError(closeCallback)
	}
}

// shared receive side of the servers
type oscServerBase struct {
	transportLifecycle

	port     int
	settings *OscSettings

	boundPort int

	messageCallbacks *CallbackList[OscMessageFunction]
}

func (self *oscServerBase) init(transport OscTransport, port int, settings *OscSettings) {
	self.transportLifecycle.init(transport)
	self.port = port
	self.settings = settings
	self.messageCallbacks = NewCallbackList[OscMessageFunction]()
}

func (self *oscServerBase) Port() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.boundPort != 0 {
		return self.boundPort
	}
	return self.port
}

func (self *oscServerBase) setBoundAddr(addr net.Addr) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.boundPort = port
}

func (self *oscServerBase) bindAddress() string {
	return net.JoinHostPort(self.settings.BindHost, strconv.Itoa(self.port))
}

func (self *oscServerBase) AddMessageCallback(messageCallback OscMessageFunction) func() {
	callbackId := self.messageCallbacks.Add(messageCallback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

// decodes one datagram or frame and emits its messages
func (self *oscServerBase) receive(packet []byte) {
	messages, err := DecodeOscPacket(packet)
	if err != nil {
		self.notifyError(err)
		return
	}
	for _, message := range messages {
		glog.V(2).Infof("[osc]%s<- %s\n", self.transport, message.Address)
		for _, messageCallback := range self.messageCallbacks.Get() {
			HandleError(func() {
				messageCallback(message.Address, message.Args)
			})
		}
	}
}

// turns an encoded osc packet into the bytes written for one send
type packetizer struct {
	packetize func(packet []byte) ([]byte, error)
	// stream connections are dropped on a write error and dialed again on the next send
	redialOnError bool
}

type oscClient struct {
	transportLifecycle

	ctx      context.Context
	host     string
	port     int
	settings *OscSettings

	packetizer *packetizer

	sendsSettledCallbacks *CallbackList[SendsSettledFunction]

	// guarded by the state lock
	conn  net.Conn
	sends sync.WaitGroup

	sendLock sync.Mutex
}

func newOscClient(
	ctx context.Context,
	host string,
	port int,
	transport OscTransport,
	settings *OscSettings,
	packetizer *packetizer,
) *oscClient {
	client := &oscClient{
		ctx:                   ctx,
		host:                  host,
		port:                  port,
		settings:              settings,
		packetizer:            packetizer,
		sendsSettledCallbacks: NewCallbackList[SendsSettledFunction](),
	}
	client.transportLifecycle.init(transport)
	return client
}

func (self *oscClient) Host() string {
	return self.host
}

func (self *oscClient) Port() int {
	return self.port
}

func (self *oscClient) AddSendsSettledCallback(sendsSettledCallback SendsSettledFunction) func() {
	callbackId := self.sendsSettledCallbacks.Add(sendsSettledCallback)
	return func() {
		self.sendsSettledCallbacks.Remove(callbackId)
	}
}

func (self *oscClient) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: self.settings.ConnectTimeout,
	}
	return dialer.DialContext(ctx, string(self.transport), net.JoinHostPort(self.host, strconv.Itoa(self.port)))
}

func (self *oscClient) Start(ctx context.Context) error {
	self.lifecycleLock.Lock()
	defer self.lifecycleLock.Unlock()

	if self.State() == TransportStateStarted {
		return nil
	}
	self.setState(TransportStateStarting)

	conn, err := self.dial(ctx)
	if err != nil {
		self.setState(TransportStateStopped)
		self.notifyError(err)
		return err
	}

	self.stateLock.Lock()
	self.conn = conn
	self.state = TransportStateStarted
	self.stateLock.Unlock()
	return nil
}

// counts one send as in flight
func (self *oscClient) beginSend() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != TransportStateStarted {
		return false
	}
	self.sends.Add(1)
	return true
}

func (self *oscClient) Send(address string, args ...any) bool {
	if self.ctx.Err() != nil {
		self.notifyError(ErrTransportStopped)
		return false
	}
	switch self.State() {
	case TransportStateNotStarted, TransportStateStopped:
		// the first send starts the client, and a stopped or failed client is started again
		if err := self.Start(self.ctx); err != nil {
			return false
		}
	}

	if !self.beginSend() {
		self.notifyError(ErrTransportStopped)
		return false
	}
	defer self.sends.Done()

	packet, err := EncodeOscMessage(address, args)
	if err != nil {
		self.notifyError(err)
		return false
	}
	b, err := self.packetizer.packetize(packet)
	if err != nil {
		self.notifyError(err)
		return false
	}

	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.stateLock.Lock()
	conn := self.conn
	self.stateLock.Unlock()

	if conn == nil {
		// a previous stream write failed
		conn, err = self.dial(self.ctx)
		if err != nil {
			self.notifyError(err)
			return false
		}
		self.stateLock.Lock()
		self.conn = conn
		self.stateLock.Unlock()
	}

	if 0 < self.settings.WriteTimeout {
		conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	}
	if _, err := conn.Write(b); err != nil {
		if isMessageSizeError(err) {
			err = fmt.Errorf("%d bytes: %w", len(b), ErrMessageTooLarge)
		} else if self.packetizer.redialOnError {
			conn.Close()
			self.stateLock.Lock()
			if self.conn == conn {
				self.conn = nil
			}
			self.stateLock.Unlock()
		}
		self.notifyError(err)
		return false
	}
	glog.V(2).Infof("[osc]%s-> %s\n", self.transport, address)
	return true
}

// finishes in-flight sends, then releases the socket
func (self *oscClient) Stop() error {
	self.lifecycleLock.Lock()
	defer self.lifecycleLock.Unlock()

	if self.State() != TransportStateStarted {
		return nil
	}
	self.setState(TransportStateStopping)

	self.sends.Wait()
	for _, sendsSettledCallback := range self.sendsSettledCallbacks.Get() {
		HandleError(sendsSettledCallback)
	}

	self.stateLock.Lock()
	conn := self.conn
	self.conn = nil
	self.stateLock.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	self.setState(TransportStateStopped)
	self.notifyClose()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
