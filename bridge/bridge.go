package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the bridge joins osc peers and websocket sessions:
// - osc messages received on the osc port are published to the sessions listening at their address
// - `message` and `blob` commands from sessions are sent to every configured osc client

type OscPeer struct {
	Host      string
	Port      int
	Transport OscTransport
}

type BridgeSettings struct {
	// websocket listen address, e.g. `:8000`
	HttpAddress string
	// path the session server is mounted at
	HttpPath string

	OscPort      int
	OscTransport OscTransport
	OscClients   []*OscPeer

	OscSettings           *OscSettings
	SessionServerSettings *SessionServerSettings
}

func DefaultBridgeSettings() *BridgeSettings {
	return &BridgeSettings{
		HttpAddress:           ":8000",
		HttpPath:              "/",
		OscPort:               9000,
		OscTransport:          OscTransportUdp,
		OscClients:            []*OscPeer{},
		OscSettings:           DefaultOscSettings(),
		SessionServerSettings: DefaultSessionServerSettings(),
	}
}

type Bridge struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *BridgeSettings

	sessionServer *SessionServer
	oscServer     OscServer
	oscClients    []OscClient

	stateLock  sync.Mutex
	httpServer *http.Server
	httpAddr   net.Addr
	serveDone  chan struct{}
}

func NewBridgeWithDefaults(ctx context.Context) (*Bridge, error) {
	return NewBridge(ctx, DefaultBridgeSettings())
}

func NewBridge(ctx context.Context, settings *BridgeSettings) (*Bridge, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	oscServer, err := NewOscServer(cancelCtx, settings.OscPort, settings.OscTransport, settings.OscSettings)
	if err != nil {
		cancel()
		return nil, err
	}
	oscClients := []OscClient{}
	for _, peer := range settings.OscClients {
		oscClient, err := NewOscClient(cancelCtx, peer.Host, peer.Port, peer.Transport, settings.OscSettings)
		if err != nil {
			cancel()
			return nil, err
		}
		oscClients = append(oscClients, oscClient)
	}

	bridge := &Bridge{
		ctx:           cancelCtx,
		cancel:        cancel,
		settings:      settings,
		sessionServer: NewSessionServer(cancelCtx, settings.SessionServerSettings),
		oscServer:     oscServer,
		oscClients:    oscClients,
	}

	oscServer.AddMessageCallback(bridge.oscReceived)
	oscServer.AddErrorCallback(func(err error) {
		glog.Infof("[b]osc server error = %s\n", err)
	})
	for _, oscClient := range oscClients {
		oscClient := oscClient
		oscClient.AddErrorCallback(func(err error) {
			glog.Infof("[b]osc client %s:%d error = %s\n", oscClient.Host(), oscClient.Port(), err)
		})
	}
	bridge.sessionServer.AddMessageCallback(bridge.sessionReceived)

	return bridge, nil
}

func (self *Bridge) SessionServer() *SessionServer {
	return self.sessionServer
}

func (self *Bridge) OscServer() OscServer {
	return self.oscServer
}

// the bound websocket address once started
func (self *Bridge) HttpAddr() net.Addr {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.httpAddr
}

func (self *Bridge) oscReceived(address string, args []any) {
	if err := ValidateAddress(address); err != nil {
		glog.Infof("[b]osc drop = %s\n", err)
		return
	}
	n, err := self.sessionServer.Publish(address, args)
	if err != nil {
		glog.Infof("[b]publish %s error = %s\n", address, err)
		return
	}
	glog.V(2).Infof("[b]publish %s (%d)\n", address, n)
}

func (self *Bridge) sessionReceived(address string, args []any) {
	for _, oscClient := range self.oscClients {
		oscClient.Send(address, args...)
	}
}

// Start binds the osc server and the websocket listener.
// Osc clients connect on their first send, also after a restart.
func (self *Bridge) Start(ctx context.Context) (returnErr error) {
	Trace(fmt.Sprintf("[b]start %s", self.settings.HttpAddress), func() {
		returnErr = self.start(ctx)
	})
	return
}

func (self *Bridge) start(ctx context.Context) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.httpServer != nil {
		return nil
	}
	if err := self.ctx.Err(); err != nil {
		return err
	}

	if err := self.oscServer.Start(ctx); err != nil {
		return err
	}

	listenConfig := &net.ListenConfig{}
	listener, err := listenConfig.Listen(ctx, "tcp", self.settings.HttpAddress)
	if err != nil {
		self.oscServer.Stop()
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(self.settings.HttpPath, self.sessionServer)
	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return self.ctx
		},
	}
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			glog.Infof("[b]serve error = %s\n", err)
		}
	}()

	self.httpServer = httpServer
	self.httpAddr = listener.Addr()
	self.serveDone = serveDone
	glog.Infof("[b]sessions on %s%s, osc %s on %d\n", self.httpAddr, self.settings.HttpPath, self.oscServer.Transport(), self.oscServer.Port())
	return nil
}

// Stop closes every session, then the listeners, then the osc clients.
func (self *Bridge) Stop() error {
	self.stateLock.Lock()
	httpServer := self.httpServer
	serveDone := self.serveDone
	self.httpServer = nil
	self.httpAddr = nil
	self.serveDone = nil
	self.stateLock.Unlock()

	if httpServer == nil {
		return nil
	}

	self.sessionServer.closeSessions()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	<-serveDone

	if err := self.oscServer.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("osc server: %w", err))
	}
	for _, oscClient := range self.oscClients {
		if err := oscClient.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("osc client: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the bridge and releases its context. The bridge cannot be started again.
func (self *Bridge) Close() {
	self.Stop()
	self.cancel()
}
