package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// one osc packet per datagram
type udpOscServer struct {
	oscServerBase

	conn    *net.UDPConn
	runDone chan struct{}
}

func newUdpOscServer(port int, settings *OscSettings) *udpOscServer {
	server := &udpOscServer{}
	server.oscServerBase.init(OscTransportUdp, port, settings)
	return server
}

func (self *udpOscServer) Start(ctx context.Context) error {
	self.lifecycleLock.Lock()
	defer self.lifecycleLock.Unlock()

	if self.State() == TransportStateStarted {
		return nil
	}
	self.setState(TransportStateStarting)

	listenConfig := &net.ListenConfig{}
	packetConn, err := listenConfig.ListenPacket(ctx, "udp", self.bindAddress())
	if err != nil {
		self.setState(TransportStateStopped)
		self.notifyError(err)
		return err
	}
	conn := packetConn.(*net.UDPConn)
	self.setBoundAddr(conn.LocalAddr())

	runDone := make(chan struct{})
	self.stateLock.Lock()
	self.conn = conn
	self.runDone = runDone
	self.state = TransportStateStarted
	self.stateLock.Unlock()

	go self.run(conn, runDone)
	return nil
}

func (self *udpOscServer) run(conn *net.UDPConn, runDone chan struct{}) {
	defer close(runDone)

	buffer := make([]byte, 65536)
	for {
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			self.notifyError(err)
			continue
		}
		packet := make([]byte, n)
		copy(packet, buffer[:n])
		self.receive(packet)
	}
}

func (self *udpOscServer) Stop() error {
	self.lifecycleLock.Lock()
	defer self.lifecycleLock.Unlock()

	if self.State() != TransportStateStarted {
		return nil
	}
	self.setState(TransportStateStopping)

	self.stateLock.Lock()
	conn := self.conn
	runDone := self.runDone
	self.conn = nil
	self.runDone = nil
	self.stateLock.Unlock()

	err := conn.Close()
	<-runDone

	self.setState(TransportStateStopped)
	self.notifyClose()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func newUdpPacketizer(settings *OscSettings) *packetizer {
	return &packetizer{
		packetize: func(packet []byte) ([]byte, error) {
			if settings.MaxDatagramByteCount < len(packet) {
				return nil, fmt.Errorf("%d bytes: %w", len(packet), ErrMessageTooLarge)
			}
			return packet, nil
		},
		redialOnError: false,
	}
}

// the kernel rejects datagrams over the path limit with EMSGSIZE
func isMessageSizeError(err error) bool {
	return errors.Is(err, syscall.EMSGSIZE)
}
