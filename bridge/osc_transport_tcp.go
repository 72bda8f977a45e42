package bridge

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// tcp frames are `[4 byte big endian length][osc packet]`
const frameHeaderByteCount = 4

type tcpOscServer struct {
	oscServerBase

	listener net.Listener
	runWait  sync.WaitGroup

	connsLock sync.Mutex
	conns     map[net.Conn]bool
	stopping  bool
}

func newTcpOscServer(port int, settings *OscSettings) *tcpOscServer {
	server := &tcpOscServer{}
	server.oscServerBase.init(OscTransportTcp, port, settings)
	return server
}

func (self *tcpOscServer) Start(ctx context.Context) error {
	self.lifecycleLock.Lock()
	defer self.lifecycleLock.Unlock()

	if self.State() == TransportStateStarted {
		return nil
	}
	self.setState(TransportStateStarting)

	listenConfig := &net.ListenConfig{}
	listener, err := listenConfig.Listen(ctx, "tcp", self.bindAddress())
	if err != nil {
		self.setState(TransportStateStopped)
		self.notifyError(err)
		return err
	}
	self.setBoundAddr(listener.Addr())

	self.connsLock.Lock()
	self.conns = map[net.Conn]bool{}
	self.stopping = false
	self.connsLock.Unlock()

	self.stateLock.Lock()
	self.listener = listener
	self.state = TransportStateStarted
	self.stateLock.Unlock()

	self.runWait.Add(1)
	go self.run(listener)
	return nil
}

func (self *tcpOscServer) run(listener net.Listener) {
	defer self.runWait.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			self.notifyError(err)
			continue
		}
		if !self.addConn(conn) {
			conn.Close()
			return
		}
		self.runWait.Add(1)
		go self.handleConn(conn)
	}
}

func (self *tcpOscServer) addConn(conn net.Conn) bool {
	self.connsLock.Lock()
	defer self.connsLock.Unlock()
	if self.stopping {
		return false
	}
	self.conns[conn] = true
	return true
}

func (self *tcpOscServer) removeConn(conn net.Conn) {
	self.connsLock.Lock()
	defer self.connsLock.Unlock()
	delete(self.conns, conn)
}

func (self *tcpOscServer) handleConn(conn net.Conn) {
	defer self.runWait.Done()
	defer func() {
		self.removeConn(conn)
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		packet, err := readFrame(reader, self.settings.MaxFrameByteCount)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			default:
				self.notifyError(err)
			}
			return
		}
		self.receive(packet)
	}
}

func (self *tcpOscServer) Stop() error {
	self.lifecycleLock.Lock()
	defer self.lifecycleLock.Unlock()

	if self.State() != TransportStateStarted {
		return nil
	}
	self.setState(TransportStateStopping)

	self.stateLock.Lock()
	listener := self.listener
	self.listener = nil
	self.stateLock.Unlock()

	err := listener.Close()

	self.connsLock.Lock()
	self.stopping = true
	for conn := range self.conns {
		conn.Close()
	}
	self.connsLock.Unlock()

	self.runWait.Wait()

	self.setState(TransportStateStopped)
	self.notifyClose()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func readFrame(reader io.Reader, maxFrameByteCount int) ([]byte, error) {
	header := make([]byte, frameHeaderByteCount)
	if _, err := io.ReadFull(reader, header); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(header))
	if maxFrameByteCount < n {
		return nil, fmt.Errorf("%d bytes: %w", n, ErrFrameTooLarge)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(reader, frame); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

func writeFrame(packet []byte) []byte {
	b := make([]byte, frameHeaderByteCount+len(packet))
	binary.BigEndian.PutUint32(b[0:frameHeaderByteCount], uint32(len(packet)))
	copy(b[frameHeaderByteCount:], packet)
	return b
}

func newTcpPacketizer() *packetizer {
	return &packetizer{
		packetize: func(packet []byte) ([]byte, error) {
			return writeFrame(packet), nil
		},
		redialOnError: true,
	}
}
