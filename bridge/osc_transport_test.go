package bridge

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testOscMessage struct {
	address string
	args    []any
}

func newTestOscSettings() *OscSettings {
	settings := DefaultOscSettings()
	settings.BindHost = "127.0.0.1"
	return settings
}

func startTestOscServer(t *testing.T, ctx context.Context, transport OscTransport) (OscServer, chan *testOscMessage) {
	server, err := NewOscServer(ctx, 0, transport, newTestOscSettings())
	assert.Equal(t, err, nil)
	messages := make(chan *testOscMessage, 64)
	server.AddMessageCallback(func(address string, args []any) {
		messages <- &testOscMessage{
			address: address,
			args:    args,
		}
	})
	err = server.Start(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, server.State(), TransportStateStarted)
	assert.NotEqual(t, server.Port(), 0)
	return server, messages
}

func receiveTestOscMessage(t *testing.T, messages chan *testOscMessage) *testOscMessage {
	select {
	case message := <-messages:
		return message
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
		return nil
	}
}

func TestParseOscTransport(t *testing.T) {
	transport, err := ParseOscTransport("udp")
	assert.Equal(t, err, nil)
	assert.Equal(t, transport, OscTransportUdp)

	transport, err = ParseOscTransport("tcp")
	assert.Equal(t, err, nil)
	assert.Equal(t, transport, OscTransportTcp)

	_, err = ParseOscTransport("sctp")
	assert.Equal(t, errors.Is(err, ErrUnknownTransport), true)

	ctx := context.Background()
	_, err = NewOscServerWithDefaults(ctx, 0, OscTransport("sctp"))
	assert.Equal(t, errors.Is(err, ErrUnknownTransport), true)
	_, err = NewOscClientWithDefaults(ctx, "127.0.0.1", 0, OscTransport("sctp"))
	assert.Equal(t, errors.Is(err, ErrUnknownTransport), true)
}

func TestOscTransportSendReceive(t *testing.T) {
	for _, transport := range []OscTransport{OscTransportUdp, OscTransportTcp} {
		t.Run(string(transport), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, messages := startTestOscServer(t, ctx, transport)
			defer server.Stop()

			client, err := NewOscClient(ctx, "127.0.0.1", server.Port(), transport, newTestOscSettings())
			assert.Equal(t, err, nil)
			assert.Equal(t, client.State(), TransportStateNotStarted)

			// the first send starts the client
			assert.Equal(t, client.Send("/a/b", 1, "x"), true)
			assert.Equal(t, client.State(), TransportStateStarted)

			message := receiveTestOscMessage(t, messages)
			assert.Equal(t, message.address, "/a/b")
			assert.Equal(t, message.args, []any{int32(1), "x"})

			assert.Equal(t, client.Send("/c"), true)
			message = receiveTestOscMessage(t, messages)
			assert.Equal(t, message.address, "/c")
			assert.Equal(t, len(message.args), 0)

			err = client.Stop()
			assert.Equal(t, err, nil)
			assert.Equal(t, client.State(), TransportStateStopped)
		})
	}
}

func TestOscServerRestart(t *testing.T) {
	for _, transport := range []OscTransport{OscTransportUdp, OscTransportTcp} {
		t.Run(string(transport), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, messages := startTestOscServer(t, ctx, transport)

			closeCount := 0
			server.AddCloseCallback(func() {
				closeCount += 1
			})

			// starting again is a no-op
			assert.Equal(t, server.Start(ctx), nil)

			for i := 0; i < 3; i += 1 {
				assert.Equal(t, server.Stop(), nil)
				assert.Equal(t, server.State(), TransportStateStopped)
				assert.Equal(t, closeCount, i+1)
				// stopping again is a no-op
				assert.Equal(t, server.Stop(), nil)
				assert.Equal(t, closeCount, i+1)

				assert.Equal(t, server.Start(ctx), nil)
				assert.Equal(t, server.State(), TransportStateStarted)
			}

			client, err := NewOscClient(ctx, "127.0.0.1", server.Port(), transport, newTestOscSettings())
			assert.Equal(t, err, nil)
			assert.Equal(t, client.Send("/restarted"), true)
			message := receiveTestOscMessage(t, messages)
			assert.Equal(t, message.address, "/restarted")

			client.Stop()
			server.Stop()
		})
	}
}

func TestOscServerPortInUse(t *testing.T) {
	for _, transport := range []OscTransport{OscTransportUdp, OscTransportTcp} {
		t.Run(string(transport), func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, messages := startTestOscServer(t, ctx, transport)
			defer server.Stop()

			second, err := NewOscServer(ctx, server.Port(), transport, newTestOscSettings())
			assert.Equal(t, err, nil)
			errs := make(chan error, 1)
			second.AddErrorCallback(func(err error) {
				errs <- err
			})
			err = second.Start(ctx)
			assert.NotEqual(t, err, nil)
			assert.Equal(t, second.State(), TransportStateStopped)
			select {
			case <-errs:
			default:
				t.Fatal("expected error callback")
			}

			// the first server keeps working
			client, err := NewOscClient(ctx, "127.0.0.1", server.Port(), transport, newTestOscSettings())
			assert.Equal(t, err, nil)
			defer client.Stop()
			assert.Equal(t, client.Send("/still"), true)
			message := receiveTestOscMessage(t, messages)
			assert.Equal(t, message.address, "/still")
		})
	}
}

func TestOscUdpMessageTooLarge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, messages := startTestOscServer(t, ctx, OscTransportUdp)
	defer server.Stop()

	client, err := NewOscClient(ctx, "127.0.0.1", server.Port(), OscTransportUdp, newTestOscSettings())
	assert.Equal(t, err, nil)
	defer client.Stop()

	errs := make(chan error, 4)
	client.AddErrorCallback(func(err error) {
		errs <- err
	})

	assert.Equal(t, client.Send("/blob", make([]byte, 65536)), false)
	select {
	case err := <-errs:
		assert.Equal(t, errors.Is(err, ErrMessageTooLarge), true)
	default:
		t.Fatal("expected error callback")
	}

	// the client is still usable
	assert.Equal(t, client.Send("/small", make([]byte, 1024)), true)
	message := receiveTestOscMessage(t, messages)
	assert.Equal(t, message.address, "/small")
	assert.Equal(t, len(message.args[0].([]byte)), 1024)
}

func TestOscTcpLargeBlob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, messages := startTestOscServer(t, ctx, OscTransportTcp)
	defer server.Stop()

	client, err := NewOscClient(ctx, "127.0.0.1", server.Port(), OscTransportTcp, newTestOscSettings())
	assert.Equal(t, err, nil)
	defer client.Stop()

	blob := make([]byte, 1024*1024)
	for i := range blob {
		blob[i] = byte(i % 253)
	}
	assert.Equal(t, client.Send("/blob", blob), true)
	message := receiveTestOscMessage(t, messages)
	assert.Equal(t, message.address, "/blob")
	assert.Equal(t, bytes.Equal(message.args[0].([]byte), blob), true)
}

func TestOscClientStopOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, messages := startTestOscServer(t, ctx, OscTransportTcp)
	defer server.Stop()

	client, err := NewOscClient(ctx, "127.0.0.1", server.Port(), OscTransportTcp, newTestOscSettings())
	assert.Equal(t, err, nil)

	events := []string{}
	client.AddSendsSettledCallback(func() {
		events = append(events, "settled")
	})
	client.AddCloseCallback(func() {
		events = append(events, "close")
	})

	assert.Equal(t, client.Start(ctx), nil)
	assert.Equal(t, client.Send("/a"), true)
	receiveTestOscMessage(t, messages)

	assert.Equal(t, client.Stop(), nil)
	assert.Equal(t, events, []string{"settled", "close"})

	// a send after stop starts the client again
	assert.Equal(t, client.Send("/b"), true)
	assert.Equal(t, client.State(), TransportStateStarted)
	message := receiveTestOscMessage(t, messages)
	assert.Equal(t, message.address, "/b")

	assert.Equal(t, client.Stop(), nil)
	assert.Equal(t, events, []string{"settled", "close", "settled", "close"})

	// sends after the context is done fail
	errs := make(chan error, 4)
	client.AddErrorCallback(func(err error) {
		errs <- err
	})
	cancel()
	assert.Equal(t, client.Send("/c"), false)
	err = <-errs
	assert.Equal(t, errors.Is(err, ErrTransportStopped), true)
}

func TestOscClientStartError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// bind and release a port so nothing listens on it
	server, _ := startTestOscServer(t, ctx, OscTransportTcp)
	port := server.Port()
	server.Stop()

	client, err := NewOscClient(ctx, "127.0.0.1", port, OscTransportTcp, newTestOscSettings())
	assert.Equal(t, err, nil)
	errs := make(chan error, 1)
	client.AddErrorCallback(func(err error) {
		errs <- err
	})
	assert.NotEqual(t, client.Start(ctx), nil)
	assert.Equal(t, client.State(), TransportStateStopped)
	<-errs
}

func TestOscClientPeerDownThenUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// bind and release a port so nothing listens on it
	server, _ := startTestOscServer(t, ctx, OscTransportTcp)
	port := server.Port()
	server.Stop()

	client, err := NewOscClient(ctx, "127.0.0.1", port, OscTransportTcp, newTestOscSettings())
	assert.Equal(t, err, nil)
	defer client.Stop()
	errs := make(chan error, 4)
	client.AddErrorCallback(func(err error) {
		errs <- err
	})

	assert.Equal(t, client.Send("/down"), false)
	<-errs
	assert.Equal(t, client.State(), TransportStateStopped)

	// the peer comes up on the same port
	settings := newTestOscSettings()
	peer, err := NewOscServer(ctx, port, OscTransportTcp, settings)
	assert.Equal(t, err, nil)
	messages := make(chan *testOscMessage, 4)
	peer.AddMessageCallback(func(address string, args []any) {
		messages <- &testOscMessage{
			address: address,
			args:    args,
		}
	})
	assert.Equal(t, peer.Start(ctx), nil)
	defer peer.Stop()

	assert.Equal(t, client.Send("/up", 1), true)
	assert.Equal(t, client.State(), TransportStateStarted)
	message := receiveTestOscMessage(t, messages)
	assert.Equal(t, message.address, "/up")
	assert.Equal(t, message.args, []any{int32(1)})
}

func TestOscContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	server, _ := startTestOscServer(t, ctx, OscTransportUdp)
	closed := make(chan struct{})
	server.AddCloseCallback(func() {
		close(closed)
	})
	cancel()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	assert.Equal(t, server.State(), TransportStateStopped)
}

func TestReadFrame(t *testing.T) {
	packet := []byte("0123456789")
	frame := writeFrame(packet)
	assert.Equal(t, len(frame), 4+len(packet))

	b, err := readFrame(bytes.NewReader(frame), 1024)
	assert.Equal(t, err, nil)
	assert.Equal(t, b, packet)

	_, err = readFrame(bytes.NewReader(frame), 4)
	assert.Equal(t, errors.Is(err, ErrFrameTooLarge), true)

	_, err = readFrame(bytes.NewReader(frame[:8]), 1024)
	assert.NotEqual(t, err, nil)
}
