package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/bringyour/oscbridge/bridge"
)

const BridgeCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
}

func main() {
	usage := `Bridge control.

The bridge publishes osc messages to websocket sessions
and sends session messages to osc clients.

The default url is ws://localhost:8000/

Usage:
    bridgectl serve [--config=<config>]
        [--http=<http_address>]
        [--osc_port=<port>]
        [--osc_transport=<transport>]
        [--osc_client=<host:port>...]
        [--users_limit=<users_limit>]
    bridgectl listen [--url=<url>] [--reconnect=<reconnect>] [--message_count=<message_count>] <listen_address>...
    bridgectl send [--url=<url>] <address> [<arg>...]
    bridgectl blob [--url=<url>] <address> <file>
    bridgectl osc-send [--osc_transport=<transport>] --host=<host> --port=<port> <address> [<arg>...]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Bridge yaml config file.
    --http=<http_address>                 Websocket listen address, e.g. :8000
    --osc_port=<port>                Osc listen port.
    --osc_transport=<transport>      udp or tcp.
    --osc_client=<host:port>         Osc peer to send session messages to.
    --users_limit=<users_limit>      Maximum open sessions.
    --url=<url>                      Bridge websocket url.
    --reconnect=<reconnect>          Reconnect interval, e.g. 1s. 0 disables reconnect.
    --message_count=<message_count>  Print this many messages then exit.
    --host=<host>                    Osc peer host.
    --port=<port>                    Osc peer port.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], BridgeCtlVersion)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serve_, _ := opts.Bool("serve"); serve_ {
		err = serve(ctx, opts)
	} else if listen_, _ := opts.Bool("listen"); listen_ {
		err = listen(ctx, opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		err = send(ctx, opts)
	} else if blob_, _ := opts.Bool("blob"); blob_ {
		err = blob(ctx, opts)
	} else if oscSend_, _ := opts.Bool("osc-send"); oscSend_ {
		err = oscSend(ctx, opts)
	}
	if err != nil {
		Err.Printf("%s\n", err)
		os.Exit(1)
	}
}

func loadConfig(opts docopt.Opts) (*bridge.BridgeConfig, error) {
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		return bridge.LoadBridgeConfig(configPath)
	}
	return bridge.DefaultBridgeConfig(), nil
}

func serve(ctx context.Context, opts docopt.Opts) error {
	config, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if httpAddress, err := opts.String("--http"); err == nil {
		config.Server.Address = httpAddress
	}
	if oscPort, err := opts.Int("--osc_port"); err == nil {
		config.Osc.Port = oscPort
	}
	if oscTransport, err := opts.String("--osc_transport"); err == nil {
		config.Osc.Transport = oscTransport
	}
	if usersLimit, err := opts.Int("--users_limit"); err == nil {
		config.Server.UsersLimit = usersLimit
	}
	if oscClients, ok := opts["--osc_client"].([]string); ok && 0 < len(oscClients) {
		config.Osc.Clients = []bridge.OscClientConfig{}
		for _, oscClient := range oscClients {
			host, portStr, found := strings.Cut(oscClient, ":")
			if !found {
				return fmt.Errorf("Invalid osc client %q (expected host:port).", oscClient)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("Invalid osc client port %q.", portStr)
			}
			config.Osc.Clients = append(config.Osc.Clients, bridge.OscClientConfig{
				Host: host,
				Port: port,
			})
		}
	}

	settings, err := config.BridgeSettings()
	if err != nil {
		return err
	}

	b, err := bridge.NewBridge(ctx, settings)
	if err != nil {
		return err
	}
	defer b.Close()

	if err := b.Start(ctx); err != nil {
		return err
	}
	Out.Printf("Serving sessions on %s, osc %s on %d.\n", b.HttpAddr(), b.OscServer().Transport(), b.OscServer().Port())

	<-ctx.Done()
	return b.Stop()
}

func newClient(ctx context.Context, opts docopt.Opts) (*bridge.Client, error) {
	config, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if url, err := opts.String("--url"); err == nil {
		config.Client.Url = url
	}
	if reconnect, err := opts.String("--reconnect"); err == nil {
		config.Client.Reconnect = reconnect
	}
	settings, err := config.ClientSettings()
	if err != nil {
		return nil, err
	}
	settings.ProtocolErrorCallback = func(err error) {
		Err.Printf("Protocol error (%s).\n", err)
	}
	return bridge.NewClient(ctx, bridge.NewWsDialSession(config.Client.Url, settings), settings), nil
}

// listen for messages
func listen(ctx context.Context, opts docopt.Opts) error {
	addresses := opts["<listen_address>"].([]string)

	messageCount := -1
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	}

	client, err := newClient(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		return err
	}

	// json lines when piped
	terminal := term.IsTerminal(int(os.Stdout.Fd()))

	received := make(chan struct{}, 1024)
	handler := func(address string, args []any) {
		if terminal {
			Out.Printf("%s %s\n", address, formatArgs(args))
		} else {
			messageJson, _ := json.Marshal(map[string]any{
				"address": address,
				"args":    args,
			})
			Out.Printf("%s\n", messageJson)
		}
		select {
		case received <- struct{}{}:
		default:
		}
	}
	for _, address := range addresses {
		if err := client.Listen(ctx, address, handler); err != nil {
			return err
		}
	}

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		select {
		case <-ctx.Done():
			return nil
		case <-received:
		}
	}
	return nil
}

// send one message
func send(ctx context.Context, opts docopt.Opts) error {
	address, _ := opts.String("<address>")
	args := parseArgs(opts["<arg>"].([]string))

	client, err := newClient(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		return err
	}
	if err := client.Message(address, args...); err != nil {
		return err
	}
	return client.Stop(ctx)
}

// send one file as a blob
func blob(ctx context.Context, opts docopt.Opts) error {
	address, _ := opts.String("<address>")
	path, _ := opts.String("<file>")

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	client, err := newClient(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		return err
	}
	if err := client.Message(address, data); err != nil {
		return err
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 30*time.Second)
	defer waitCancel()
	if err := client.WaitBlobs(waitCtx); err != nil {
		return fmt.Errorf("Blob not acked (%s).", err)
	}
	Out.Printf("Blob acked (%d bytes).\n", len(data))
	return client.Stop(ctx)
}

// send one osc message directly to a peer
func oscSend(ctx context.Context, opts docopt.Opts) error {
	host, _ := opts.String("--host")
	port, err := opts.Int("--port")
	if err != nil {
		return fmt.Errorf("Invalid port (%s).", err)
	}
	transportName := string(bridge.OscTransportUdp)
	if transportName_, err := opts.String("--osc_transport"); err == nil {
		transportName = transportName_
	}
	transport, err := bridge.ParseOscTransport(transportName)
	if err != nil {
		return err
	}
	address, _ := opts.String("<address>")
	if err := bridge.ValidateAddress(address); err != nil {
		return err
	}
	args := parseArgs(opts["<arg>"].([]string))

	client, err := bridge.NewOscClientWithDefaults(ctx, host, port, transport)
	if err != nil {
		return err
	}
	var sendErr error
	client.AddErrorCallback(func(err error) {
		sendErr = err
	})
	if err := client.Start(ctx); err != nil {
		return err
	}
	client.Send(address, args...)
	client.Stop()
	return sendErr
}

// ints, floats and bools are typed. Everything else is a string.
func parseArgs(argStrs []string) []any {
	args := []any{}
	for _, argStr := range argStrs {
		if v, err := strconv.ParseInt(argStr, 10, 64); err == nil {
			args = append(args, v)
		} else if v, err := strconv.ParseFloat(argStr, 64); err == nil {
			args = append(args, v)
		} else if v, err := strconv.ParseBool(argStr); err == nil {
			args = append(args, v)
		} else {
			args = append(args, argStr)
		}
	}
	return args
}

func formatArgs(args []any) string {
	argStrs := []string{}
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			argStrs = append(argStrs, strconv.Quote(v))
		default:
			argStrs = append(argStrs, fmt.Sprintf("%v", v))
		}
	}
	return strings.Join(argStrs, " ")
}
