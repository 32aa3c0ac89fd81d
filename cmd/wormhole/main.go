// Command wormhole is a minimal demonstration client wiring together the
// rendezvous, wormhole, transit, transfer, and forward packages. It is not
// part of the protocol surface; it exists to exercise the library end to
// end from a terminal.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wormhole-go/config"
	"github.com/opd-ai/wormhole-go/forward"
	"github.com/opd-ai/wormhole-go/transfer"
	"github.com/opd-ai/wormhole-go/transit"
	"github.com/opd-ai/wormhole-go/wormhole"
	"github.com/opd-ai/wormhole-go/wormholecrypto"
)

func sendJSON(ctx context.Context, sess *wormhole.Session, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sess.Send(ctx, body)
}

func receiveJSON(ctx context.Context, sess *wormhole.Session, v any) error {
	body, err := sess.Receive(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		<-sig
		cancel()
	}()

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "receive":
		err = runReceive(ctx, os.Args[2:])
	case "forward-serve":
		err = runForwardServe(ctx, os.Args[2:])
	case "forward-listen":
		err = runForwardListen(ctx, os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "wormhole: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  wormhole send [-appid id] [-rendezvous url] <path>")
	fmt.Println("  wormhole receive [-appid id] [-rendezvous url] [-out dir] <code>")
	fmt.Println("  wormhole forward-serve [-appid id] [-rendezvous url] <target-host:port>")
	fmt.Println("  wormhole forward-listen [-appid id] [-rendezvous url] <code> <local-host:port>")
}

func commonOpts(fs *flag.FlagSet) (appID, rendezvousURL *string, cfg *config.Config) {
	cfg = config.New()
	appID = fs.String("appid", cfg.AppID, "application id namespacing derived keys")
	rendezvousURL = fs.String("rendezvous", cfg.RendezvousURL, "rendezvous server websocket url")
	return
}

// waitForPeer derives a context deadline from cfg.PeerWaitTimeout, if set,
// before calling Ready — the host, not the session, owns that decision
// (spec.md §9 Open Question: "no hard deadline" by default).
func waitForPeer(ctx context.Context, cfg *config.Config, sess *wormhole.Session) error {
	if cfg.PeerWaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.PeerWaitTimeout)
		defer cancel()
	}
	return sess.Ready(ctx)
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	appID, rendezvousURL, cfg := commonOpts(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("send: exactly one path argument required")
	}
	path := fs.Arg(0)

	sess, code, err := wormhole.Create(ctx, wormhole.Options{
		RendezvousURL:        *rendezvousURL,
		AppID:                *appID,
		WebSocketIdleTimeout: cfg.WebSocketIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer sess.Close(context.Background())

	fmt.Printf("wormhole code is: %s\n", code.String())

	if err := waitForPeer(ctx, cfg, sess); err != nil {
		return fmt.Errorf("waiting for peer: %w", err)
	}

	result, err := transfer.Send(ctx, sess, path, transfer.SendOptions{
		OnProgress: func(sent, total int64) {
			logrus.WithFields(logrus.Fields{"sent": sent, "total": total}).Debug("send progress")
		},
	})
	if err != nil {
		return fmt.Errorf("sending: %w", err)
	}
	fmt.Printf("sent %s (%d bytes) via %s\n", result.Name, result.Size, result.ConnectionType)
	return nil
}

func runReceive(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	appID, rendezvousURL, cfg := commonOpts(fs)
	out := fs.String("out", ".", "destination directory")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("receive: exactly one code argument required")
	}
	code, err := wormhole.ParseCode(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("parsing code: %w", err)
	}

	sess, err := wormhole.Connect(ctx, wormhole.Options{
		RendezvousURL:        *rendezvousURL,
		AppID:                *appID,
		WebSocketIdleTimeout: cfg.WebSocketIdleTimeout,
	}, code)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer sess.Close(context.Background())

	if err := waitForPeer(ctx, cfg, sess); err != nil {
		return fmt.Errorf("waiting for peer: %w", err)
	}

	result, err := transfer.Receive(ctx, sess, *out, transfer.ReceiveOptions{
		OnProgress: func(received, total int64) {
			logrus.WithFields(logrus.Fields{"received": received, "total": total}).Debug("receive progress")
		},
	})
	if err != nil {
		return fmt.Errorf("receiving: %w", err)
	}
	fmt.Printf("received %s (%d bytes) via %s, sha256=%x\n", result.Name, result.Size, result.ConnectionType, result.SHA256)
	return nil
}

// establishTransitPipe runs the hint-exchange application phase and dials
// transit, mirroring what the transfer package does internally for a
// non-transfer application (spec.md §4.4 "port-forward application").
func establishTransitPipe(ctx context.Context, sess *wormhole.Session, role transit.Role) (*transit.Pipe, transit.ConnectionType, error) {
	hs := transit.Gather(ctx, transit.GatherOptions{})
	if err := sendJSON(ctx, sess, hs); err != nil {
		return nil, 0, fmt.Errorf("sending transit hints: %w", err)
	}
	var peerHints transit.HintSet
	if err := receiveJSON(ctx, sess, &peerHints); err != nil {
		return nil, 0, fmt.Errorf("awaiting peer transit hints: %w", err)
	}

	senderKey, err := sess.PurposeKey(wormholecrypto.PurposeTransitSender)
	if err != nil {
		return nil, 0, err
	}
	receiverKey, err := sess.PurposeKey(wormholecrypto.PurposeTransitReceiver)
	if err != nil {
		return nil, 0, err
	}
	keys := transit.Keys{Sender: senderKey, Receiver: receiverKey}

	return transit.Dial(ctx, transit.DialOptions{
		Role:        role,
		Keys:        keys,
		DirectHints: peerHints.Direct,
		RelayHints:  peerHints.Relays,
	})
}

func runForwardServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("forward-serve", flag.ExitOnError)
	appID, rendezvousURL, cfg := commonOpts(fs)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("forward-serve: exactly one target-host:port argument required")
	}
	target := fs.Arg(0)

	sess, code, err := wormhole.Create(ctx, wormhole.Options{
		RendezvousURL:        *rendezvousURL,
		AppID:                *appID,
		WebSocketIdleTimeout: cfg.WebSocketIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer sess.Close(context.Background())

	fmt.Printf("wormhole code is: %s\n", code.String())
	fmt.Printf("forwarding accepted streams to %s\n", target)

	if err := waitForPeer(ctx, cfg, sess); err != nil {
		return fmt.Errorf("waiting for peer: %w", err)
	}

	pipe, connType, err := establishTransitPipe(ctx, sess, transit.RoleReceiver)
	if err != nil {
		return fmt.Errorf("establishing transit connection: %w", err)
	}
	defer pipe.Close()
	logrus.WithField("connection_type", connType).Info("transit connection established")

	mx := forward.NewMultiplexer(pipe, func(dialCtx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(dialCtx, "tcp", target)
	})
	return mx.Run(ctx)
}

func runForwardListen(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("forward-listen", flag.ExitOnError)
	appID, rendezvousURL, cfg := commonOpts(fs)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("forward-listen: code and local-host:port arguments required")
	}
	code, err := wormhole.ParseCode(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("parsing code: %w", err)
	}
	localAddr := fs.Arg(1)

	sess, err := wormhole.Connect(ctx, wormhole.Options{
		RendezvousURL:        *rendezvousURL,
		AppID:                *appID,
		WebSocketIdleTimeout: cfg.WebSocketIdleTimeout,
	}, code)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer sess.Close(context.Background())

	if err := waitForPeer(ctx, cfg, sess); err != nil {
		return fmt.Errorf("waiting for peer: %w", err)
	}

	pipe, connType, err := establishTransitPipe(ctx, sess, transit.RoleSender)
	if err != nil {
		return fmt.Errorf("establishing transit connection: %w", err)
	}
	defer pipe.Close()
	logrus.WithField("connection_type", connType).Info("transit connection established")

	mx := forward.NewMultiplexer(pipe, nil)
	go mx.Run(ctx)

	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", localAddr, err)
	}
	defer ln.Close()
	fmt.Printf("accepting local connections on %s\n", localAddr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting local connection: %w", err)
		}
		if _, err := mx.Forward(conn); err != nil {
			logrus.WithError(err).Warn("forwarding local connection")
			conn.Close()
		}
	}
}
