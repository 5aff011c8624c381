package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/creachadair/blobject"
	"github.com/creachadair/blobject/channel/natschan"
	"github.com/creachadair/blobject/internal/config"
	"github.com/creachadair/blobject/peers"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/nats-io/nats.go"
)

var callFlags struct {
	Addr    string        `flag:"addr,Override the peer address"`
	Facet   string        `flag:"facet,Target facet"`
	Context string        `flag:"ctx,Request context as key=value pairs separated by commas"`
	Oneway  bool          `flag:"oneway,Send a oneway request and do not wait for a reply"`
	Timeout time.Duration `flag:"timeout,default=30s,Timeout for the call"`
	Raw     bool          `flag:"raw,Write results without quoting"`
}

var callCmd = &command.C{
	Name:  "call",
	Usage: "<identity> <operation> [params]",
	Help: `Invoke an operation on a remote object.

The identity has the form "category/name" or "name". The params argument is
sent verbatim as the input parameters; use "-" to read standard input, or
"@path" to read a file. The "pack" command can build binary parameters.

By default the result is printed as a quoted string. A user exception is
printed with its type ID, and the command reports an error.`,
	SetFlags: command.Flags(flax.MustBind, &callFlags),
	Run:      runCall,
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 || len(env.Args) > 3 {
		return env.Usagef("wrong number of arguments")
	}
	id, err := blobject.ParseIdentity(env.Args[0])
	if err != nil {
		return err
	}
	var params []byte
	if len(env.Args) == 3 {
		params, err = readParams(env.Args[2])
		if err != nil {
			return err
		}
	}
	reqCtx, err := parseContext(callFlags.Context)
	if err != nil {
		return err
	}

	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	if callFlags.Addr != "" {
		cfg.Listen = callFlags.Addr
	}
	enc, err := cfg.WireEncoding()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if callFlags.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, callFlags.Timeout)
		defer cancel()
	}

	peer, cleanup, err := dialPeer(ctx, cfg, blobject.NewPeer().Logger(log))
	if err != nil {
		return err
	}
	defer cleanup()

	req := &blobject.Request{
		Identity:  id,
		Facet:     callFlags.Facet,
		Operation: env.Args[1],
		Context:   reqCtx,
		Encoding:  enc,
		Params:    params,
	}
	if callFlags.Oneway {
		return peer.InvokeOneway(req)
	}
	res, err := peer.Invoke(ctx, req)
	if err != nil {
		return err
	}
	if !res.ReturnValue {
		ue, err := res.UserException()
		if err != nil {
			return fmt.Errorf("decode user exception: %w", err)
		}
		printResult(ue.Data)
		return ue
	}
	printResult(res.OutParams)
	return nil
}

// dialPeer connects to the configured peer and returns a started clone of
// base. The caller must call the cleanup function when the peer is no longer
// needed.
func dialPeer(ctx context.Context, cfg *config.Config, base *blobject.Peer) (*blobject.Peer, func(), error) {
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("blobject-call"), nats.Timeout(10*time.Second))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		ch, err := natschan.Dial(ctx, nc, cfg.NATS.Subject)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		peer := base.Clone().Start(ch)
		return peer, func() { peer.Stop(); nc.Close() }, nil
	}
	peer, err := peers.Dial(ctx, cfg.Listen, base)
	if err != nil {
		return nil, nil, err
	}
	return peer, func() { peer.Stop() }, nil
}

// parseContext parses a comma-separated list of key=value pairs.
func parseContext(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, errors.New("context entries must have the form key=value")
		}
		out[key] = val
	}
	return out, nil
}

func printResult(data []byte) {
	if callFlags.Raw {
		os.Stdout.Write(data)
	} else {
		fmt.Printf("%q\n", data)
	}
}
