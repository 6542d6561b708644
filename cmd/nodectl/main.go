// Command nodectl talks to a running node through its node manager.
//
//	nodectl [flags] status
//	nodectl [flags] workers
//	nodectl [flags] worker <address>
//	nodectl [flags] stop-worker <address>
//	nodectl [flags] noop
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/najoast/noderoute/api"
	"github.com/najoast/noderoute/config"
	"github.com/najoast/noderoute/core"
	"github.com/najoast/noderoute/network"
	"github.com/najoast/noderoute/nodes"
	"github.com/najoast/noderoute/state"
)

var (
	configFile = flag.String("config", "", "path to config file")
	nodeName   = flag.String("node", "", "node to talk to (default: node.name from config)")
	stateDir   = flag.String("state-dir", "", "state directory (default: node.state_dir from config)")
	timeout    = flag.Duration("timeout", 0, "request timeout (default: client.timeout from config)")
	jsonOutput = flag.Bool("json", false, "print replies as JSON")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(exitUsage)
	}

	if err := run(context.Background(), os.Stdout, flag.Args()); err != nil {
		code, msg := diagnose(err)
		fmt.Fprintf(os.Stderr, "nodectl: %s\n", msg)
		os.Exit(code)
	}
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: nodectl [flags] <command> [args]

commands:
  status                 show node name, uptime and worker count
  workers                list worker addresses
  worker <address>       show statistics of one worker
  stop-worker <address>  stop a worker
  noop                   check that the node answers

flags:
`)
	flag.PrintDefaults()
}

// commands maps each command to its argument count.
var commands = map[string]int{
	"status":      0,
	"workers":     0,
	"worker":      1,
	"stop-worker": 1,
	"noop":        0,
}

func run(ctx context.Context, out io.Writer, args []string) error {
	n, ok := commands[args[0]]
	if !ok {
		return &usageError{msg: fmt.Sprintf("unknown command %q", args[0])}
	}
	if len(args)-1 != n {
		return &usageError{msg: fmt.Sprintf("%s takes %d argument(s)", args[0], n)}
	}

	cfg, err := config.NewLoader().Load(*configFile)
	if err != nil {
		return err
	}
	name := cfg.Node.Name
	if *nodeName != "" {
		name = *nodeName
	}
	dir := cfg.Node.StateDir
	if *stateDir != "" {
		dir = *stateDir
	}
	d := cfg.Client.Timeout
	if *timeout > 0 {
		d = *timeout
	}

	st, err := state.Open(dir)
	if err != nil {
		return err
	}
	desc, err := st.Node(name)
	if err != nil {
		return err
	}

	kind := network.TransportTCP
	if desc.APITransport != nil && desc.APITransport.Kind != "" {
		kind = network.TransportKind(desc.APITransport.Kind)
	}

	node := core.NewNode(core.WithName("nodectl"))
	defer node.Shutdown(context.Background())

	transport, err := network.New(kind, node, network.WithConfig(transportConfig(cfg.Network)))
	if err != nil {
		return err
	}
	defer transport.Close()

	b, err := nodes.Create(node, st, transport, name)
	if err != nil {
		return err
	}
	defer b.Close()
	b.SetTimeout(d)

	return dispatch(ctx, out, b, args)
}

func dispatch(ctx context.Context, out io.Writer, b *nodes.BackgroundNode, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "status":
		status, err := nodes.Ask[nodes.NodeStatus](ctx, b, api.Get("/node"))
		if err != nil {
			return err
		}
		return render(out, status, func(w io.Writer) {
			fmt.Fprintf(w, "node:\t%s\n", status.Name)
			fmt.Fprintf(w, "started:\t%s\n", status.StartedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "uptime:\t%s\n", status.Uptime.Truncate(time.Second))
			fmt.Fprintf(w, "workers:\t%d\n", status.Workers)
		})

	case "workers":
		workers, err := nodes.Ask[[]core.Address](ctx, b, api.Get("/node/workers"))
		if err != nil {
			return err
		}
		return render(out, workers, func(w io.Writer) {
			for _, addr := range workers {
				fmt.Fprintln(w, addr)
			}
		})

	case "worker":
		addr := rest[0]
		ws, err := nodes.Ask[nodes.WorkerStatus](ctx, b, api.Get("/node/workers/"+addr))
		if err != nil {
			return err
		}
		return render(out, ws, func(w io.Writer) {
			fmt.Fprintf(w, "address:\t%s\n", ws.Address)
			fmt.Fprintf(w, "state:\t%s\n", ws.State)
			fmt.Fprintf(w, "processed:\t%d\n", ws.MessagesProcessed)
			fmt.Fprintf(w, "mailbox:\t%d\n", ws.MailboxSize)
			fmt.Fprintf(w, "created:\t%s\n", ws.CreatedAt.Format(time.RFC3339))
			if !ws.LastMessageAt.IsZero() {
				fmt.Fprintf(w, "last message:\t%s\n", ws.LastMessageAt.Format(time.RFC3339))
			}
		})

	case "stop-worker":
		addr := rest[0]
		if err := b.Tell(ctx, api.Delete("/node/workers/"+addr)); err != nil {
			return err
		}
		fmt.Fprintf(out, "stopped %s\n", addr)
		return nil

	case "noop":
		if err := b.Tell(ctx, api.Post("/node/noop")); err != nil {
			return err
		}
		fmt.Fprintf(out, "node %s is up\n", b.NodeName())
		return nil

	default:
		return &usageError{msg: fmt.Sprintf("unknown command %q", cmd)}
	}
}

// render writes v as JSON with -json, or as aligned text otherwise.
func render(out io.Writer, v any, text func(io.Writer)) error {
	if *jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

func transportConfig(cfg config.NetworkConfig) network.Config {
	c := network.DefaultConfig()
	c.DialTimeout = cfg.Timeouts.Dial
	c.WriteTimeout = cfg.Timeouts.Write
	c.MaxFrameSize = cfg.Limits.MaxFrameSize
	return c
}
