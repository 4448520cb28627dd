// Command tscan-monitor inspects ThingSet CAN traffic, live and recorded.
//
// Trace files are created with the -trace flag of tscan-node and
// tscan-shell, or by the watch command here.
//
// Usage:
//
//	tscan-monitor <command> [flags]
//
// Commands:
//
//	watch      Print live frames from a CAN interface
//	dump       Print events from a trace file in human-readable form
//	stats      Show statistics about a trace file
//	discover   Browse for monitors advertised on the local network
//
// Examples:
//
//	# Watch can0 and record a trace
//	tscan-monitor watch -iface can0 -trace bus.tslog
//
//	# View only session-layer events
//	tscan-monitor dump -layer session bus.tslog
//
//	# View one node's outgoing traffic
//	tscan-monitor dump -node 4fa1 -direction out bus.tslog
//
//	# Show statistics
//	tscan-monitor stats bus.tslog
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thingset-protocol/thingset-can-go/cmd/tscan-monitor/commands"
)

const usage = `tscan-monitor - ThingSet CAN Traffic Inspector

Usage:
  tscan-monitor <command> [flags]

Commands:
  watch      Print live frames from a CAN interface
  dump       Print events from a trace file in human-readable form
  stats      Show statistics about a trace file
  discover   Browse for monitors advertised on the local network

Use "tscan-monitor <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "watch":
		runWatch(args)
	case "dump":
		runDump(args)
	case "stats":
		runStats(args)
	case "discover":
		runDiscover(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `tscan-monitor watch - Print live frames from a CAN interface

Usage:
  tscan-monitor watch [flags]

Flags:
`)
		fs.PrintDefaults()
	}

	iface := fs.String("iface", "can0", "CAN interface name")
	trace := fs.String("trace", "", "Record frames to a CBOR trace file")
	advertise := fs.Bool("advertise", false, "Advertise this monitor via mDNS")
	name := fs.String("name", "", "Instance name for the advertisement (default hostname-iface)")
	port := fs.Int("port", 9293, "Port number carried in the advertisement")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	opts := commands.WatchOptions{
		Interface: *iface,
		TraceFile: *trace,
		Advertise: *advertise,
		Name:      *name,
		Port:      *port,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := commands.RunWatch(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDump(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `tscan-monitor dump - Print events from a trace file in human-readable form

Usage:
  tscan-monitor dump [flags] <file.tslog>

Flags:
`)
		fs.PrintDefaults()
	}

	nodeID := fs.String("node", "", "Filter by node ID prefix")
	busName := fs.String("bus", "", "Filter by bus name")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	layer := fs.String("layer", "", "Filter by layer (bus, channel, session)")
	category := fs.String("category", "", "Filter by category (frame, message, state, error)")
	since := fs.String("since", "", "Only events at or after this time (RFC3339)")
	until := fs.String("until", "", "Only events before this time (RFC3339)")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: trace file path required")
		fs.Usage()
		os.Exit(1)
	}

	path := fs.Arg(0)

	opts := commands.DumpOptions{
		NodeID:    *nodeID,
		Bus:       *busName,
		Direction: *direction,
		Layer:     *layer,
		Category:  *category,
		Since:     *since,
		Until:     *until,
	}

	if err := commands.RunDump(path, opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `tscan-monitor stats - Show statistics about a trace file

Usage:
  tscan-monitor stats <file.tslog>

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: trace file path required")
		fs.Usage()
		os.Exit(1)
	}

	path := fs.Arg(0)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDiscover(args []string) {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `tscan-monitor discover - Browse for monitors advertised on the local network

Usage:
  tscan-monitor discover [flags]

Flags:
`)
		fs.PrintDefaults()
	}

	timeout := fs.Duration("timeout", 5*time.Second, "How long to browse before giving up")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := commands.RunDiscover(ctx, *timeout, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
