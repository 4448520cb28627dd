// Package commands implements the tscan-monitor CLI commands.
package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/google/uuid"

	"github.com/thingset-protocol/thingset-can-go/pkg/bus"
	"github.com/thingset-protocol/thingset-can-go/pkg/bus/socketcan"
	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/log"
)

// Service discovery parameters for monitor advertisements.
const (
	ServiceType = "_tscan._udp"
	Domain      = "local."

	advertiseTTL = 120 // seconds
)

// WatchOptions configures the watch command.
type WatchOptions struct {
	Interface string
	TraceFile string
	Advertise bool
	Name      string
	Port      int
}

// RunWatch opens the CAN interface and streams frames until the
// context is cancelled.
func RunWatch(ctx context.Context, opts WatchOptions, w io.Writer) error {
	b, err := socketcan.Open(opts.Interface)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", opts.Interface, err)
	}

	if opts.Advertise {
		shutdown, err := advertiseMonitor(opts)
		if err != nil {
			_ = b.Close()
			return err
		}
		defer shutdown()
	}

	return Watch(ctx, b, opts, w)
}

// Watch prints every frame received on b until the context is
// cancelled. It takes ownership of the bus and closes it on return.
func Watch(ctx context.Context, b bus.Bus, opts WatchOptions, w io.Writer) error {
	var trace *log.FileLogger
	if opts.TraceFile != "" {
		var err error
		trace, err = log.NewFileLogger(opts.TraceFile)
		if err != nil {
			_ = b.Close()
			return fmt.Errorf("failed to open trace file: %w", err)
		}
		defer trace.Close()
	}

	// One capture run is one node context in the trace.
	runID := uuid.NewString()

	// Receive has no context parameter, so closing the bus is what
	// unblocks it on shutdown.
	go func() {
		<-ctx.Done()
		_ = b.Close()
	}()

	counts := make(map[canid.Class]int)
	total := 0

	for {
		frame, err := b.Receive()
		if err != nil {
			if errors.Is(err, bus.ErrClosed) && ctx.Err() != nil {
				break
			}
			return err
		}

		total++
		ts := time.Now()

		id, err := canid.Decode(frame.ID)
		if err != nil {
			fmt.Fprintf(w, "%s  raw id=0x%08X data=%s\n",
				ts.Format("15:04:05.000"), frame.ID, hex.EncodeToString(frame.Bytes()))
			continue
		}

		counts[id.Class()]++
		fmt.Fprintf(w, "%s  %s data=%s\n",
			ts.Format("15:04:05.000"), id, hex.EncodeToString(frame.Bytes()))

		if trace != nil {
			data := make([]byte, frame.Len)
			copy(data, frame.Bytes())
			trace.Log(log.Event{
				Timestamp: ts,
				NodeID:    runID,
				Direction: log.DirectionIn,
				Layer:     log.LayerBus,
				Category:  log.CategoryFrame,
				Bus:       opts.Interface,
				Frame: &log.FrameEvent{
					RawID:  frame.ID,
					Class:  id.Class(),
					Source: id.Source,
					Target: id.Target,
					Data:   data,
				},
			})
		}
	}

	printWatchSummary(w, total, counts)
	return nil
}

func printWatchSummary(w io.Writer, total int, counts map[canid.Class]int) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%d frame(s)\n", total)

	classes := make([]canid.Class, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	for _, c := range classes {
		fmt.Fprintf(w, "  %-10s %d\n", c.String()+":", counts[c])
	}
}

// advertiseMonitor registers the monitor as a zeroconf service so
// other tools on the network can find it.
func advertiseMonitor(opts WatchOptions) (func(), error) {
	name := opts.Name
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "tscan"
		}
		name = host + "-" + opts.Interface
	}

	txt := []string{"bus=" + opts.Interface, "v=1"}

	server, err := zeroconf.Register(name, ServiceType, Domain, opts.Port, txt, nil,
		zeroconf.TTL(advertiseTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to register monitor service: %w", err)
	}
	return server.Shutdown, nil
}
