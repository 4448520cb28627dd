package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/log"
)

// Stats holds aggregate statistics about a trace file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	FramesByClass     map[canid.Class]int
	MessagesByType    map[log.MessageType]int
	Nodes             map[string]*NodeStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// NodeStats holds statistics for a single node context in the trace.
type NodeStats struct {
	FirstSeen time.Time
	LastSeen  time.Time
	Events    int
	Bus       string
	LastAddr  canid.Address
}

// RunStats analyzes the trace file and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open trace file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		FramesByClass:     make(map[canid.Class]int),
		MessagesByType:    make(map[log.MessageType]int),
		Nodes:             make(map[string]*NodeStats),
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		stats.TotalEvents++
		stats.EventsByLayer[event.Layer]++
		stats.EventsByCategory[event.Category]++
		stats.EventsByDirection[event.Direction]++

		if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = event.Timestamp
		}

		n, ok := stats.Nodes[event.NodeID]
		if !ok {
			n = &NodeStats{
				FirstSeen: event.Timestamp,
				LastSeen:  event.Timestamp,
				LastAddr:  canid.AddrAnonymous,
			}
			stats.Nodes[event.NodeID] = n
		}
		n.Events++
		if event.Timestamp.After(n.LastSeen) {
			n.LastSeen = event.Timestamp
			n.LastAddr = event.Addr
		}
		if event.Bus != "" && n.Bus == "" {
			n.Bus = event.Bus
		}

		if event.Frame != nil {
			stats.FramesByClass[event.Frame.Class]++
		}
		if event.Message != nil {
			stats.MessagesByType[event.Message.Type]++
		}
		if event.Error != nil {
			stats.Errors++
		}
	}

	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== ThingSet CAN Trace Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration: %s\n",
			stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Millisecond))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerBus, log.LayerChannel, log.LayerSession} {
		if c := stats.EventsByLayer[layer]; c > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", layer.String()+":", c)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if c := stats.EventsByDirection[dir]; c > 0 {
			fmt.Fprintf(w, "  %-5s %d\n", dir.String()+":", c)
		}
	}
	fmt.Fprintln(w)

	if len(stats.FramesByClass) > 0 {
		fmt.Fprintln(w, "Frames by Class:")
		classes := make([]canid.Class, 0, len(stats.FramesByClass))
		for c := range stats.FramesByClass {
			classes = append(classes, c)
		}
		sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
		for _, c := range classes {
			fmt.Fprintf(w, "  %-10s %d\n", c.String()+":", stats.FramesByClass[c])
		}
		fmt.Fprintln(w)
	}

	if len(stats.MessagesByType) > 0 {
		fmt.Fprintln(w, "Messages by Type:")
		types := make([]log.MessageType, 0, len(stats.MessagesByType))
		for t := range stats.MessagesByType {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		for _, t := range types {
			fmt.Fprintf(w, "  %-10s %d\n", t.String()+":", stats.MessagesByType[t])
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Nodes: %d\n", len(stats.Nodes))

	ids := make([]string, 0, len(stats.Nodes))
	for id := range stats.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		n := stats.Nodes[id]
		fmt.Fprintf(w, "  [%s]\n", shortenNodeID(id))
		fmt.Fprintf(w, "    Events: %d\n", n.Events)
		if n.Bus != "" {
			fmt.Fprintf(w, "    Bus: %s\n", n.Bus)
		}
		fmt.Fprintf(w, "    Address: %s\n", n.LastAddr)
		fmt.Fprintf(w, "    Active: %s to %s\n",
			n.FirstSeen.Format("15:04:05.000"), n.LastSeen.Format("15:04:05.000"))
	}
}
