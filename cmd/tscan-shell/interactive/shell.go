// Package interactive provides the command loop for tscan-shell.
package interactive

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/node"
)

const (
	requestTimeout = 5 * time.Second
	claimTimeout   = 15 * time.Second
)

// Shell is the interactive command interface for a bus node.
type Shell struct {
	n  *node.Node
	rl *readline.Instance

	mu      sync.Mutex
	watches map[uint32]string

	pubMu    sync.Mutex
	pubID    uint16
	pubValue any

	// Claiming needs exclusive use of the transport, so the shell
	// owns the process loop and pauses it around claims.
	loopMu   sync.Mutex
	loopStop context.CancelFunc
	loopDone chan struct{}
}

// New creates an interactive shell for the given node.
func New(n *node.Node) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "tscan> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	return &Shell{
		n:       n,
		rl:      rl,
		watches: make(map[uint32]string),
	}, nil
}

// Run starts the command loop and blocks until the user exits or the
// context is cancelled.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.startLoop(ctx)
	defer s.stopLoop()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			s.printHelp()
		case "status", "s":
			s.cmdStatus()
		case "claim", "c":
			s.cmdClaim(ctx, args)
		case "request", "req", "r":
			s.cmdRequest(args)
		case "watch", "w":
			s.cmdWatch(args)
		case "unwatch":
			s.cmdUnwatch(args)
		case "publish", "pub":
			s.cmdPublish(args)
		case "set":
			s.cmdSet(args)
		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
ThingSet Shell Commands:
  Bus:
    claim [addr]            - Claim an address, preferred or any free (c)
    status                  - Show own address, publish state and watches (s)

  Requests:
    request <addr> <value>  - Send a value query to a node (r)

  Reports:
    watch [data-id]         - Print reports, all or one data ID (w)
    unwatch <id|all>        - Remove a watch
    publish <id> <per> <v>  - Publish a value periodically (pub)
    publish off             - Stop publishing
    set <value>             - Change the published value

  General:
    help                    - Show this help (?)
    quit                    - Exit the shell (q)`)
}

// startLoop launches the node's process loop in the background.
func (s *Shell) startLoop(parent context.Context) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.loopStop != nil {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.loopStop = cancel
	s.loopDone = done

	go func() {
		defer close(done)
		if err := s.n.ProcessForever(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(s.rl.Stderr(), "process loop stopped: %v\n", err)
		}
	}()
}

// stopLoop cancels the process loop and waits for it to exit.
func (s *Shell) stopLoop() {
	s.loopMu.Lock()
	stop, done := s.loopStop, s.loopDone
	s.loopStop, s.loopDone = nil, nil
	s.loopMu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}

func (s *Shell) cmdStatus() {
	out := s.rl.Stdout()

	fmt.Fprintf(out, "Node ID:  %s\n", s.n.ID())
	fmt.Fprintf(out, "Address:  %s\n", s.n.Address())

	if s.n.PublishEnabled() {
		s.pubMu.Lock()
		fmt.Fprintf(out, "Publish:  data 0x%04X = %v\n", s.pubID, s.pubValue)
		s.pubMu.Unlock()
	} else {
		fmt.Fprintln(out, "Publish:  off")
	}

	s.mu.Lock()
	ids := make([]uint32, 0, len(s.watches))
	for id := range s.watches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fmt.Fprintf(out, "Watch %d:  %s\n", id, s.watches[id])
	}
	s.mu.Unlock()
}

func (s *Shell) cmdClaim(ctx context.Context, args []string) {
	var preferred canid.Address
	hasPreferred := false
	if len(args) > 0 {
		p, err := parseAddress(args[0])
		if err != nil {
			fmt.Fprintf(s.rl.Stdout(), "Invalid address: %v\n", err)
			return
		}
		preferred = p
		hasPreferred = true
	}

	// Claim drives the transport itself, so pause the process loop
	// for the duration.
	s.stopLoop()
	defer s.startLoop(ctx)

	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	var (
		addr canid.Address
		err  error
	)
	if hasPreferred {
		addr, err = s.n.Claim(claimCtx, preferred)
	} else {
		addr, err = s.n.ClaimAny(claimCtx)
	}
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Claim failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Claimed address %s\n", addr)
}

func (s *Shell) cmdRequest(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: request <addr> <value>")
		fmt.Fprintln(s.rl.Stdout(), "Example: request 0x42 0x0201")
		return
	}

	target, err := parseAddress(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Invalid address: %v\n", err)
		return
	}

	payload, err := node.EncodeValue(parseValue(strings.Join(args[1:], " ")))
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Encode failed: %v\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := s.n.SendRequest(ctx, target, payload)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Request failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Response from %s in %s: %s\n",
		target, time.Since(start).Round(time.Millisecond), renderValue(resp))
}

func (s *Shell) cmdWatch(args []string) {
	if len(args) == 0 {
		id := s.n.SubscribeReports(s.printReport)
		s.mu.Lock()
		s.watches[id] = "all reports"
		s.mu.Unlock()
		fmt.Fprintf(s.rl.Stdout(), "Watch %d: all reports\n", id)
		return
	}

	dataID, err := parseDataID(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Invalid data ID: %v\n", err)
		return
	}
	id := s.n.SubscribeData(dataID, s.printReport)
	s.mu.Lock()
	s.watches[id] = fmt.Sprintf("data 0x%04X", dataID)
	s.mu.Unlock()
	fmt.Fprintf(s.rl.Stdout(), "Watch %d: data 0x%04X\n", id, dataID)
}

// printReport displays an inbound report above the prompt.
func (s *Shell) printReport(r node.Report) {
	fmt.Fprintf(s.rl.Stdout(), "\n[%s] REPORT data=0x%04X src=%s value=%s\n",
		time.Now().Format("15:04:05"), r.DataID, r.Source, renderValue(r.Payload))
	s.rl.Refresh()
}

func (s *Shell) cmdUnwatch(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: unwatch <watch-id|all>")
		return
	}

	if strings.ToLower(args[0]) == "all" {
		s.mu.Lock()
		ids := make([]uint32, 0, len(s.watches))
		for id := range s.watches {
			ids = append(ids, id)
		}
		s.watches = make(map[uint32]string)
		s.mu.Unlock()

		for _, id := range ids {
			_ = s.n.Unsubscribe(id)
		}
		fmt.Fprintf(s.rl.Stdout(), "Removed %d watch(es)\n", len(ids))
		return
	}

	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Invalid watch ID: %v\n", err)
		return
	}

	if err := s.n.Unsubscribe(uint32(id)); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Unwatch failed: %v\n", err)
		return
	}
	s.mu.Lock()
	delete(s.watches, uint32(id))
	s.mu.Unlock()
	fmt.Fprintln(s.rl.Stdout(), "OK")
}

func (s *Shell) cmdPublish(args []string) {
	if len(args) >= 1 && strings.ToLower(args[0]) == "off" {
		s.n.DisablePublish()
		fmt.Fprintln(s.rl.Stdout(), "Publishing disabled")
		return
	}
	if len(args) < 3 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: publish <data-id> <period> <value> | publish off")
		fmt.Fprintln(s.rl.Stdout(), "Example: publish 0x0300 1s 23.5")
		return
	}

	dataID, err := parseDataID(args[0])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Invalid data ID: %v\n", err)
		return
	}
	period, err := time.ParseDuration(args[1])
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Invalid period: %v\n", err)
		return
	}
	value := parseValue(strings.Join(args[2:], " "))

	s.pubMu.Lock()
	s.pubID = dataID
	s.pubValue = value
	s.pubMu.Unlock()

	s.n.SetPublisher(s.publishValue)
	if err := s.n.EnablePublish(period); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Publish failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Publishing data 0x%04X = %v every %s\n", dataID, value, period)
}

func (s *Shell) cmdSet(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.rl.Stdout(), "Usage: set <value>")
		return
	}

	value := parseValue(strings.Join(args, " "))

	s.pubMu.Lock()
	s.pubValue = value
	id := s.pubID
	s.pubMu.Unlock()

	if !s.n.PublishEnabled() {
		fmt.Fprintln(s.rl.Stdout(), "Value stored, but publishing is off (use 'publish' to start)")
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "Data 0x%04X = %v\n", id, value)
}

// publishValue produces the configured value for the periodic report.
func (s *Shell) publishValue() (uint16, []byte, error) {
	s.pubMu.Lock()
	id, v := s.pubID, s.pubValue
	s.pubMu.Unlock()

	payload, err := node.EncodeValue(v)
	if err != nil {
		return 0, nil, err
	}
	return id, payload, nil
}

// parseAddress accepts decimal or 0x-prefixed node addresses.
func parseAddress(s string) (canid.Address, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	if v > uint64(canid.AddrMax) {
		return 0, fmt.Errorf("0x%02X is not an assignable address", v)
	}
	return canid.Address(v), nil
}

func parseDataID(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

// parseValue interprets an argument as int, float, bool or string.
// Integers accept a 0x prefix.
func parseValue(raw string) any {
	if v, err := strconv.ParseInt(raw, 0, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v
	}
	return strings.Trim(raw, "\"'")
}

// renderValue decodes a CBOR payload for display, falling back to hex.
func renderValue(payload []byte) string {
	if len(payload) == 0 {
		return "(empty)"
	}
	v, err := node.DecodeValue(payload)
	if err != nil {
		return "0x" + hex.EncodeToString(payload)
	}
	return fmt.Sprintf("%v", v)
}
