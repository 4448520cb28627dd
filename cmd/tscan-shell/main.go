// Command tscan-shell is an interactive client for ThingSet CAN buses.
//
// The shell joins the bus as its own node, claims an address and
// offers commands to query peers, watch report traffic and publish
// values. A -demo flag starts an in-process peer on a memory loopback
// so the shell can be tried without CAN hardware.
//
// Usage:
//
//	tscan-shell [flags]
//
// Flags:
//
//	-iface string   CAN interface name (default "can0")
//	-address int    Preferred node address 0-253, -1 claims any free address
//	-bus-id uint    Bus number carried in channel frames (default 218)
//	-trace string   Write protocol events to a CBOR trace file
//	-demo           Run against an in-process demo peer instead of hardware
//
// Examples:
//
//	# Join can0 and drop into the shell
//	tscan-shell -iface can0 -address 0x10
//
//	# Try the shell without hardware
//	tscan-shell -demo
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/thingset-protocol/thingset-can-go/cmd/tscan-shell/interactive"
	"github.com/thingset-protocol/thingset-can-go/pkg/bus"
	"github.com/thingset-protocol/thingset-can-go/pkg/bus/socketcan"
	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/isotp"
	tslog "github.com/thingset-protocol/thingset-can-go/pkg/log"
	"github.com/thingset-protocol/thingset-can-go/pkg/node"
)

const claimTimeout = 15 * time.Second

// Demo peer identity, fixed so the examples in the help text work.
const (
	demoPeerAddress canid.Address = 0x42
	demoDataID      uint16        = 0x0201
)

// Config holds the shell configuration.
type Config struct {
	Interface string
	Address   int
	BusID     uint
	TraceFile string
	Demo      bool
}

var config Config

func init() {
	flag.StringVar(&config.Interface, "iface", "can0", "CAN interface name")
	flag.IntVar(&config.Address, "address", -1, "Preferred node address 0-253, -1 claims any free address")
	flag.UintVar(&config.BusID, "bus-id", uint(canid.DefaultBusID), "Bus number carried in channel frames")
	flag.StringVar(&config.TraceFile, "trace", "", "Write protocol events to a CBOR trace file")
	flag.BoolVar(&config.Demo, "demo", false, "Run against an in-process demo peer instead of hardware")
}

func main() {
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)

	log.Println("ThingSet CAN Shell")
	log.Println("==================")

	if err := validateConfig(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		b   bus.Bus
		err error
	)
	if config.Demo {
		config.Interface = "mem"
		mb := bus.NewMemBus()
		peerAddr, perr := startDemoPeer(ctx, mb)
		if perr != nil {
			log.Fatalf("Failed to start demo peer: %v", perr)
		}
		log.Printf("Demo peer on address %s publishing data 0x%04X", peerAddr, demoDataID)
		b = mb.Endpoint()
	} else {
		b, err = socketcan.Open(config.Interface)
		if err != nil {
			log.Fatalf("Failed to open bus: %v", err)
		}
	}
	log.Printf("Interface: %s", config.Interface)

	var protoLogger tslog.Logger = tslog.NoopLogger{}
	closeTrace := func() {}
	if config.TraceFile != "" {
		fl, ferr := tslog.NewFileLogger(config.TraceFile)
		if ferr != nil {
			log.Fatalf("Failed to open trace file: %v", ferr)
		}
		protoLogger = fl
		closeTrace = func() {
			if err := fl.Close(); err != nil {
				log.Printf("Error closing trace file: %v", err)
			}
		}
		log.Printf("Tracing protocol events to %s", config.TraceFile)
	}

	transport := isotp.New(b, isotp.Config{
		Logger:  protoLogger,
		BusName: config.Interface,
	})
	n, err := node.New(node.Config{
		Transport: transport,
		BusID:     uint8(config.BusID),
		BusName:   config.Interface,
		Logger:    protoLogger,
	})
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	shell, err := interactive.New(n)
	if err != nil {
		log.Fatalf("Failed to start shell: %v", err)
	}

	claimCtx, claimCancel := context.WithTimeout(ctx, claimTimeout)
	addr, err := claimAddress(claimCtx, n)
	claimCancel()
	if err != nil {
		log.Printf("Address claim failed: %v (use 'claim' to retry)", err)
	} else {
		log.Printf("Claimed address %s", addr)
	}

	shell.Run(ctx, cancel)

	if err := n.Close(); err != nil {
		log.Printf("Error closing node: %v", err)
	}
	closeTrace()

	log.Println("Goodbye!")
}

func validateConfig() error {
	if config.Interface == "" && !config.Demo {
		return fmt.Errorf("interface must not be empty")
	}
	if config.Address < -1 || config.Address > int(canid.AddrMax) {
		return fmt.Errorf("address must be 0-%d or -1 for any, got %d", canid.AddrMax, config.Address)
	}
	if config.BusID > 0xFF {
		return fmt.Errorf("bus-id must be 0-255, got %d", config.BusID)
	}
	return nil
}

func claimAddress(ctx context.Context, n *node.Node) (canid.Address, error) {
	if config.Address >= 0 {
		return n.Claim(ctx, canid.Address(config.Address))
	}
	return n.ClaimAny(ctx)
}

// startDemoPeer runs a loopback peer that publishes a ramping value
// and echoes request payloads, so the shell has something to talk to.
func startDemoPeer(ctx context.Context, mb *bus.MemBus) (canid.Address, error) {
	transport := isotp.New(mb.Endpoint(), isotp.Config{BusName: "mem"})
	peer, err := node.New(node.Config{
		Transport: transport,
		BusID:     uint8(config.BusID),
		BusName:   "mem",
	})
	if err != nil {
		return 0, err
	}

	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	addr, err := peer.Claim(claimCtx, demoPeerAddress)
	cancel()
	if err != nil {
		_ = peer.Close()
		return 0, err
	}

	peer.OnRequest(func(req node.Request) []byte {
		return req.Payload
	})

	// The publisher only runs on the peer's process goroutine.
	reading := 20.0
	peer.SetPublisher(func() (uint16, []byte, error) {
		reading += 0.25
		payload, err := node.EncodeValue(reading)
		if err != nil {
			return 0, nil, err
		}
		return demoDataID, payload, nil
	})
	if err := peer.EnablePublish(2 * time.Second); err != nil {
		_ = peer.Close()
		return 0, err
	}

	go func() {
		_ = peer.ProcessForever(ctx)
	}()
	go func() {
		<-ctx.Done()
		_ = peer.Close()
	}()

	return addr, nil
}
