// Command tscan-node runs a ThingSet node on a CAN bus.
//
// The node claims an address via the network management protocol,
// answers value requests from peers and periodically publishes one
// data item as report frames. A memory loopback bus is available for
// trying the daemon without CAN hardware, typically combined with
// -trace to produce a log file for tscan-monitor.
//
// Usage:
//
//	tscan-node [flags]
//
// Flags:
//
//	-iface string      CAN interface, or "mem" for a memory loopback (default "can0")
//	-config string     YAML configuration file path
//	-address int       Preferred node address 0-253, -1 claims any free address
//	-bus-id uint       Bus number carried in channel frames (default 218)
//	-data-id uint      Data object ID published as reports (default 257)
//	-period duration   Report publication period, 0 disables publishing (default 1s)
//	-trace string      Write protocol events to a CBOR trace file
//	-log-level string  Log level: debug, info, warn, error (default "info")
//	-simulate          Enable simulation mode with synthetic sensor data
//
// Examples:
//
//	# Join can0 and publish data item 0x0101 once per second
//	tscan-node -iface can0 -address 0x20
//
//	# Generate a trace file on the memory loopback
//	tscan-node -iface mem -trace node.tslog -period 500ms
//
//	# Run from a config file
//	tscan-node -config /etc/tscan/node.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/thingset-protocol/thingset-can-go/pkg/bus"
	"github.com/thingset-protocol/thingset-can-go/pkg/bus/socketcan"
	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/isotp"
	tslog "github.com/thingset-protocol/thingset-can-go/pkg/log"
	"github.com/thingset-protocol/thingset-can-go/pkg/node"
	"gopkg.in/yaml.v3"
)

// claimTimeout bounds how long startup waits for an address.
const claimTimeout = 30 * time.Second

// Config holds the node configuration.
type Config struct {
	Interface  string
	ConfigFile string
	Address    int
	BusID      uint
	DataID     uint
	Period     time.Duration
	TraceFile  string
	LogLevel   string
	Simulate   bool
}

// fileConfig mirrors Config for YAML parsing. Pointer fields
// distinguish absent keys from zero values; the period is a string so
// "500ms" style values work.
type fileConfig struct {
	Interface *string `yaml:"interface"`
	Address   *int    `yaml:"address"`
	BusID     *uint   `yaml:"bus_id"`
	DataID    *uint   `yaml:"data_id"`
	Period    *string `yaml:"period"`
	TraceFile *string `yaml:"trace_file"`
	LogLevel  *string `yaml:"log_level"`
	Simulate  *bool   `yaml:"simulate"`
}

var config Config

func init() {
	flag.StringVar(&config.Interface, "iface", "can0", "CAN interface, or \"mem\" for a memory loopback")
	flag.StringVar(&config.ConfigFile, "config", "", "YAML configuration file path")
	flag.IntVar(&config.Address, "address", -1, "Preferred node address 0-253, -1 claims any free address")
	flag.UintVar(&config.BusID, "bus-id", uint(canid.DefaultBusID), "Bus number carried in channel frames")
	flag.UintVar(&config.DataID, "data-id", 0x0101, "Data object ID published as reports")
	flag.DurationVar(&config.Period, "period", time.Second, "Report publication period, 0 disables publishing")
	flag.StringVar(&config.TraceFile, "trace", "", "Write protocol events to a CBOR trace file")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.BoolVar(&config.Simulate, "simulate", true, "Enable simulation mode with synthetic sensor data")
}

func main() {
	flag.Parse()

	if config.ConfigFile != "" {
		if err := loadConfigFile(config.ConfigFile); err != nil {
			log.Fatalf("Invalid config file: %v", err)
		}
	}

	setupLogging(config.LogLevel)

	log.Println("ThingSet CAN Node")
	log.Println("=================")
	log.Printf("Interface: %s", config.Interface)
	log.Printf("Bus ID: 0x%02X", config.BusID)
	if config.Address >= 0 {
		log.Printf("Preferred address: 0x%02X", config.Address)
	}

	if err := validateConfig(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	b, err := openBus(config.Interface)
	if err != nil {
		log.Fatalf("Failed to open bus: %v", err)
	}

	protoLogger, closeLogger, err := buildLogger()
	if err != nil {
		log.Fatalf("Failed to set up trace logging: %v", err)
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

	store := newValueStore(uint16(config.DataID))
	n.OnRequest(store.handleRequest)
	n.SetPublisher(store.publish)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	claimCtx, claimCancel := context.WithTimeout(ctx, claimTimeout)
	addr, err := claim(claimCtx, n)
	claimCancel()
	if err != nil {
		log.Fatalf("Address claim failed: %v", err)
	}
	log.Printf("Claimed address %s", addr)

	if config.Period > 0 {
		if err := n.EnablePublish(config.Period); err != nil {
			log.Fatalf("Failed to enable publishing: %v", err)
		}
		log.Printf("Publishing data 0x%04X every %s", config.DataID, config.Period)
	}

	go func() {
		if err := n.ProcessForever(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Process loop stopped: %v", err)
		}
	}()

	if config.Simulate {
		go runSimulation(ctx, store)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Printf("Received signal: %v", sig)
	log.Println("Shutting down...")

	cancel()
	if err := n.Close(); err != nil {
		log.Printf("Error closing node: %v", err)
	}
	closeLogger()

	log.Println("Goodbye!")
}

func setupLogging(level string) {
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	switch level {
	case "debug":
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
	case "warn", "error":
		log.SetFlags(log.Ltime)
	}
}

func validateConfig() error {
	if config.Interface == "" {
		return fmt.Errorf("interface must not be empty")
	}
	if config.Address < -1 || config.Address > int(canid.AddrMax) {
		return fmt.Errorf("address must be 0-%d or -1 for any, got %d", canid.AddrMax, config.Address)
	}
	if config.BusID > 0xFF {
		return fmt.Errorf("bus-id must be 0-255, got %d", config.BusID)
	}
	if config.DataID > 0xFFFF {
		return fmt.Errorf("data-id must be 0-65535, got %d", config.DataID)
	}
	if config.Period < 0 {
		return fmt.Errorf("period must not be negative, got %s", config.Period)
	}
	switch config.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", config.LogLevel)
	}
	return nil
}

// loadConfigFile merges settings from a YAML file into config. Flags
// given on the command line keep precedence over file values.
func loadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if file.Interface != nil && !set["iface"] {
		config.Interface = *file.Interface
	}
	if file.Address != nil && !set["address"] {
		config.Address = *file.Address
	}
	if file.BusID != nil && !set["bus-id"] {
		config.BusID = *file.BusID
	}
	if file.DataID != nil && !set["data-id"] {
		config.DataID = *file.DataID
	}
	if file.Period != nil && !set["period"] {
		period, err := time.ParseDuration(*file.Period)
		if err != nil {
			return fmt.Errorf("parsing period: %w", err)
		}
		config.Period = period
	}
	if file.TraceFile != nil && !set["trace"] {
		config.TraceFile = *file.TraceFile
	}
	if file.LogLevel != nil && !set["log-level"] {
		config.LogLevel = *file.LogLevel
	}
	if file.Simulate != nil && !set["simulate"] {
		config.Simulate = *file.Simulate
	}
	return nil
}

// openBus opens the configured CAN attachment. The name "mem" selects
// an in-process loopback so the daemon can run without hardware.
func openBus(name string) (bus.Bus, error) {
	if name == "mem" {
		return bus.NewMemBus().Endpoint(), nil
	}
	return socketcan.Open(name)
}

// buildLogger assembles the protocol event logger: a CBOR trace file
// when -trace is set, plus console output at debug level.
func buildLogger() (tslog.Logger, func(), error) {
	var loggers []tslog.Logger
	closer := func() {}

	if config.TraceFile != "" {
		fl, err := tslog.NewFileLogger(config.TraceFile)
		if err != nil {
			return nil, nil, err
		}
		loggers = append(loggers, fl)
		closer = func() {
			if err := fl.Close(); err != nil {
				log.Printf("Error closing trace file: %v", err)
			}
		}
		log.Printf("Tracing protocol events to %s", config.TraceFile)
	}
	if config.LogLevel == "debug" {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
		loggers = append(loggers, tslog.NewSlogAdapter(slog.New(handler)))
	}

	switch len(loggers) {
	case 0:
		return tslog.NoopLogger{}, closer, nil
	case 1:
		return loggers[0], closer, nil
	default:
		return tslog.NewMultiLogger(loggers...), closer, nil
	}
}

// claim acquires the configured address, or any free one.
func claim(ctx context.Context, n *node.Node) (canid.Address, error) {
	if config.Address >= 0 {
		return n.Claim(ctx, canid.Address(config.Address))
	}
	return n.ClaimAny(ctx)
}

// valueStore holds the data items the node serves and publishes.
type valueStore struct {
	mu     sync.Mutex
	pubID  uint16
	values map[uint16]any
}

func newValueStore(pubID uint16) *valueStore {
	return &valueStore{
		pubID:  pubID,
		values: map[uint16]any{pubID: 0.0},
	}
}

func (s *valueStore) set(id uint16, v any) {
	s.mu.Lock()
	s.values[id] = v
	s.mu.Unlock()
}

func (s *valueStore) get(id uint16) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[id]
	return v, ok
}

// handleRequest serves value queries. The request payload is a CBOR
// data object ID; the response is the CBOR value, or null when the ID
// is unknown.
func (s *valueStore) handleRequest(req node.Request) []byte {
	id, err := decodeDataID(req.Payload)
	if err != nil {
		log.Printf("[REQ] from %s: %v", req.Source, err)
		return nil
	}

	v, ok := s.get(id)
	if ok {
		log.Printf("[REQ] from %s: data 0x%04X = %v", req.Source, id, v)
	} else {
		log.Printf("[REQ] from %s: data 0x%04X unknown", req.Source, id)
	}

	resp, err := node.EncodeValue(v)
	if err != nil {
		log.Printf("[REQ] encode response: %v", err)
		return nil
	}
	return resp
}

// decodeDataID interprets a request payload as a CBOR data object ID.
func decodeDataID(payload []byte) (uint16, error) {
	v, err := node.DecodeValue(payload)
	if err != nil {
		return 0, fmt.Errorf("bad request payload: %w", err)
	}
	switch id := v.(type) {
	case uint64:
		if id > 0xFFFF {
			return 0, fmt.Errorf("data ID %d out of range", id)
		}
		return uint16(id), nil
	case int64:
		if id < 0 || id > 0xFFFF {
			return 0, fmt.Errorf("data ID %d out of range", id)
		}
		return uint16(id), nil
	default:
		return 0, fmt.Errorf("request payload is %T, want data ID", v)
	}
}

// publish returns the current value of the published data item.
func (s *valueStore) publish() (uint16, []byte, error) {
	s.mu.Lock()
	id := s.pubID
	v := s.values[id]
	s.mu.Unlock()

	payload, err := node.EncodeValue(v)
	if err != nil {
		return 0, nil, err
	}
	return id, payload, nil
}

func runSimulation(ctx context.Context, store *valueStore) {
	log.Println("Simulation mode enabled")

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	temp := 21.0
	step := 0.5

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			temp += step
			if temp >= 28.0 || temp <= 18.0 {
				step = -step
			}
			store.set(store.pubID, temp)
			log.Printf("[SIM] Sensor reading %.1f", temp)
		}
	}
}
