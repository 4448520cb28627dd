package thingsetcan_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thingset-protocol/thingset-can-go/pkg/bus"
	"github.com/thingset-protocol/thingset-can-go/pkg/canid"
	"github.com/thingset-protocol/thingset-can-go/pkg/isotp"
	"github.com/thingset-protocol/thingset-can-go/pkg/node"
)

const probeWindow = 30 * time.Millisecond

func testEUI(low byte) [8]byte {
	return [8]byte{0x02, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, low}
}

// startNode attaches a node to the shared bus through a real ISO-TP
// transport.
func startNode(t *testing.T, b *bus.MemBus, euiLow byte) *node.Node {
	t.Helper()
	ep := b.Endpoint()
	require.NotNil(t, ep)
	tr := isotp.New(ep, isotp.Config{BusName: "mem"})
	n, err := node.New(node.Config{
		Transport:      tr,
		BusName:        "mem",
		EUI:            testEUI(euiLow),
		ProbeWindow:    probeWindow,
		RequestTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

// runLoop drives ProcessForever in the background until the test ends.
func runLoop(t *testing.T, n *node.Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.ProcessForever(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func claim(t *testing.T, n *node.Node, preferred canid.Address) canid.Address {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	addr, err := n.Claim(ctx, preferred)
	require.NoError(t, err)
	return addr
}

// TestE2E_AddressClaim tests that two nodes claim distinct preferred
// addresses over a shared bus.
func TestE2E_AddressClaim(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()

	a := startNode(t, b, 0x01)
	c := startNode(t, b, 0x02)

	assert.Equal(t, canid.Address(0x10), claim(t, a, 0x10))
	assert.Equal(t, canid.Address(0x20), claim(t, c, 0x20))
	assert.Equal(t, canid.Address(0x10), a.Address())
	assert.Equal(t, canid.Address(0x20), c.Address())
}

// TestE2E_ClaimDefended tests that a late joiner probing an owned
// address is pushed to the next free one while the owner keeps its
// address.
func TestE2E_ClaimDefended(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()

	owner := startNode(t, b, 0x01)
	require.Equal(t, canid.Address(0x10), claim(t, owner, 0x10))
	runLoop(t, owner)

	late := startNode(t, b, 0x02)
	addr := claim(t, late, 0x10)

	assert.Equal(t, canid.Address(0x11), addr)
	assert.Equal(t, canid.Address(0x10), owner.Address())
}

// TestE2E_SimultaneousClaim tests that two nodes racing for the same
// address settle on distinct ones via the EUI tie-break.
func TestE2E_SimultaneousClaim(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()

	a := startNode(t, b, 0x01)
	c := startNode(t, b, 0x02)

	var wg sync.WaitGroup
	for _, n := range []*node.Node{a, c} {
		wg.Add(1)
		go func(n *node.Node) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_, _ = n.Claim(ctx, 0x30)
		}(n)
	}
	wg.Wait()

	runLoop(t, a)
	runLoop(t, c)

	require.Eventually(t, func() bool {
		aAddr, cAddr := a.Address(), c.Address()
		return aAddr.Assignable() && cAddr.Assignable() && aAddr != cAddr
	}, 3*time.Second, 10*time.Millisecond, "nodes must settle on distinct addresses")
}

// TestE2E_RequestResponse tests a multi-frame request/response exchange
// between two claimed nodes, exercising ISO-TP segmentation in both
// directions.
func TestE2E_RequestResponse(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()

	client := startNode(t, b, 0x01)
	server := startNode(t, b, 0x02)

	require.Equal(t, canid.Address(0x01), claim(t, client, 0x01))
	require.Equal(t, canid.Address(0x05), claim(t, server, 0x05))

	// Reverse 30 bytes so both legs need segmentation.
	server.OnRequest(func(req node.Request) []byte {
		out := make([]byte, len(req.Payload))
		for i, v := range req.Payload {
			out[len(out)-1-i] = v
		}
		return out
	})
	runLoop(t, server)
	runLoop(t, client)

	payload := make([]byte, 30)
	for i := range payload {
		payload[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := client.SendRequest(ctx, 0x05, payload)
	require.NoError(t, err)
	require.Len(t, resp, len(payload))
	for i, v := range payload {
		assert.Equal(t, v, resp[len(resp)-1-i])
	}
}

// TestE2E_PublishSubscribe tests that periodic reports published by a
// claimed node reach a subscriber, including an anonymous one.
func TestE2E_PublishSubscribe(t *testing.T) {
	b := bus.NewMemBus()
	defer b.Close()

	pub := startNode(t, b, 0x01)
	sub := startNode(t, b, 0x02) // stays anonymous: broadcasts still arrive

	require.Equal(t, canid.Address(0x40), claim(t, pub, 0x40))

	const dataID = 0x0101
	payload, err := node.EncodeValue(23.5)
	require.NoError(t, err)

	pub.SetPublisher(func() (uint16, []byte, error) {
		return dataID, payload, nil
	})
	require.NoError(t, pub.EnablePublish(20*time.Millisecond))

	got := make(chan node.Report, 8)
	sub.SubscribeData(dataID, func(r node.Report) {
		select {
		case got <- r:
		default:
		}
	})

	runLoop(t, pub)
	runLoop(t, sub)

	select {
	case r := <-got:
		assert.Equal(t, canid.Address(0x40), r.Source)
		assert.Equal(t, uint16(dataID), r.DataID)
		v, err := r.Value()
		require.NoError(t, err)
		assert.Equal(t, 23.5, v)
	case <-time.After(3 * time.Second):
		t.Fatal("no report received")
	}
}
