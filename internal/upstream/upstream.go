// Package upstream is where accepted frames leave the driver. The default
// endpoint is a gVisor netstack behind a channel link endpoint, so the
// benches and integration tests can run real TCP/UDP traffic over the
// emulated adapters; a Recorder double serves unit tests.
package upstream

import (
	"context"
	"fmt"
	"net"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// Endpoint receives every frame the receive pipeline accepted.
type Endpoint interface {
	DeliverInbound(device int, frame []byte) error
	Close() error
}

const nicID tcpip.NICID = 1

// Transmit is the outbound path back into the driver. False means the tx
// path had no room and the frame is dropped; the host stack's own
// retransmission covers the loss.
type Transmit func(device int, frame []byte) bool

// Config sets the netstack's addressing.
type Config struct {
	MAC       net.HardwareAddr
	Addr      net.IP
	PrefixLen int
	Gateway   net.IP
	MTU       int
}

func (c *Config) fill() {
	if c.MAC == nil {
		c.MAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	}
	if c.Addr == nil {
		c.Addr = net.IPv4(10, 42, 0, 2)
	}
	if c.PrefixLen == 0 {
		c.PrefixLen = 24
	}
	if c.Gateway == nil {
		c.Gateway = net.IPv4(10, 42, 0, 1)
	}
	if c.MTU == 0 {
		c.MTU = 1500
	}
}

func addrFrom4(ip net.IP) (tcpip.Address, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return tcpip.Address{}, fmt.Errorf("upstream: %v is not IPv4", ip)
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b), nil
}

// Netstack is a gVisor stack bridged to the driver: inbound frames are
// injected into a channel link endpoint, outbound frames are read off it
// and handed to the driver's transmit path.
type Netstack struct {
	gs     *stack.Stack
	ch     *channel.Endpoint
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetstack builds the stack and starts the outbound reader. All
// outbound frames go to device 0 of tx; the driver owns routing across
// adapters, not the host stack.
func NewNetstack(cfg Config, tx Transmit) (*Netstack, error) {
	cfg.fill()
	addr, err := addrFrom4(cfg.Addr)
	if err != nil {
		return nil, err
	}
	gw, err := addrFrom4(cfg.Gateway)
	if err != nil {
		return nil, err
	}

	// The channel endpoint's MTU is the L2 MTU; the ethernet wrapper
	// subtracts its header to get L3.
	ch := channel.New(4096, uint32(cfg.MTU+header.EthernetMinimumSize), tcpip.LinkAddress(string(cfg.MAC)))
	ep := ethernet.New(ch)
	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := gs.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("upstream: CreateNIC: %s", err)
	}
	if err := gs.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addr,
			PrefixLen: cfg.PrefixLen,
		},
	}, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("upstream: AddProtocolAddress: %s", err)
	}
	gs.SetRouteTable([]tcpip.Route{{
		Destination: header.IPv4EmptySubnet,
		Gateway:     gw,
		NIC:         nicID,
	}})

	ctx, cancel := context.WithCancel(context.Background())
	n := &Netstack{gs: gs, ch: ch, cancel: cancel}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			pkt := ch.ReadContext(ctx)
			if pkt == nil {
				return
			}
			frame := append([]byte(nil), pkt.ToView().AsSlice()...)
			pkt.DecRef()
			if tx != nil {
				_ = tx(0, frame)
			}
		}
	}()
	return n, nil
}

// DeliverInbound injects one ethernet frame into the stack.
func (n *Netstack) DeliverInbound(device int, frame []byte) error {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet link endpoint parses the header itself; the protocol
	// argument is unused.
	n.ch.InjectInbound(0, pkt)
	return nil
}

// Stack exposes the gVisor stack so callers can open endpoints on it.
func (n *Netstack) Stack() *stack.Stack { return n.gs }

// NICID returns the stack's single NIC.
func (n *Netstack) NICID() tcpip.NICID { return nicID }

// Close stops the outbound reader and tears the stack down.
func (n *Netstack) Close() error {
	n.cancel()
	n.ch.Close()
	n.wg.Wait()
	n.gs.Close()
	return nil
}

var _ Endpoint = (*Netstack)(nil)

// Recorder is the test double: it keeps every delivered frame.
type Recorder struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *Recorder) DeliverInbound(device int, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return nil
}

func (r *Recorder) Close() error { return nil }

// Frames returns copies of everything delivered so far.
func (r *Recorder) Frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.frames))
	copy(out, r.frames)
	return out
}

var _ Endpoint = (*Recorder)(nil)
