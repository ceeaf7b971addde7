package upstream

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

var (
	hostMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	guestMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	hostIP   = net.IPv4(10, 42, 0, 1)
	guestIP  = net.IPv4(10, 42, 0, 2)
)

func awaitFrame(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for outbound frame")
		return nil
	}
}

func etherType(frame []byte) uint16 {
	return binary.BigEndian.Uint16(frame[12:14])
}

// arpReply builds the host's answer to the stack's gateway resolution.
func arpReply() []byte {
	frame := make([]byte, 14+28)
	copy(frame[0:6], guestMAC)
	copy(frame[6:12], hostMAC)
	binary.BigEndian.PutUint16(frame[12:14], 0x0806)
	arp := frame[14:]
	binary.BigEndian.PutUint16(arp[0:2], 1)      // ethernet
	binary.BigEndian.PutUint16(arp[2:4], 0x0800) // IPv4
	arp[4] = 6
	arp[5] = 4
	binary.BigEndian.PutUint16(arp[6:8], 2) // reply
	copy(arp[8:14], hostMAC)
	copy(arp[14:18], hostIP.To4())
	copy(arp[18:24], guestMAC)
	copy(arp[24:28], guestIP.To4())
	return frame
}

func TestOutboundUDPThroughGatewayResolution(t *testing.T) {
	out := make(chan []byte, 64)
	ns, err := NewNetstack(Config{MAC: guestMAC}, func(device int, frame []byte) bool {
		out <- frame
		return true
	})
	if err != nil {
		t.Fatalf("NewNetstack: %v", err)
	}
	defer ns.Close()

	var wq waiter.Queue
	ep, terr := ns.Stack().NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		t.Fatalf("NewEndpoint: %v", terr)
	}
	defer ep.Close()

	payload := []byte("ping through the pipeline")
	var b [4]byte
	copy(b[:], hostIP.To4())
	if _, terr := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{
		To: &tcpip.FullAddress{NIC: ns.NICID(), Addr: tcpip.AddrFrom4(b), Port: 7},
	}); terr != nil {
		t.Fatalf("udp write: %v", terr)
	}

	// The gateway is unresolved, so the first outbound frame is the ARP
	// request; the datagram follows once the reply lands.
	req := awaitFrame(t, out)
	if etherType(req) != 0x0806 {
		t.Fatalf("first frame ethertype %#04x, want ARP", etherType(req))
	}
	if err := ns.DeliverInbound(0, arpReply()); err != nil {
		t.Fatalf("DeliverInbound: %v", err)
	}

	dgram := awaitFrame(t, out)
	for etherType(dgram) == 0x0806 {
		dgram = awaitFrame(t, out)
	}
	if etherType(dgram) != 0x0800 {
		t.Fatalf("ethertype %#04x, want IPv4", etherType(dgram))
	}
	ip := dgram[14:]
	if ip[9] != 17 {
		t.Errorf("protocol %d, want UDP", ip[9])
	}
	if !net.IP(ip[16:20]).Equal(hostIP.To4()) {
		t.Errorf("dst %v, want %v", net.IP(ip[16:20]), hostIP)
	}
	if !bytes.Contains(dgram, payload) {
		t.Errorf("payload missing from datagram")
	}
}

func TestRecorderKeepsCopies(t *testing.T) {
	var r Recorder
	frame := []byte{1, 2, 3}
	if err := r.DeliverInbound(0, frame); err != nil {
		t.Fatalf("DeliverInbound: %v", err)
	}
	frame[0] = 0xff
	got := r.Frames()
	if len(got) != 1 || got[0][0] != 1 {
		t.Errorf("recorder did not copy the frame: %v", got)
	}
}
