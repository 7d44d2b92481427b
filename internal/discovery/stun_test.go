package discovery

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func TestParseXorMappedAddress(t *testing.T) {
	value := make([]byte, 8)
	value[1] = stunFamilyIPv4
	wantPort := uint16(9303)
	xorPort := wantPort ^ uint16(stunMagicCookie>>16)
	binary.BigEndian.PutUint16(value[2:4], xorPort)

	wantIP := net.IPv4(203, 0, 113, 9).To4()
	magic := make([]byte, 4)
	binary.BigEndian.PutUint32(magic, stunMagicCookie)
	for i := 0; i < 4; i++ {
		value[4+i] = wantIP[i] ^ magic[i]
	}

	ip, port, err := parseXorMappedAddress(value)
	if err != nil {
		t.Fatalf("parseXorMappedAddress: %v", err)
	}
	if ip != "203.0.113.9" || port != wantPort {
		t.Fatalf("got %s:%d, want 203.0.113.9:%d", ip, port, wantPort)
	}
}

func TestParseMappedAddress(t *testing.T) {
	value := []byte{0x00, stunFamilyIPv4, 0x24, 0x57, 198, 51, 100, 23}
	ip, port, err := parseMappedAddress(value)
	if err != nil {
		t.Fatalf("parseMappedAddress: %v", err)
	}
	if ip != "198.51.100.23" || port != 0x2457 {
		t.Fatalf("got %s:%d", ip, port)
	}
}

func TestParseStunResponseRejectsMismatchedTransactionID(t *testing.T) {
	resp := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(resp[0:2], stunBindingResponse)
	binary.BigEndian.PutUint32(resp[4:8], stunMagicCookie)

	txnID := make([]byte, stunTxnIDSize)
	for i := range txnID {
		txnID[i] = byte(i)
	}
	copy(resp[8:20], txnID)
	other := make([]byte, stunTxnIDSize)

	if _, _, err := parseStunResponse(resp, other); err == nil {
		t.Fatal("expected transaction id mismatch error")
	}
}

// fakeStunServer answers exactly one binding request with a canned
// XOR-MAPPED-ADDRESS response, echoing the transaction id it received.
func fakeStunServer(t *testing.T, mappedIP net.IP, mappedPort uint16) (addr string, stop func()) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	go func() {
		buf := make([]byte, 1024)
		n, raddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req := buf[:n]
		txnID := req[8:20]

		value := make([]byte, 8)
		value[1] = stunFamilyIPv4
		xorPort := mappedPort ^ uint16(stunMagicCookie>>16)
		binary.BigEndian.PutUint16(value[2:4], xorPort)
		magic := make([]byte, 4)
		binary.BigEndian.PutUint32(magic, stunMagicCookie)
		ip4 := mappedIP.To4()
		for i := 0; i < 4; i++ {
			value[4+i] = ip4[i] ^ magic[i]
		}

		attr := make([]byte, 4+len(value))
		binary.BigEndian.PutUint16(attr[0:2], stunAttrXorMapped)
		binary.BigEndian.PutUint16(attr[2:4], uint16(len(value)))
		copy(attr[4:], value)

		resp := make([]byte, stunHeaderSize+len(attr))
		binary.BigEndian.PutUint16(resp[0:2], stunBindingResponse)
		binary.BigEndian.PutUint16(resp[2:4], uint16(len(attr)))
		binary.BigEndian.PutUint32(resp[4:8], stunMagicCookie)
		copy(resp[8:20], txnID)
		copy(resp[20:], attr)

		_, _ = conn.WriteToUDP(resp, raddr)
	}()

	return conn.LocalAddr().String(), func() { conn.Close() }
}

func TestStunQueryAgainstFakeServer(t *testing.T) {
	addr, stop := fakeStunServer(t, net.IPv4(203, 0, 113, 77), 40000)
	defer stop()

	ip, port, err := stunQuery(addr, 0)
	if err != nil {
		t.Fatalf("stunQuery: %v", err)
	}
	if ip != "203.0.113.77" || port != 40000 {
		t.Fatalf("got %s:%d, want 203.0.113.77:40000", ip, port)
	}
}

func TestStunQueryTimeout(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	_, _, err = stunQuery(conn.LocalAddr().String(), 0)
	if err == nil {
		t.Fatal("expected timeout error when server never replies")
	}
	if elapsed := time.Since(start); elapsed > 6*time.Second {
		t.Fatalf("stunQuery took too long to time out: %v", elapsed)
	}
}
