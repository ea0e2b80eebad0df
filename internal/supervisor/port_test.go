package supervisor

import (
	"net"
	"testing"
)

func TestFreePortIsBindable(t *testing.T) {
	port, err := FreePort("127.0.0.1")
	if err != nil {
		t.Fatalf("FreePort() error = %v", err)
	}
	if port <= 0 {
		t.Fatalf("port = %d", port)
	}
	if !PortAvailable("127.0.0.1", port) {
		t.Fatalf("port %d should be available after release", port)
	}
}

func TestResolvePort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	free, err := FreePort("127.0.0.1")
	if err != nil {
		t.Fatalf("FreePort() error = %v", err)
	}

	tests := []struct {
		name    string
		port    int
		pinned  bool
		wantErr bool
		check   func(int) bool
	}{
		{name: "zero picks any", port: 0, check: func(p int) bool { return p > 0 }},
		{name: "available preferred", port: free, check: func(p int) bool { return p == free }},
		{name: "busy soft falls back", port: busy, check: func(p int) bool { return p > 0 && p != busy }},
		{name: "busy pinned fails", port: busy, pinned: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePort("127.0.0.1", tt.port, tt.pinned, testLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolvePort() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil && !tt.check(got) {
				t.Fatalf("ResolvePort() = %d", got)
			}
		})
	}
}

func TestPortAvailableBusy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if PortAvailable("127.0.0.1", ln.Addr().(*net.TCPAddr).Port) {
		t.Fatal("bound port reported available")
	}
}
