package wireguard

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kstack-dev/kstack/pkg/initsys"
)

type fakeControl struct {
	init  initsys.Init
	calls [][2]string
}

func (f *fakeControl) Init() initsys.Init { return f.init }

func (f *fakeControl) Service(name string, action initsys.ServiceAction) error {
	f.calls = append(f.calls, [2]string{name, string(action)})
	return nil
}

func testTunnel(t *testing.T, init initsys.Init, run runFunc) (*Tunnel, *fakeControl) {
	t.Helper()
	log, _ := zap.NewDevelopment()
	ctl := &fakeControl{init: init}
	return &Tunnel{
		log:  log.Sugar(),
		init: ctl,
		run:  run,
		now:  func() time.Time { return time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC) },
	}, ctl
}

func TestRenderFull(t *testing.T) {
	cfg := ClientConfig{
		Interface:     "wg0",
		PrivateKey:    "priv==",
		Address:       "10.42.0.2/32",
		DNS:           "10.42.0.1",
		PeerPublicKey: "peer==",
		PresharedKey:  "psk==",
		AllowedIPs:    "0.0.0.0/0, ::/0",
		Endpoint:      "vpn.example.com:51820",
		Keepalive:     "25",
	}
	want := `[Interface]
PrivateKey = priv==
Address = 10.42.0.2/32
DNS = 10.42.0.1

[Peer]
PublicKey = peer==
PresharedKey = psk==
AllowedIPs = 0.0.0.0/0, ::/0
Endpoint = vpn.example.com:51820
PersistentKeepalive = 25
`
	if got := cfg.Render(); got != want {
		t.Fatalf("got:\n%s", got)
	}
}

func TestRenderMinimal(t *testing.T) {
	cfg := ClientConfig{
		Interface:     "wg0",
		PrivateKey:    "priv==",
		Address:       "10.42.0.2/32",
		PeerPublicKey: "peer==",
		Endpoint:      "vpn.example.com:51820",
	}
	got := cfg.Render()
	for _, absent := range []string{"DNS", "PresharedKey", "AllowedIPs", "PersistentKeepalive"} {
		if strings.Contains(got, absent) {
			t.Fatalf("%s must be omitted when empty:\n%s", absent, got)
		}
	}
}

func TestGenerateKeypair(t *testing.T) {
	tn, _ := testTunnel(t, initsys.Systemd, func(stdin []byte, args ...string) (string, int) {
		if args[1] == "genkey" {
			return "priv==\n", 0
		}
		if string(stdin) != "priv==\n" {
			t.Fatalf("pubkey stdin = %q", stdin)
		}
		return "pub==\n", 0
	})

	private, public, err := tn.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	if private != "priv==" || public != "pub==" {
		t.Fatalf("got %q / %q", private, public)
	}
}

func TestGenerateKeypairEmptyOutput(t *testing.T) {
	tn, _ := testTunnel(t, initsys.Systemd, func(stdin []byte, args ...string) (string, int) {
		return "\n", 0
	})
	if _, _, err := tn.GenerateKeypair(); err == nil {
		t.Fatal("expected error")
	}
}

func TestWriteConfig(t *testing.T) {
	var calls [][]string
	var written string
	tn, _ := testTunnel(t, initsys.Systemd, func(stdin []byte, args ...string) (string, int) {
		calls = append(calls, args)
		if args[1] == "tee" {
			written = string(stdin)
		}
		return "", 0
	})

	cfg := ClientConfig{
		Interface:     "wg0",
		PrivateKey:    "priv==",
		Address:       "10.42.0.2/32",
		PeerPublicKey: "peer==",
		Endpoint:      "vpn.example.com:51820",
	}
	if err := tn.WriteConfig(cfg); err != nil {
		t.Fatal(err)
	}

	want := [][]string{
		{"sudo", "mkdir", "-p", "/etc/wireguard"},
		{"sudo", "tee", "/etc/wireguard/wg0.conf"},
		{"sudo", "chmod", "600", "/etc/wireguard/wg0.conf"},
	}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("got %v", calls)
	}
	if !strings.Contains(written, "PrivateKey = priv==") {
		t.Fatalf("config body not written:\n%s", written)
	}
}

func TestServiceName(t *testing.T) {
	cases := []struct {
		init initsys.Init
		want string
	}{
		{initsys.Systemd, "wg-quick@wg0"},
		{initsys.OpenRC, "wg-quick.wg0"},
		{initsys.Unsupported, ""},
	}
	for _, tc := range cases {
		tn, _ := testTunnel(t, tc.init, nil)
		if got := tn.ServiceName("wg0"); got != tc.want {
			t.Fatalf("got %q, want %q", got, tc.want)
		}
	}
}

func TestEnableAndStart(t *testing.T) {
	tn, ctl := testTunnel(t, initsys.OpenRC, nil)
	tn.EnableAndStart("wg0")

	want := [][2]string{
		{"wg-quick.wg0", "enable"},
		{"wg-quick.wg0", "start"},
	}
	if !reflect.DeepEqual(ctl.calls, want) {
		t.Fatalf("got %v", ctl.calls)
	}
}

func TestEnableAndStartUnsupportedInit(t *testing.T) {
	tn, ctl := testTunnel(t, initsys.Unsupported, nil)
	tn.EnableAndStart("wg0")
	if len(ctl.calls) != 0 {
		t.Fatalf("no service calls expected, got %v", ctl.calls)
	}
}
