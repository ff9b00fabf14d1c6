package pprof

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMountRefusesPublicWithoutToken(t *testing.T) {
	mux := http.NewServeMux()
	if ok, _ := Mount(mux, "0.0.0.0:3030", Config{Enabled: true}); ok {
		t.Fatal("expected refusal on non-loopback addr without token")
	}
	if ok, _ := Mount(http.NewServeMux(), "0.0.0.0:3030", Config{Enabled: true, Token: "s3cret"}); !ok {
		t.Fatal("token should allow non-loopback mount")
	}
	if ok, _ := Mount(http.NewServeMux(), "127.0.0.1:3030", Config{}); ok {
		t.Fatal("disabled config must not mount")
	}
}

func TestMountServesIndexWithAuth(t *testing.T) {
	mux := http.NewServeMux()
	ok, prefix := Mount(mux, "127.0.0.1:0", Config{Enabled: true, Prefix: "dbg", Token: "t"})
	if !ok || prefix != "/dbg/" {
		t.Fatalf("mount = %v %q", ok, prefix)
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/dbg/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/dbg/?token=t")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with token: status %d", resp.StatusCode)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":3030":          false,
		"0.0.0.0:3030":   false,
		"10.0.0.5:9000":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := IsLoopbackAddr(addr); got != want {
			t.Fatalf("IsLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
