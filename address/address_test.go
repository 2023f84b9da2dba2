package address

import (
	"errors"
	"testing"
)

func TestParseHostAndPort(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		defaultPrt uint16
		wantHost   string
		wantPort   uint16
		wantErr    bool
	}{
		{"host and port", "nsqd1.example.com:4150", 4150, "nsqd1.example.com", 4150, false},
		{"bare host uses default", "nsqd1.example.com", 4150, "nsqd1.example.com", 4150, false},
		{"ipv4 with port", "127.0.0.1:4161", 4161, "127.0.0.1", 4161, false},
		{"empty", "", 4150, "", 0, true},
		{"bad port", "host:notaport", 4150, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHostAndPort(tt.input, tt.defaultPrt)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Host != tt.wantHost || got.Port != tt.wantPort {
				t.Errorf("got %+v, want host=%s port=%d", got, tt.wantHost, tt.wantPort)
			}
		})
	}
}

func TestHostAndPortEquality(t *testing.T) {
	a, _ := ParseHostAndPort("broker:4150", 4150)
	b, _ := ParseHostAndPort("broker:4150", 4150)
	if a != b {
		t.Errorf("expected %+v == %+v", a, b)
	}

	m := map[HostAndPort]int{a: 1}
	if _, ok := m[b]; !ok {
		t.Error("expected HostAndPort to be usable as a map key across equal values")
	}
}

func TestHostAndPortString(t *testing.T) {
	hp := HostAndPort{Host: "broker", Port: 4150}
	if got, want := hp.String(), "broker:4150"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

type closeRecorder struct {
	closed bool
	err    error
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return c.err
}

func TestUtilQuietClose(t *testing.T) {
	var u Util
	u.QuietClose(nil) // must not panic

	rec := &closeRecorder{err: errors.New("boom")}
	u.QuietClose(rec)
	if !rec.closed {
		t.Error("expected Close to be called")
	}
}

func TestUtilCheckNotEmpty(t *testing.T) {
	var u Util
	if err := u.CheckNotEmpty("topic", "t"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := u.CheckNotEmpty("topic", "  "); err == nil {
		t.Error("expected error for blank value")
	}
}
