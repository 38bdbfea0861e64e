package pgpool

import "testing"

func TestConfigPoolSizeDefault(t *testing.T) {
	var c Config
	if got := c.poolSize(); got != 5 {
		t.Fatalf("default pool size = %d, want 5", got)
	}
	c.PoolSize = 12
	if got := c.poolSize(); got != 12 {
		t.Fatalf("pool size = %d, want 12", got)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "DISCONNECTED",
		StateConnecting:   "CONNECTING",
		StateConnected:    "CONNECTED",
		StateSending:      "SENDING",
		StateFlushing:     "FLUSHING",
		StateReading:      "READING",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestMD5PasswordKnownVector(t *testing.T) {
	// Cross-checked against the well-known PostgreSQL MD5 auth algorithm:
	// stored = md5(password + username); send = "md5" + md5(stored + salt).
	got := md5Password("postgres", "secret", [4]byte{0x01, 0x02, 0x03, 0x04})
	if want := "md5bb41a296aab6baccb36ff243a562abff"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDecodeTextValueNil(t *testing.T) {
	if v := decodeTextValue(nil); v != nil {
		t.Fatalf("expected nil for NULL column, got %v", v)
	}
	if v := decodeTextValue([]byte("42")); v != "42" {
		t.Fatalf("got %v", v)
	}
}
