package netns

import "testing"

func TestParsePortMappingRoundTrip(t *testing.T) {
	cases := []string{"8080:80/tcp", "53:53/udp", "1:65535/tcp"}
	for _, s := range cases {
		m, err := ParsePortMapping(s)
		if err != nil {
			t.Fatalf("ParsePortMapping(%q): %v", s, err)
		}
		if got := m.String(); got != s {
			t.Errorf("ParsePortMapping(%q).String() = %q, want %q", s, got, s)
		}
	}
}

func TestParsePortMappingRejectsMalformedInput(t *testing.T) {
	bad := []string{
		"8080/tcp",          // missing guest port
		"8080:80",           // missing /proto
		"8080:80/sctp",      // unsupported proto
		"abc:80/tcp",        // non-numeric host port
		"8080:xyz/tcp",      // non-numeric guest port
		"70000:80/tcp",      // host port out of 16-bit range
		"8080:80/TCP/extra", // malformed
	}
	for _, s := range bad {
		if _, err := ParsePortMapping(s); err == nil {
			t.Errorf("ParsePortMapping(%q) should have failed", s)
		}
	}
}

func TestParsePortMappingAcceptsUppercaseProto(t *testing.T) {
	m, err := ParsePortMapping("80:8080/TCP")
	if err != nil {
		t.Fatalf("ParsePortMapping: %v", err)
	}
	if m.Proto != "tcp" {
		t.Errorf("Proto = %q, want normalized \"tcp\"", m.Proto)
	}
}
