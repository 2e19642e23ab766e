package domain

import "testing"

func TestNormalizeIOCValue(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  Evil.COM ", "evil.com"},
		{"203.0.113.5\n", "203.0.113.5"},
		{" Mal ", "mal"},
	}
	for _, tt := range tests {
		if got := NormalizeIOCValue(tt.in); got != tt.want {
			t.Errorf("NormalizeIOCValue(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInferIOCType(t *testing.T) {
	tests := []struct {
		in   string
		want IOCType
	}{
		{"203.0.113.5", IPv4},
		{"198.51.100.7:8080", IPv4},
		{"2001:db8::1", IPv6},
		{"https://evil.example/payload.exe", URL},
		{"soc@acme.example", Email},
		{"d41d8cd98f00b204e9800998ecf8427e", FileHash},
		{"evil.example", Domain},
		{"not an indicator", OtherIOC},
		{"", OtherIOC},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := InferIOCType(tt.in); got != tt.want {
				t.Errorf("InferIOCType(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}
