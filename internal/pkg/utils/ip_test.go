package utils

import (
	"testing"
)

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "empty",
			input: "",
			want:  "",
		},
		{
			name:  "plain_ipv4",
			input: "192.168.1.10",
			want:  "192.168.1.10",
		},
		{
			name:  "ipv4_with_port",
			input: "192.168.1.10:54321",
			want:  "192.168.1.10",
		},
		{
			name:  "forwarded_for_list",
			input: "203.0.113.5, 10.0.0.1, 10.0.0.2",
			want:  "203.0.113.5",
		},
		{
			name:  "ipv4_mapped_ipv6",
			input: "::ffff:192.0.2.1",
			want:  "192.0.2.1",
		},
		{
			name:  "ipv6_with_port",
			input: "[2001:db8::1]:8080",
			want:  "2001:db8::1",
		},
		{
			name:  "plain_ipv6",
			input: "2001:db8::1",
			want:  "2001:db8::1",
		},
		{
			name:  "whitespace_padded",
			input: "  192.168.1.10  ",
			want:  "192.168.1.10",
		},
		{
			name:  "not_an_ip",
			input: "localhost",
			want:  "localhost",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeIP(tt.input); got != tt.want {
				t.Errorf("NormalizeIP(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
