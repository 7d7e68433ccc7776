package transport

import "testing"

func TestMaskContact(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"", ""},
		{"1234", "****"},
		{"123456", "12**56"},
		{"+15551234567", "+155****4567"},
		{" -1001234567 ", "-100***4567"},
	}
	for _, tt := range tests {
		if got := MaskContact(tt.in); got != tt.want {
			t.Fatalf("MaskContact(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
