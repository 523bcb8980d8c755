package domain

import "testing"

func TestParseAddress(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "203.0.113.9", want: "203.0.113.9"},
		{raw: " 203.0.113.9 ", want: "203.0.113.9"},
		{raw: "203.0.113.9:25565", want: "203.0.113.9"},
		{raw: "::ffff:198.51.100.1", want: "198.51.100.1"},
		{raw: "[2001:db8::1]:443", want: "2001:db8::1"},
		{raw: "2001:db8::1", want: "2001:db8::1"},
		{raw: "", wantErr: true},
		{raw: "not-an-ip", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseAddress(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAddress(%q) = %s, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) returned error: %v", tt.raw, err)
			}
			if got.String() != tt.want {
				t.Fatalf("ParseAddress(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"kick", ActionKick, false},
		{" WARN ", ActionWarn, false},
		{"", ActionNone, false},
		{"ban", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAction(tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseAction(%q) = %q, %v; want %q, err=%v", tt.raw, got, err, tt.want, tt.wantErr)
		}
	}
}
