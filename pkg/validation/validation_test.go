package validation

import (
	"strings"
	"testing"
)

func TestValidatePeerAddress(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		want    string
		wantErr bool
	}{
		{"valid", "192.168.1.20", "192.168.1.20", false},
		{"trimmed", "  10.0.0.2 ", "10.0.0.2", false},
		{"mapped", "::ffff:10.0.0.3", "10.0.0.3", false},
		{"empty", "", "", true},
		{"garbage", "not-an-ip", "", true},
		{"ipv6", "fe80::1", "", true},
		{"unspecified", "0.0.0.0", "", true},
		{"multicast", "224.0.0.1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidatePeerAddress(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePeerAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("ValidatePeerAddress() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidateMessageText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"valid", "hello there", false},
		{"blank", "   ", true},
		{"too long", strings.Repeat("a", MaxMessageBytes+1), true},
		{"invalid utf8", "bad \xff", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageText(tt.text)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessageText() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNodeName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid", "kitchen laptop", false},
		{"empty", " ", true},
		{"too long", strings.Repeat("n", 101), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateNodeName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateNodeName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStatus(t *testing.T) {
	if err := ValidateStatus("away - back at 5"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateStatus("<script>"); err == nil {
		t.Error("expected error for invalid characters")
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"valid http", "http://localhost:14268/api/traces", false},
		{"valid https", "https://jaeger.example.com", false},
		{"empty", "", true},
		{"bad scheme", "ftp://example.com", true},
		{"no host", "http://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
