package validation

import (
	"strings"
	"testing"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		wantErr bool
	}{
		{"valid email", "user@example.com", false},
		{"valid email with subdomain", "user@mail.example.com", false},
		{"empty is optional", "", false},
		{"invalid format", "invalid-email", true},
		{"missing @", "userexample.com", true},
		{"too long", strings.Repeat("a", 250) + "@example.com", true},
		{"valid with plus", "user+tag@example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEmail() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name        string
		displayName string
		wantErr     bool
	}{
		{"plain", "alice", false},
		{"spaces and unicode", "Zoë K.", false},
		{"single rune", "z", false},
		{"empty", "   ", true},
		{"too long", strings.Repeat("é", MaxDisplayNameRunes+1), true},
		{"control char", "bob\x07", true},
		{"invalid utf8", "\xff\xfe", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDisplayName(tt.displayName)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDisplayName() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://rooms.example.com/api", false},
		{"ws", "ws://localhost:8080", false},
		{"empty", "", true},
		{"ftp", "ftp://example.com", true},
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

func TestValidateICEURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"stun", "stun:stun.l.google.com:19302", false},
		{"turn with transport", "turn:turn.example.com:3478?transport=tcp", false},
		{"http", "http://stun.example.com", true},
		{"missing host", "stun:", true},
		{"slashes", "stun://stun.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateICEURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateICEURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUDPAddress(t *testing.T) {
	if err := ValidateUDPAddress("127.0.0.1:5004"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateUDPAddress(""); err == nil {
		t.Error("expected error for empty address")
	}
	if err := ValidateUDPAddress("127.0.0.1:notaport"); err == nil {
		t.Error("expected error for bad port")
	}
}

func TestValidateMaxPeers(t *testing.T) {
	tests := []struct {
		maxPeers int
		wantErr  bool
	}{
		{1, true},
		{2, false},
		{8, false},
		{17, true},
	}

	for _, tt := range tests {
		err := ValidateMaxPeers(tt.maxPeers)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateMaxPeers(%d) error = %v, wantErr %v", tt.maxPeers, err, tt.wantErr)
		}
	}
}

func TestValidateStringLength(t *testing.T) {
	if err := ValidateStringLength("héllo", 1, 5, "field"); err != nil {
		t.Errorf("runes should be counted, got %v", err)
	}
	if err := ValidateStringLength("", 1, 5, "field"); err == nil {
		t.Error("expected error for too short")
	}
	if err := ValidateNonEmptyString("  ", "room"); err == nil {
		t.Error("expected error for blank string")
	}
}
