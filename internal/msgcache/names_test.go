package msgcache

import "testing"

func TestResolvePrefersPushName(t *testing.T) {
	n := NewNames()
	n.Put("5511999990000@s.whatsapp.net", "Stored Name")

	if got := n.Resolve("5511999990000@s.whatsapp.net", "Push Name"); got != "Push Name" {
		t.Errorf("Resolve = %q, want push name", got)
	}
}

func TestResolveFallbackChain(t *testing.T) {
	n := NewNames()
	n.Put("5511999990000@s.whatsapp.net", "Maria")

	tests := []struct {
		name          string
		participantID string
		pushName      string
		want          string
	}{
		{"full id lookup", "5511999990000@s.whatsapp.net", "", "Maria"},
		{"bare number lookup", "5511999990000", "", "Maria"},
		{"numeric push name ignored", "5511999990000@s.whatsapp.net", "5511999990000", "Maria"},
		{"unknown id obfuscated", "5511888881234@s.whatsapp.net", "", "User ~1234"},
		{"empty id unknown", "", "", "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.Resolve(tt.participantID, tt.pushName); got != tt.want {
				t.Errorf("Resolve(%q, %q) = %q, want %q", tt.participantID, tt.pushName, got, tt.want)
			}
		})
	}
}

func TestPutRejectsNumericNames(t *testing.T) {
	n := NewNames()
	n.Put("5511999990000@s.whatsapp.net", "5511999990000")

	if n.Len() != 0 {
		t.Error("numeric name should not be stored")
	}
}

func TestPutWeakDoesNotOverwrite(t *testing.T) {
	n := NewNames()
	n.Put("id@s.whatsapp.net", "Good Name")
	n.PutWeak("id@s.whatsapp.net", "Worse Name")

	if got := n.Resolve("id@s.whatsapp.net", ""); got != "Good Name" {
		t.Errorf("PutWeak overwrote a real name: %q", got)
	}

	n.PutWeak("fresh@s.whatsapp.net", "First Name")
	if got := n.Resolve("fresh@s.whatsapp.net", ""); got != "First Name" {
		t.Errorf("PutWeak on unknown id should store: %q", got)
	}
}

func TestObfuscatedID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"5511999991234@s.whatsapp.net", "User ~1234"},
		{"99", "User ~99"},
		{"", "Unknown"},
	}
	for _, tt := range tests {
		if got := ObfuscatedID(tt.in); got != tt.want {
			t.Errorf("ObfuscatedID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
