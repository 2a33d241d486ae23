package ident

import "testing"

func TestParseChannel(t *testing.T) {
	tests := []struct {
		in   string
		want ChannelRef
		ok   bool
	}{
		{"@technews", ChannelRef{Kind: KindHandle, Handle: "technews"}, true},
		{"technews", ChannelRef{Kind: KindHandle, Handle: "technews"}, true},
		{"https://t.me/technews", ChannelRef{Kind: KindHandle, Handle: "technews"}, true},
		{"t.me/technews", ChannelRef{Kind: KindHandle, Handle: "technews"}, true},
		{"telegram.me/technews", ChannelRef{Kind: KindHandle, Handle: "technews"}, true},
		{"-1001234567890", ChannelRef{Kind: KindNumericID, ID: -1001234567890}, true},
		{"1234567890", ChannelRef{Kind: KindNumericID, ID: -1001234567890}, true},
		{"https://t.me/+AbCd_Ef-123", ChannelRef{Kind: KindInviteLink, InviteHash: "AbCd_Ef-123"}, true},
		{"t.me/joinchat/AbCdEf123", ChannelRef{Kind: KindInviteLink, InviteHash: "AbCdEf123"}, true},
		{"", ChannelRef{}, false},
		{"   ", ChannelRef{}, false},
		{"@ab", ChannelRef{}, false},           // too short
		{"@1badstart", ChannelRef{}, false},    // must start with a letter
		{"hello world", ChannelRef{}, false},   // spaces
		{"https://t.me/", ChannelRef{}, false}, // no handle
	}

	for _, tt := range tests {
		got, err := ParseChannel(tt.in)
		if tt.ok != (err == nil) {
			t.Errorf("ParseChannel(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseChannel(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestParseBatch(t *testing.T) {
	lines := ParseBatch("@one1\n\n  t.me/two22  \nbad line here\n-1001234567890\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4", len(lines))
	}
	if lines[0].Ref.Handle != "one1" || lines[0].Err != nil {
		t.Fatalf("line 0 = %+v", lines[0])
	}
	if lines[1].Ref.Handle != "two22" {
		t.Fatalf("line 1 = %+v", lines[1])
	}
	if lines[2].Err == nil {
		t.Fatal("bad line parsed without error")
	}
	if lines[3].Ref.ID != -1001234567890 {
		t.Fatalf("line 3 = %+v", lines[3])
	}
}

func TestChannelIDNormalisation(t *testing.T) {
	tests := []struct{ in, want int64 }{
		{1234567890, -1001234567890},
		{-1001234567890, -1001234567890},
		{-1234567890, -1001234567890},
	}
	for _, tt := range tests {
		if got := NormalizeChannelID(tt.in); got != tt.want {
			t.Errorf("NormalizeChannelID(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}

	if got := BareChannelID(-1001234567890); got != 1234567890 {
		t.Errorf("BareChannelID = %d, want 1234567890", got)
	}
	if got := BareChannelID(NormalizeChannelID(987654321)); got != 987654321 {
		t.Errorf("round trip = %d, want 987654321", got)
	}
}

func TestPhones(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		valid bool
	}{
		{"+1 415 555-1234", "+14155551234", true},
		{"14155551234", "+14155551234", true},
		{"+49 (30) 1234-5678", "+493012345678", true},
		{"+123", "+123", false},
		{"hello", "+hello", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := NormalizePhone(tt.in); got != tt.want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if got := ValidatePhone(tt.in); got != tt.valid {
			t.Errorf("ValidatePhone(%q) = %v, want %v", tt.in, got, tt.valid)
		}
	}
}
