package bluetooth

import (
	"reflect"
	"testing"
)

func TestParseLineRecognizesAnnouncements(t *testing.T) {
	cases := []struct {
		name string
		line string
		want Announcement
		ok   bool
	}{
		{
			name: "plain announcement",
			line: "[NEW] Device 00:11:22:33:44:56 JBL Flip 6",
			want: Announcement{MAC: "00:11:22:33:44:56", RawName: "JBL Flip 6"},
			ok:   true,
		},
		{
			name: "name with colons and parentheses",
			line: "[CHG] Device AA:BB:CC:DD:EE:FF Speaker (Living Room): Main",
			want: Announcement{MAC: "AA:BB:CC:DD:EE:FF", RawName: "Speaker (Living Room): Main"},
			ok:   true,
		},
		{
			name: "lowercase mac normalized",
			line: "Device aa:bb:cc:dd:ee:01 Soundbar",
			want: Announcement{MAC: "AA:BB:CC:DD:EE:01", RawName: "Soundbar"},
			ok:   true,
		},
		{
			name: "color escapes stripped",
			line: "\x1b[0;93m[CHG]\x1b[0m Device 00:11:22:33:44:55 RSSI: -42",
			want: Announcement{MAC: "00:11:22:33:44:55", RawName: "RSSI: -42"},
			ok:   true,
		},
		{
			name: "non-matching line dropped",
			line: "Agent registered",
			ok:   false,
		},
		{
			name: "truncated mac dropped",
			line: "Device 00:11:22:33:44 NoFullMAC",
			ok:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseLine(tc.line)
			if ok != tc.ok {
				t.Fatalf("ParseLine(%q) ok = %v, want %v", tc.line, ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Fatalf("ParseLine(%q) = %+v, want %+v", tc.line, got, tc.want)
			}
		})
	}
}

func TestParserReassemblesPartialLines(t *testing.T) {
	p := NewParser()

	if anns := p.Feed([]byte("[NEW] Device 00:11:22:")); anns != nil {
		t.Fatalf("partial chunk must not announce, got %+v", anns)
	}
	if anns := p.Feed([]byte("33:44:56 JBL ")); anns != nil {
		t.Fatalf("still partial, got %+v", anns)
	}

	anns := p.Feed([]byte("Flip 6\r\nAgent registered\n[NEW] Device 00:11:22:33:44:57 Son"))
	want := []Announcement{{MAC: "00:11:22:33:44:56", RawName: "JBL Flip 6"}}
	if !reflect.DeepEqual(anns, want) {
		t.Fatalf("got %+v, want %+v", anns, want)
	}

	anns = p.Feed([]byte("y Speaker\n"))
	want = []Announcement{{MAC: "00:11:22:33:44:57", RawName: "Sony Speaker"}}
	if !reflect.DeepEqual(anns, want) {
		t.Fatalf("carry-over line: got %+v, want %+v", anns, want)
	}
}

func TestParserMultipleAnnouncementsInOneChunk(t *testing.T) {
	p := NewParser()
	chunk := "Device 00:00:00:00:00:01 One\nnoise\nDevice 00:00:00:00:00:02 Two\n"
	anns := p.Feed([]byte(chunk))
	if len(anns) != 2 {
		t.Fatalf("expected 2 announcements, got %d: %+v", len(anns), anns)
	}
	if anns[0].RawName != "One" || anns[1].RawName != "Two" {
		t.Fatalf("unexpected announcements: %+v", anns)
	}
}

func TestStripANSI(t *testing.T) {
	in := "\x1b[0;94m[bluetooth]\x1b[0m# \x01prompt\x02"
	if got := StripANSI(in); got != "[bluetooth]# prompt" {
		t.Fatalf("StripANSI = %q", got)
	}
}
