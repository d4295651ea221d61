package bluetooth

import (
	"regexp"
	"strings"

	"github.com/chris-hammond-ross/pi-podcast/internal/model"
)

// Announcement is one recognized `Device <MAC> <name>` line from the
// bluetoothctl output stream.
type Announcement struct {
	MAC     string
	RawName string
}

var (
	// bluetoothctl colors its output and redraws the prompt; everything that
	// is not plain text has to go before pattern matching.
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]|\x1b\][^\x07]*\x07|[\x01\x02]`)

	// Anchored on the MAC, not the name: the name field may contain anything
	// including further colons and parentheses.
	devicePattern = regexp.MustCompile(`Device\s+((?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2})\s+(.+)`)
)

// Parser reassembles the child process's chunked byte stream into lines and
// extracts device announcements. Chunks arrive at arbitrary boundaries, so a
// trailing partial line is carried over to the next Feed call.
type Parser struct {
	pending strings.Builder
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed consumes one raw output chunk and returns the announcements found in
// the complete lines it closed. Lines that match nothing are dropped.
func (p *Parser) Feed(chunk []byte) []Announcement {
	p.pending.Write(chunk)
	data := p.pending.String()

	idx := strings.LastIndexByte(data, '\n')
	if idx < 0 {
		return nil
	}
	complete := data[:idx]
	p.pending.Reset()
	p.pending.WriteString(data[idx+1:])

	var out []Announcement
	for _, line := range strings.Split(complete, "\n") {
		if ann, ok := ParseLine(line); ok {
			out = append(out, ann)
		}
	}
	return out
}

// ParseLine strips terminal escapes from one line and attempts to recognize
// a device announcement.
func ParseLine(line string) (Announcement, bool) {
	clean := StripANSI(strings.TrimRight(line, "\r"))
	m := devicePattern.FindStringSubmatch(clean)
	if m == nil {
		return Announcement{}, false
	}
	return Announcement{
		MAC:     model.NormalizeMAC(m[1]),
		RawName: strings.TrimSpace(m[2]),
	}, true
}

// StripANSI removes terminal escape sequences and readline control bytes.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
