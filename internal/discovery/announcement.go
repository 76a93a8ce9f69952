package discovery

import (
	"bufio"
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

// Announcement is a parsed player presence message: either a response to an
// M-SEARCH probe or an unsolicited NOTIFY broadcast.
type Announcement struct {
	// ID is the stable device identity from the USN header.
	ID string

	// Host and Port are taken from the LOCATION header.
	Host string
	Port int

	// Model and SoftwareVersion come from the SERVER header when present.
	Model           string
	SoftwareVersion string

	// BootSeq is BOOTID.UPNP.ORG; increments across device reboots.
	BootSeq int

	// Leaving is true for a byebye NOTIFY: the device is announcing its
	// own departure.
	Leaving bool
}

// searchRequest builds an M-SEARCH probe datagram for the given target.
func searchRequest(host string, port int, target string, mxSeconds int) []byte {
	var b strings.Builder
	b.WriteString("M-SEARCH * HTTP/1.1\r\n")
	fmt.Fprintf(&b, "HOST: %s:%d\r\n", host, port)
	b.WriteString("MAN: \"ssdp:discover\"\r\n")
	fmt.Fprintf(&b, "MX: %d\r\n", mxSeconds)
	fmt.Fprintf(&b, "ST: %s\r\n", target)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// ParseAnnouncement parses an SSDP datagram into an Announcement.
//
// It accepts both "HTTP/1.1 200 OK" search responses and "NOTIFY * HTTP/1.1"
// presence broadcasts. Datagrams for other device types return ErrNotPlayer;
// unparsable datagrams return ErrInvalidAnnouncement.
func ParseAnnouncement(data []byte, target string) (*Announcement, error) {
	text := string(data)
	idx := strings.Index(text, "\r\n")
	if idx < 0 {
		return nil, ErrInvalidAnnouncement
	}
	startLine := text[:idx]

	isNotify := strings.HasPrefix(startLine, "NOTIFY")
	isResponse := strings.HasPrefix(startLine, "HTTP/1.1 200")
	if !isNotify && !isResponse {
		return nil, ErrInvalidAnnouncement
	}

	headers, err := parseHeaders(text[idx+2:])
	if err != nil {
		return nil, ErrInvalidAnnouncement
	}

	// Search responses carry the target in ST, broadcasts in NT.
	notifType := headers.Get("St")
	if notifType == "" {
		notifType = headers.Get("Nt")
	}
	if notifType != target {
		return nil, ErrNotPlayer
	}

	ann := &Announcement{}

	usn := headers.Get("Usn")
	ann.ID = deviceIDFromUSN(usn)
	if ann.ID == "" {
		return nil, ErrInvalidAnnouncement
	}

	if isNotify && strings.Contains(strings.ToLower(headers.Get("Nts")), "byebye") {
		ann.Leaving = true
		// byebye carries no LOCATION; identity is enough.
		return ann, nil
	}

	loc := headers.Get("Location")
	u, err := url.Parse(loc)
	if err != nil || u.Hostname() == "" {
		return nil, ErrInvalidAnnouncement
	}
	ann.Host = u.Hostname()
	ann.Port = 1400
	if p := u.Port(); p != "" {
		if port, err := strconv.Atoi(p); err == nil {
			ann.Port = port
		}
	}

	ann.Model, ann.SoftwareVersion = parseServerHeader(headers.Get("Server"))

	if bootID := headers.Get("Bootid.upnp.org"); bootID != "" {
		if seq, err := strconv.Atoi(bootID); err == nil {
			ann.BootSeq = seq
		}
	}

	return ann, nil
}

// parseHeaders reads SSDP headers with the stdlib MIME reader. SSDP is
// HTTP-shaped, so http/textproto handles folding and case for us.
func parseHeaders(block string) (http.Header, error) {
	reader := bufio.NewReader(strings.NewReader(block + "\r\n"))
	tp := textproto.NewReader(reader)
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	return http.Header(mimeHeader), nil
}

// deviceIDFromUSN extracts the stable device identity from a USN header.
//
// Example USN:
//
//	uuid:RINCON_000E58A0B1C201400::urn:schemas-upnp-org:device:ZonePlayer:1
func deviceIDFromUSN(usn string) string {
	if usn == "" {
		return ""
	}
	s := strings.TrimPrefix(usn, "uuid:")
	if i := strings.Index(s, "::"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ":") {
		return ""
	}
	return s
}

// parseServerHeader splits a SERVER header into model and software version.
//
// Example: "Linux UPnP/1.0 Sonos/70.3-35220 (ZPS9)" -> ("ZPS9", "70.3-35220")
func parseServerHeader(server string) (model, version string) {
	if server == "" {
		return "", ""
	}
	for _, field := range strings.Fields(server) {
		switch {
		case strings.HasPrefix(field, "(") && strings.HasSuffix(field, ")"):
			model = strings.Trim(field, "()")
		case strings.HasPrefix(field, "Sonos/"):
			version = strings.TrimPrefix(field, "Sonos/")
		}
	}
	return model, version
}
