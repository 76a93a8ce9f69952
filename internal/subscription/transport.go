package subscription

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/phonos/internal/device"
	"github.com/nerrad567/phonos/internal/events"
)

// Transport performs the wire-level subscription operations against a
// single device. Implementations must be safe for concurrent use.
type Transport interface {
	// Subscribe establishes a new subscription and returns the
	// device-assigned subscription identifier and the granted lease.
	Subscribe(ctx context.Context, dev device.Device, category events.Category, callbackURL string, requested time.Duration) (sid string, granted time.Duration, err error)

	// Renew extends an existing subscription, returning the new lease.
	Renew(ctx context.Context, dev device.Device, category events.Category, sid string, requested time.Duration) (granted time.Duration, err error)

	// Unsubscribe tears down a subscription on the device.
	Unsubscribe(ctx context.Context, dev device.Device, category events.Category, sid string) error
}

// eventPaths maps each event category to the device endpoint that
// accepts subscription requests for it.
var eventPaths = map[events.Category]string{
	events.CategoryTransport: "/MediaRenderer/AVTransport/Event",
	events.CategoryRendering: "/MediaRenderer/RenderingControl/Event",
	events.CategoryTopology:  "/ZoneGroupTopology/Event",
}

// HTTPTransport speaks the GENA subset that players implement:
// SUBSCRIBE and UNSUBSCRIBE requests with CALLBACK, NT, SID and
// TIMEOUT headers.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport returns a transport whose requests time out after
// the given duration.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
	}
}

// Subscribe sends an initial SUBSCRIBE carrying the callback URL.
func (t *HTTPTransport) Subscribe(ctx context.Context, dev device.Device, category events.Category, callbackURL string, requested time.Duration) (string, time.Duration, error) {
	req, err := t.newRequest(ctx, "SUBSCRIBE", dev, category)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
	}
	req.Header.Set("CALLBACK", "<"+callbackURL+">")
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("TIMEOUT", formatTimeout(requested))

	resp, err := t.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: device %s returned %d", ErrSubscribeFailed, dev.ID, resp.StatusCode)
	}

	sid := resp.Header.Get("SID")
	if sid == "" {
		return "", 0, fmt.Errorf("%w: device %s omitted subscription id", ErrSubscribeFailed, dev.ID)
	}
	return sid, parseTimeout(resp.Header.Get("TIMEOUT"), requested), nil
}

// Renew sends a SUBSCRIBE carrying the existing subscription id.
func (t *HTTPTransport) Renew(ctx context.Context, dev device.Device, category events.Category, sid string, requested time.Duration) (time.Duration, error) {
	req, err := t.newRequest(ctx, "SUBSCRIBE", dev, category)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRenewRejected, err)
	}
	req.Header.Set("SID", sid)
	req.Header.Set("TIMEOUT", formatTimeout(requested))

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRenewRejected, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: device %s returned %d", ErrRenewRejected, dev.ID, resp.StatusCode)
	}
	return parseTimeout(resp.Header.Get("TIMEOUT"), requested), nil
}

// Unsubscribe sends an UNSUBSCRIBE for the given subscription id.
func (t *HTTPTransport) Unsubscribe(ctx context.Context, dev device.Device, category events.Category, sid string) error {
	req, err := t.newRequest(ctx, "UNSUBSCRIBE", dev, category)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsubscribeFailed, err)
	}
	req.Header.Set("SID", sid)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsubscribeFailed, err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPreconditionFailed {
		return fmt.Errorf("%w: device %s returned %d", ErrUnsubscribeFailed, dev.ID, resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, method string, dev device.Device, category events.Category) (*http.Request, error) {
	path, ok := eventPaths[category]
	if !ok {
		return nil, fmt.Errorf("no event endpoint for category %q", category)
	}
	return http.NewRequestWithContext(ctx, method, dev.BaseURL()+path, nil)
}

// formatTimeout renders a lease duration as a GENA TIMEOUT header value.
func formatTimeout(d time.Duration) string {
	return "Second-" + strconv.Itoa(int(d/time.Second))
}

// parseTimeout reads a TIMEOUT header such as "Second-300". Devices
// occasionally omit or mangle the header, in which case the requested
// lease is assumed.
func parseTimeout(value string, requested time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if rest, ok := cutPrefixFold(value, "Second-"); ok {
		if secs, err := strconv.Atoi(rest); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return requested
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
