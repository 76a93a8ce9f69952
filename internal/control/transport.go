package control

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/phonos/internal/device"
)

// Transport sends control actions to a device. Implementations must be
// safe for concurrent use. Actions are not retried; command delivery
// is at-most-once and callers decide whether repeating is safe.
type Transport interface {
	SendAction(ctx context.Context, dev device.Device, action string, args map[string]string) (map[string]string, error)
}

// SOAPTransport is the default Transport, speaking the UPnP SOAP
// control protocol players implement.
type SOAPTransport struct {
	client *http.Client
}

// NewSOAPTransport returns a transport whose requests time out after
// the given duration.
func NewSOAPTransport(timeout time.Duration) *SOAPTransport {
	return &SOAPTransport{
		client: &http.Client{Timeout: timeout},
	}
}

// SendAction posts one action to the device and returns the response
// arguments. Device-side rejection surfaces as a *CommandError
// carrying the device's error code.
func (t *SOAPTransport) SendAction(ctx context.Context, dev device.Device, action string, args map[string]string) (map[string]string, error) {
	spec, ok := actions[action]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	merged, err := mergeArgs(action, spec, args)
	if err != nil {
		return nil, err
	}

	body := buildEnvelope(action, spec.service, merged)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dev.BaseURL()+spec.path, strings.NewReader(body))
	if err != nil {
		return nil, &CommandError{Action: action, Err: err}
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf("%q", spec.service+"#"+action))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &CommandError{Action: action, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return nil, &CommandError{Action: action, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, faultError(action, resp.StatusCode, data)
	}
	return parseResponse(action, data)
}

// mergeArgs overlays caller arguments on the action's defaults and
// checks required ones are present.
func mergeArgs(action string, spec actionSpec, args map[string]string) (map[string]string, error) {
	merged := make(map[string]string, len(spec.defaults)+len(args))
	for k, v := range spec.defaults {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	for _, req := range spec.required {
		if _, ok := merged[req]; !ok {
			return nil, fmt.Errorf("%w: %s requires %s", ErrMissingArgument, action, req)
		}
	}
	return merged, nil
}

// buildEnvelope renders the SOAP request body. Argument order is
// stable so requests are reproducible in logs and tests.
func buildEnvelope(action, service string, args map[string]string) string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(xml.Header)
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" ` +
		`s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>`)
	fmt.Fprintf(&b, `<u:%s xmlns:u="%s">`, action, service)
	for _, name := range names {
		b.WriteString("<" + name + ">")
		_ = xml.EscapeText(&b, []byte(args[name]))
		b.WriteString("</" + name + ">")
	}
	fmt.Fprintf(&b, `</u:%s>`, action)
	b.WriteString(`</s:Body></s:Envelope>`)
	return b.String()
}

type soapEnvelope struct {
	Body struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

type soapFault struct {
	Detail struct {
		UPnPError struct {
			Code        int    `xml:"errorCode"`
			Description string `xml:"errorDescription"`
		} `xml:"UPnPError"`
	} `xml:"detail"`
}

// parseResponse extracts the leaf elements of the action response into
// a name → value map.
func parseResponse(action string, data []byte) (map[string]string, error) {
	var env soapEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, &CommandError{Action: action, Err: err, Description: "unparseable response"}
	}

	out := make(map[string]string)
	dec := xml.NewDecoder(bytes.NewReader(env.Body.Inner))
	var name string
	var depth int
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &CommandError{Action: action, Err: err, Description: "unparseable response"}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				name = t.Name.Local
			}
		case xml.EndElement:
			depth--
			name = ""
		case xml.CharData:
			if depth == 2 && name != "" {
				out[name] += string(t)
			}
		}
	}
	return out, nil
}

// faultError turns a SOAP fault body into a CommandError. Devices
// answer rejected actions with 500 and a UPnPError detail.
func faultError(action string, status int, data []byte) error {
	var env soapEnvelope
	if err := xml.Unmarshal(data, &env); err == nil {
		var fault soapFault
		if err := xml.Unmarshal(env.Body.Inner, &fault); err == nil &&
			fault.Detail.UPnPError.Code != 0 {
			return &CommandError{
				Action:      action,
				Code:        fault.Detail.UPnPError.Code,
				Description: fault.Detail.UPnPError.Description,
			}
		}
	}
	return &CommandError{
		Action:      action,
		Description: "device returned HTTP " + strconv.Itoa(status),
	}
}
