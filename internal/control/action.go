package control

// actionSpec describes one known control action: the service it
// belongs to, the device path accepting it, default argument values
// and arguments the caller must supply.
type actionSpec struct {
	service  string
	path     string
	defaults map[string]string
	required []string
}

const (
	avTransportService = "urn:schemas-upnp-org:service:AVTransport:1"
	avTransportPath    = "/MediaRenderer/AVTransport/Control"

	renderingService = "urn:schemas-upnp-org:service:RenderingControl:1"
	renderingPath    = "/MediaRenderer/RenderingControl/Control"
)

// actions is the supported command vocabulary. Argument defaults match
// what players expect for single-instance, master-channel control.
var actions = map[string]actionSpec{
	"Play": {
		service:  avTransportService,
		path:     avTransportPath,
		defaults: map[string]string{"InstanceID": "0", "Speed": "1"},
	},
	"Pause": {
		service:  avTransportService,
		path:     avTransportPath,
		defaults: map[string]string{"InstanceID": "0"},
	},
	"Stop": {
		service:  avTransportService,
		path:     avTransportPath,
		defaults: map[string]string{"InstanceID": "0"},
	},
	"Next": {
		service:  avTransportService,
		path:     avTransportPath,
		defaults: map[string]string{"InstanceID": "0"},
	},
	"Previous": {
		service:  avTransportService,
		path:     avTransportPath,
		defaults: map[string]string{"InstanceID": "0"},
	},
	"Seek": {
		service:  avTransportService,
		path:     avTransportPath,
		defaults: map[string]string{"InstanceID": "0", "Unit": "REL_TIME"},
		required: []string{"Target"},
	},
	"SetAVTransportURI": {
		service:  avTransportService,
		path:     avTransportPath,
		defaults: map[string]string{"InstanceID": "0", "CurrentURIMetaData": ""},
		required: []string{"CurrentURI"},
	},
	"GetPositionInfo": {
		service:  avTransportService,
		path:     avTransportPath,
		defaults: map[string]string{"InstanceID": "0"},
	},
	"GetTransportInfo": {
		service:  avTransportService,
		path:     avTransportPath,
		defaults: map[string]string{"InstanceID": "0"},
	},
	// Pulls the device out of its current group into a group of its own.
	"BecomeCoordinatorOfStandaloneGroup": {
		service:  avTransportService,
		path:     avTransportPath,
		defaults: map[string]string{"InstanceID": "0"},
	},
	"SetVolume": {
		service:  renderingService,
		path:     renderingPath,
		defaults: map[string]string{"InstanceID": "0", "Channel": "Master"},
		required: []string{"DesiredVolume"},
	},
	"GetVolume": {
		service:  renderingService,
		path:     renderingPath,
		defaults: map[string]string{"InstanceID": "0", "Channel": "Master"},
	},
	"SetMute": {
		service:  renderingService,
		path:     renderingPath,
		defaults: map[string]string{"InstanceID": "0", "Channel": "Master"},
		required: []string{"DesiredMute"},
	},
	"GetMute": {
		service:  renderingService,
		path:     renderingPath,
		defaults: map[string]string{"InstanceID": "0", "Channel": "Master"},
	},
}

// Actions lists the supported action names.
func Actions() []string {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	return names
}
