package events

import (
	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/geo"
)

// MotionChange reports a moving/stationary transition and the record captured
// for it.
type MotionChange struct {
	IsMoving bool          `json:"isMoving"`
	Location *geo.Location `json:"location"`
}

// ActivityChange reports a change of detected motion activity.
type ActivityChange struct {
	Activity   string `json:"activity"`
	Confidence int    `json:"confidence"`
}

// ProviderChange reports a change of positioning provider state.
type ProviderChange struct {
	Enabled               bool `json:"enabled"`
	Status                int  `json:"status"`
	Network               bool `json:"network"`
	GPS                   bool `json:"gps"`
	AccuracyAuthorization int  `json:"accuracyAuthorization"`
}

// HTTP reports the outcome of a sync request.
type HTTP struct {
	Success      bool   `json:"success"`
	Status       int    `json:"status"`
	ResponseText string `json:"responseText"`
	// Error describes a failed request: a transport error, a timeout or a
	// rejected status.
	Error string `json:"error,omitempty"`
}

// SyncComplete reports records delivered by one sync pass.
type SyncComplete struct {
	Records []*geo.Location `json:"records"`
}

// Heartbeat is emitted periodically while stationary.
type Heartbeat struct {
	Location *geo.Location `json:"location"`
}

// ConnectivityChange reports network reachability.
type ConnectivityChange struct {
	Connected bool `json:"connected"`
}

// Authorization reports the outcome of a token refresh.
type Authorization struct {
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Response map[string]any `json:"response,omitempty"`
}

var (
	OnLocation           = Topic[*geo.Location]{"location"}
	OnMotionChange       = Topic[MotionChange]{"motionchange"}
	OnActivityChange     = Topic[ActivityChange]{"activitychange"}
	OnProviderChange     = Topic[ProviderChange]{"providerchange"}
	OnGeofence           = Topic[geo.GeofenceEvent]{"geofence"}
	OnGeofencesChange    = Topic[geo.GeofencesChange]{"geofenceschange"}
	OnHTTP               = Topic[HTTP]{"http"}
	OnSync               = Topic[SyncComplete]{"sync"}
	OnHeartbeat          = Topic[Heartbeat]{"heartbeat"}
	OnSchedule           = Topic[config.State]{"schedule"}
	OnPowerSaveChange    = Topic[bool]{"powersavechange"}
	OnConnectivityChange = Topic[ConnectivityChange]{"connectivitychange"}
	OnEnabledChange      = Topic[bool]{"enabledchange"}
	OnAuthorization      = Topic[Authorization]{"authorization"}
)
