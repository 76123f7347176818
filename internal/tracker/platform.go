package tracker

import (
	"context"
	"time"

	"github.com/banshee-data/geotrack/internal/geofence"
	"github.com/banshee-data/geotrack/internal/httputil"
	"github.com/banshee-data/geotrack/internal/location"
)

// PermissionStatus is the location authorization granted by the platform.
type PermissionStatus int

const (
	PermissionNotDetermined PermissionStatus = 0
	PermissionRestricted    PermissionStatus = 1
	PermissionDenied        PermissionStatus = 2
	PermissionAlways        PermissionStatus = 3
	PermissionWhenInUse     PermissionStatus = 4
)

// Granted reports whether the status allows tracking.
func (s PermissionStatus) Granted() bool {
	return s == PermissionAlways || s == PermissionWhenInUse
}

// Permissions asks the platform for location authorization.
type Permissions interface {
	Request(ctx context.Context) (PermissionStatus, error)
}

// Lease keeps the process from being suspended until End is called.
type Lease interface {
	End()
}

// BackgroundTasks grants suspension leases.
type BackgroundTasks interface {
	Begin() (Lease, error)
}

// Battery reports the device power state. A negative level is unknown.
type Battery interface {
	Level() (level float64, charging bool)
}

// Platform bundles the host services the tracker drives. Only Client is
// required; the rest default to inert implementations.
type Platform struct {
	Provider    location.Provider
	Monitor     geofence.RegionMonitor
	Client      httputil.HTTPClient
	Permissions Permissions
	Background  BackgroundTasks
	Battery     Battery
	// TimeZone interprets schedule entries. Defaults to time.Local.
	TimeZone  *time.Location
	UserAgent string
}

type inertProvider struct{}

func (inertProvider) Configure(location.Session) error { return nil }

type inertMonitor struct{}

func (inertMonitor) Monitor(geofence.Region) error { return nil }
func (inertMonitor) Unmonitor(string) error        { return nil }

type grantAll struct{}

func (grantAll) Request(context.Context) (PermissionStatus, error) { return PermissionAlways, nil }

type noBattery struct{}

func (noBattery) Level() (float64, bool) { return -1, false }

func (p Platform) withDefaults() Platform {
	if p.Provider == nil {
		p.Provider = inertProvider{}
	}
	if p.Monitor == nil {
		p.Monitor = inertMonitor{}
	}
	if p.Permissions == nil {
		p.Permissions = grantAll{}
	}
	if p.Battery == nil {
		p.Battery = noBattery{}
	}
	if p.TimeZone == nil {
		p.TimeZone = time.Local
	}
	return p
}
