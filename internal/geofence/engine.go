// Package geofence evaluates circular geofences against the location stream.
//
// Platforms can only watch a limited number of regions, so the engine keeps
// an active set of the geofences closest to the device and leaves the rest
// pending until the device comes near them. One slot is reserved for the
// stationary region while the device is idle.
package geofence

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/monitoring"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

// StationaryIdentifier names the synthetic stationary region.
const StationaryIdentifier = "__stationary__"

// MinProximityRadius is the smallest accepted proximity radius.
const MinProximityRadius = 1000.0

// ErrCapacityExceeded reports that a geofence could not be activated because
// every monitoring slot is taken. It is not fatal; the geofence stays pending.
var ErrCapacityExceeded = errors.New("geofence monitoring capacity exceeded")

// Region is a circle handed to the platform monitor.
type Region struct {
	Identifier string
	Latitude   float64
	Longitude  float64
	Radius     float64
}

// RegionMonitor is the platform region-monitoring service.
type RegionMonitor interface {
	Monitor(r Region) error
	Unmonitor(identifier string) error
}

// Store persists the geofence definitions.
type Store interface {
	Save(fences ...geo.Geofence) error
	Delete(identifier string) (bool, error)
	DeleteAll() error
	All() ([]geo.Geofence, error)
}

// Transition is a detected boundary crossing.
type Transition struct {
	Geofence geo.Geofence
	Action   geo.GeofenceAction
	Fix      geo.Fix
}

// Listener receives engine output. Callbacks never run with engine locks
// held.
type Listener interface {
	GeofenceTransition(t Transition)
	GeofencesChanged(c geo.GeofencesChange)
	StationaryExit(fix geo.Fix)
}

// Params configure partitioning.
type Params struct {
	ProximityRadius     float64
	MaxMonitored        int
	InitialTriggerEntry bool
}

// ParamsFrom extracts engine parameters from cfg.
func ParamsFrom(cfg *config.Config) Params {
	return Params{
		ProximityRadius:     cfg.GeofenceProximityRadius,
		MaxMonitored:        cfg.MaxMonitoredGeofences,
		InitialTriggerEntry: cfg.GeofenceInitialTriggerEntry,
	}
}

func (p Params) proximity() float64 {
	return math.Max(p.ProximityRadius, MinProximityRadius)
}

type regionState struct {
	fence  geo.Geofence
	known  bool
	inside bool
	dwell  timeutil.Timer
	gen    uint64
}

func (r *regionState) cancelDwell() {
	if r.dwell != nil {
		r.dwell.Stop()
		r.dwell = nil
	}
	r.gen++
}

// Engine owns the geofence set and its active partition.
type Engine struct {
	mu       sync.Mutex
	clock    timeutil.Clock
	monitor  RegionMonitor
	store    Store
	listener Listener
	params   Params

	fences     map[string]geo.Geofence
	active     map[string]*regionState
	stationary *Region
	last       *geo.Fix
	running    bool

	// stationaryInstalled is false while a failed registration awaits retry.
	stationaryInstalled bool
}

// NewEngine returns an engine with an empty geofence set. store may be nil.
func NewEngine(clock timeutil.Clock, m RegionMonitor, store Store, p Params, l Listener) *Engine {
	return &Engine{
		clock:    clock,
		monitor:  m,
		store:    store,
		listener: l,
		params:   p,
		fences:   make(map[string]geo.Geofence),
		active:   make(map[string]*regionState),
	}
}

// Load replaces the in-memory set with the stored geofences.
func (e *Engine) Load() error {
	if e.store == nil {
		return nil
	}
	all, err := e.store.All()
	if err != nil {
		return fmt.Errorf("failed to load geofences: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fences = make(map[string]geo.Geofence, len(all))
	for _, g := range all {
		e.fences[g.Identifier] = g
	}
	return nil
}

// SetParams replaces the partitioning parameters. They take effect on the
// next evaluation.
func (e *Engine) SetParams(p Params) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = p
}

// Start enables evaluation. If a location is known the set is partitioned
// straight away.
func (e *Engine) Start() {
	e.mu.Lock()
	e.running = true
	last := e.last
	e.mu.Unlock()
	if last != nil {
		e.Update(*last)
	}
}

// Running reports whether the engine evaluates locations.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stop unmonitors every region and cancels loitering timers. The geofence
// set is kept.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	var change geo.GeofencesChange
	for id, r := range e.active {
		r.cancelDwell()
		e.unmonitorLocked(id)
		change.Off = append(change.Off, id)
		delete(e.active, id)
	}
	e.clearStationaryLocked()
	e.mu.Unlock()

	sort.Strings(change.Off)
	if !change.Empty() {
		e.listener.GeofencesChanged(change)
	}
}

// Add validates and stores geofences, replacing any with the same identifier.
// Nothing is added if any geofence is invalid.
func (e *Engine) Add(fences ...geo.Geofence) error {
	valid := make([]geo.Geofence, len(fences))
	for i, g := range fences {
		if err := g.Validate(); err != nil {
			return err
		}
		valid[i] = g
	}
	if e.store != nil {
		if err := e.store.Save(valid...); err != nil {
			return err
		}
	}

	e.mu.Lock()
	for _, g := range valid {
		e.fences[g.Identifier] = g
		if r, ok := e.active[g.Identifier]; ok {
			r.fence = g
		}
	}
	last, running := e.last, e.running
	e.mu.Unlock()

	if running && last != nil {
		e.Update(*last)
	}
	return nil
}

// Remove deletes geofences by identifier. It returns the identifiers that
// existed.
func (e *Engine) Remove(ids ...string) ([]string, error) {
	var removed []string
	for _, id := range ids {
		if e.store != nil {
			if _, err := e.store.Delete(id); err != nil {
				return removed, err
			}
		}
		e.mu.Lock()
		if _, ok := e.fences[id]; ok {
			removed = append(removed, id)
			delete(e.fences, id)
		}
		e.mu.Unlock()
	}
	e.deactivate(removed)
	return removed, nil
}

// RemoveAll deletes every geofence.
func (e *Engine) RemoveAll() error {
	if e.store != nil {
		if err := e.store.DeleteAll(); err != nil {
			return err
		}
	}
	e.mu.Lock()
	ids := make([]string, 0, len(e.fences))
	for id := range e.fences {
		ids = append(ids, id)
	}
	e.fences = make(map[string]geo.Geofence)
	e.mu.Unlock()
	sort.Strings(ids)
	e.deactivate(ids)
	return nil
}

func (e *Engine) deactivate(ids []string) {
	var change geo.GeofencesChange
	e.mu.Lock()
	for _, id := range ids {
		r, ok := e.active[id]
		if !ok {
			continue
		}
		r.cancelDwell()
		e.unmonitorLocked(id)
		delete(e.active, id)
		change.Off = append(change.Off, id)
	}
	e.mu.Unlock()
	if !change.Empty() {
		e.listener.GeofencesChanged(change)
	}
}

// Geofences returns the full set ordered by identifier.
func (e *Engine) Geofences() []geo.Geofence {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]geo.Geofence, 0, len(e.fences))
	for _, g := range e.fences {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Get returns the geofence with identifier.
func (e *Engine) Get(id string) (geo.Geofence, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.fences[id]
	return g, ok
}

// Exists reports whether a geofence with identifier is defined.
func (e *Engine) Exists(id string) bool {
	_, ok := e.Get(id)
	return ok
}

// Active returns the identifiers being monitored, sorted.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pending returns the identifiers not being monitored, sorted.
func (e *Engine) Pending() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for id := range e.fences {
		if _, ok := e.active[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// StationaryRegion returns the stationary region, if any, whether or not the
// platform has accepted it yet.
func (e *Engine) StationaryRegion() (Region, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stationary == nil {
		return Region{}, false
	}
	return *e.stationary, true
}

// SetStationaryRegion installs the stationary region centred on fix with
// radius max(radius, fix accuracy). It occupies one monitoring slot, which is
// freed before the region is registered. If the platform rejects the region
// it is kept, exits are still detected from fixes, and registration is
// retried on the next Update.
func (e *Engine) SetStationaryRegion(fix geo.Fix, radius float64) error {
	r := Region{
		Identifier: StationaryIdentifier,
		Latitude:   fix.Coords.Latitude,
		Longitude:  fix.Coords.Longitude,
		Radius:     math.Max(radius, fix.Coords.Accuracy),
	}
	e.mu.Lock()
	e.clearStationaryLocked()
	e.stationary = &r
	f := fix
	e.last = &f
	running := e.running
	var out pending
	if running {
		out.change = e.partitionLocked(fix)
	}
	err := e.installStationaryLocked()
	e.mu.Unlock()
	e.flush(out)
	if err != nil {
		return err
	}
	monitoring.Debugf("[geofence] stationary region radius %.0fm", r.Radius)

	if running {
		e.Update(fix)
	}
	return nil
}

// installStationaryLocked registers the stationary region with the platform.
// The region's slot must already be reserved by partitionLocked.
func (e *Engine) installStationaryLocked() error {
	if e.stationary == nil || e.stationaryInstalled {
		return nil
	}
	if err := e.monitor.Monitor(*e.stationary); err != nil {
		monitoring.Warnf("[geofence] failed to monitor stationary region, will retry: %v", err)
		return fmt.Errorf("failed to monitor stationary region: %w", err)
	}
	e.stationaryInstalled = true
	return nil
}

func (e *Engine) clearStationaryLocked() {
	if e.stationary == nil {
		return
	}
	if e.stationaryInstalled {
		e.unmonitorLocked(StationaryIdentifier)
	}
	e.stationary = nil
	e.stationaryInstalled = false
}

// ClearStationaryRegion removes the stationary region.
func (e *Engine) ClearStationaryRegion() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearStationaryLocked()
}

type pending struct {
	transitions    []Transition
	change         geo.GeofencesChange
	stationaryExit *geo.Fix
}

func (e *Engine) flush(p pending) {
	if p.stationaryExit != nil {
		e.listener.StationaryExit(*p.stationaryExit)
	}
	if !p.change.Empty() {
		e.listener.GeofencesChanged(p.change)
	}
	for _, t := range p.transitions {
		e.listener.GeofenceTransition(t)
	}
}

// Update evaluates fix: it re-partitions the active set, detects ENTER and
// EXIT for active geofences and checks the stationary region.
func (e *Engine) Update(fix geo.Fix) {
	e.mu.Lock()
	f := fix
	e.last = &f

	var out pending
	if e.stationary != nil {
		d := geo.Distance(e.stationary.Latitude, e.stationary.Longitude, fix.Coords.Latitude, fix.Coords.Longitude)
		if d > e.stationary.Radius {
			monitoring.Infof("[geofence] exited stationary region (%.0fm > %.0fm)", d, e.stationary.Radius)
			e.clearStationaryLocked()
			out.stationaryExit = &f
		}
	}
	if e.running {
		out.change = e.partitionLocked(fix)
		for _, id := range sortedKeys(e.active) {
			r := e.active[id]
			inside := r.fence.Contains(fix.Coords.Latitude, fix.Coords.Longitude)
			out.transitions = append(out.transitions, e.transitionLocked(r, inside, fix)...)
		}
	}
	_ = e.installStationaryLocked()
	e.mu.Unlock()

	e.flush(out)
}

// HandleRegionEvent accepts a transition reported by the platform monitor.
// Transitions that do not change the known inside/outside state are
// ignored.
func (e *Engine) HandleRegionEvent(id string, action geo.GeofenceAction, fix geo.Fix) {
	e.mu.Lock()
	var out pending
	if id == StationaryIdentifier {
		if action == geo.ActionExit && e.stationary != nil {
			e.clearStationaryLocked()
			f := fix
			out.stationaryExit = &f
		}
		e.mu.Unlock()
		e.flush(out)
		return
	}

	r, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		monitoring.Debugf("[geofence] ignoring %s for inactive region %s", action, id)
		return
	}
	switch action {
	case geo.ActionEnter:
		out.transitions = e.transitionLocked(r, true, fix)
	case geo.ActionExit:
		out.transitions = e.transitionLocked(r, false, fix)
	case geo.ActionDwell:
		if r.inside && r.fence.Notifies(geo.ActionDwell) {
			r.cancelDwell()
			out.transitions = []Transition{{Geofence: r.fence, Action: geo.ActionDwell, Fix: fix}}
		}
	}
	e.mu.Unlock()
	e.flush(out)
}

// transitionLocked moves r to the inside state and returns the resulting
// notifications.
func (e *Engine) transitionLocked(r *regionState, inside bool, fix geo.Fix) []Transition {
	if r.known && r.inside == inside {
		return nil
	}
	initial := !r.known
	r.known = true
	r.inside = inside

	if !inside {
		r.cancelDwell()
		if initial || !r.fence.Notifies(geo.ActionExit) {
			return nil
		}
		return []Transition{{Geofence: r.fence, Action: geo.ActionExit, Fix: fix}}
	}

	if initial && !e.params.InitialTriggerEntry {
		return nil
	}
	if r.fence.Notifies(geo.ActionDwell) {
		e.startDwellLocked(r)
	}
	if !r.fence.Notifies(geo.ActionEnter) {
		return nil
	}
	return []Transition{{Geofence: r.fence, Action: geo.ActionEnter, Fix: fix}}
}

func (e *Engine) startDwellLocked(r *regionState) {
	r.cancelDwell()
	gen := r.gen
	id := r.fence.Identifier
	r.dwell = e.clock.AfterFunc(r.fence.LoiteringDuration(), func() { e.fireDwell(id, gen) })
}

func (e *Engine) fireDwell(id string, gen uint64) {
	e.mu.Lock()
	r, ok := e.active[id]
	if !ok || r.gen != gen || !r.inside || e.last == nil {
		e.mu.Unlock()
		return
	}
	r.dwell = nil
	t := Transition{Geofence: r.fence, Action: geo.ActionDwell, Fix: *e.last}
	e.mu.Unlock()

	e.listener.GeofenceTransition(t)
}

type candidate struct {
	fence    geo.Geofence
	distance float64
}

// partitionLocked recomputes the active set for fix and returns the delta.
func (e *Engine) partitionLocked(fix geo.Fix) geo.GeofencesChange {
	slots := e.params.MaxMonitored
	if e.stationary != nil {
		slots--
	}
	slots = max(slots, 0)

	radius := e.params.proximity()
	var near []candidate
	for _, g := range e.fences {
		d := geo.Distance(fix.Coords.Latitude, fix.Coords.Longitude, g.Latitude, g.Longitude)
		if d <= radius {
			near = append(near, candidate{fence: g, distance: d})
		}
	}
	sort.Slice(near, func(i, j int) bool {
		if near[i].distance != near[j].distance {
			return near[i].distance < near[j].distance
		}
		return near[i].fence.Identifier < near[j].fence.Identifier
	})
	if len(near) > slots {
		monitoring.Debugf("[geofence] %v: %d nearby, %d slots", ErrCapacityExceeded, len(near), slots)
		near = near[:slots]
	}

	want := make(map[string]geo.Geofence, len(near))
	for _, c := range near {
		want[c.fence.Identifier] = c.fence
	}

	var change geo.GeofencesChange
	for _, id := range sortedKeys(e.active) {
		if _, keep := want[id]; keep {
			continue
		}
		e.active[id].cancelDwell()
		e.unmonitorLocked(id)
		delete(e.active, id)
		change.Off = append(change.Off, id)
	}
	for _, c := range near {
		id := c.fence.Identifier
		if _, ok := e.active[id]; ok {
			continue
		}
		err := e.monitor.Monitor(Region{
			Identifier: id,
			Latitude:   c.fence.Latitude,
			Longitude:  c.fence.Longitude,
			Radius:     c.fence.Radius,
		})
		if err != nil {
			monitoring.Warnf("[geofence] failed to monitor %s, will retry: %v", id, err)
			continue
		}
		e.active[id] = &regionState{fence: c.fence}
		change.On = append(change.On, c.fence)
	}
	return change
}

func (e *Engine) unmonitorLocked(id string) {
	if err := e.monitor.Unmonitor(id); err != nil {
		monitoring.Warnf("[geofence] failed to unmonitor %s: %v", id, err)
	}
}

func sortedKeys(m map[string]*regionState) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
