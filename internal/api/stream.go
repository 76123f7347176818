package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/banshee-data/geotrack/internal/events"
	"github.com/banshee-data/geotrack/internal/httputil"
	"github.com/banshee-data/geotrack/internal/monitoring"
)

// frame is one server-sent event.
type frame struct {
	name string
	data []byte
}

// relay subscribes to topic and forwards each payload as an encoded frame.
// Frames are dropped when the client falls behind.
func relay[T any](bus *events.Bus, topic events.Topic[T], out chan<- frame) *events.Subscription {
	return events.Subscribe(bus, topic, func(v T) {
		data, err := json.Marshal(v)
		if err != nil {
			monitoring.Warnf("[api] encoding %s event: %v", topic.Name, err)
			return
		}
		select {
		case out <- frame{name: topic.Name, data: data}:
		default:
			monitoring.Debugf("[api] stream client behind, dropped %s event", topic.Name)
		}
	})
}

func (s *Server) subscribeAll(out chan<- frame) []*events.Subscription {
	return []*events.Subscription{
		relay(s.bus, events.OnLocation, out),
		relay(s.bus, events.OnMotionChange, out),
		relay(s.bus, events.OnActivityChange, out),
		relay(s.bus, events.OnProviderChange, out),
		relay(s.bus, events.OnGeofence, out),
		relay(s.bus, events.OnGeofencesChange, out),
		relay(s.bus, events.OnHTTP, out),
		relay(s.bus, events.OnSync, out),
		relay(s.bus, events.OnHeartbeat, out),
		relay(s.bus, events.OnSchedule, out),
		relay(s.bus, events.OnPowerSaveChange, out),
		relay(s.bus, events.OnConnectivityChange, out),
		relay(s.bus, events.OnEnabledChange, out),
		relay(s.bus, events.OnAuthorization, out),
	}
}

// streamEvents serves every bus event as server-sent events until the
// client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	frames := make(chan frame, 64)
	subs := s.subscribeAll(frames)
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	w.Write([]byte(": ping\n\n"))
	flush()

	for {
		select {
		case f := <-frames:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.name, f.data); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}
