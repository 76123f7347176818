// Package gnss reads NMEA 0183 from a serial GNSS receiver and feeds the
// resulting fixes to the tracker. It is the positioning provider used when
// geotrack runs on a host with a receiver attached.
package gnss

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/location"
	"github.com/banshee-data/geotrack/internal/monitoring"
)

var ErrWriteFailed = errors.New("failed to write to receiver")

// Sink receives decoded fixes.
type Sink interface {
	HandleFix(fix geo.Fix)
}

// Receiver multiplexes a GNSS serial port: decoded fixes go to the sink
// while the provider session is enabled, and raw sentences go to every
// subscriber.
type Receiver[T Porter] struct {
	port T

	mu      sync.Mutex
	sink    Sink
	session location.Session
	lastGGA *GGA

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
	commandMu    sync.Mutex
	closing      bool
}

// NewReceiver wraps port.
func NewReceiver[T Porter](port T) *Receiver[T] {
	return &Receiver[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// Attach sets the sink that receives fixes.
func (r *Receiver[T]) Attach(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

// Configure implements location.Provider. Fixes are only forwarded while the
// session is enabled; the receiver itself keeps running.
func (r *Receiver[T]) Configure(s location.Session) error {
	r.mu.Lock()
	prev := r.session
	r.session = s
	r.mu.Unlock()
	if prev.Enabled != s.Enabled {
		monitoring.Infof("[gnss] session enabled=%t", s.Enabled)
	}
	return nil
}

// Session returns the session last applied by Configure.
func (r *Receiver[T]) Session() location.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel of raw sentences. The id is used to
// unsubscribe.
func (r *Receiver[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 16)
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	if r.closing {
		close(ch)
		return id, ch
	}
	r.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (r *Receiver[T]) Unsubscribe(id string) {
	r.subscriberMu.Lock()
	defer r.subscriberMu.Unlock()
	if ch, ok := r.subscribers[id]; ok {
		close(ch)
		delete(r.subscribers, id)
	}
}

// SendCommand writes a sentence to the receiver. A body without the leading
// '$' is framed and checksummed first.
func (r *Receiver[T]) SendCommand(command string) error {
	command = strings.TrimSpace(command)
	if !strings.HasPrefix(command, "$") {
		command = Sentence(command)
	}
	command += "\r\n"

	r.commandMu.Lock()
	defer r.commandMu.Unlock()
	n, err := r.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads sentences until ctx ends or the port is exhausted.
func (r *Receiver[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(r.port)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			r.subscriberMu.Lock()
			closing := r.closing
			for _, ch := range r.subscribers {
				select {
				case ch <- line:
				default:
				}
			}
			r.subscriberMu.Unlock()
			if closing {
				return nil
			}
			r.handleLine(line)
		}
	}
}

func (r *Receiver[T]) handleLine(line string) {
	msg, err := Parse(line)
	if err != nil {
		if !errors.Is(err, ErrUnsupported) {
			monitoring.Debugf("[gnss] dropping sentence %q: %v", line, err)
		}
		return
	}

	r.mu.Lock()
	var (
		fix  geo.Fix
		emit bool
		sink = r.sink
	)
	switch m := msg.(type) {
	case *GGA:
		r.lastGGA = m
	case *RMC:
		if !m.Valid {
			break
		}
		fix = geo.Fix{
			Coords: geo.Coords{
				Latitude:         m.Lat,
				Longitude:        m.Lon,
				Accuracy:         r.lastGGA.Accuracy(),
				Speed:            m.Speed,
				Heading:          m.Heading,
				AltitudeAccuracy: -1,
			},
			Timestamp: m.Time,
		}
		if r.lastGGA != nil {
			fix.Coords.Altitude = r.lastGGA.Altitude
		}
		emit = r.session.Enabled && sink != nil
	}
	r.mu.Unlock()

	if emit {
		monitoring.Verbosef("[gnss] fix %.6f,%.6f ±%.0fm", fix.Coords.Latitude, fix.Coords.Longitude, fix.Coords.Accuracy)
		sink.HandleFix(fix)
	}
}

// Close closes every subscriber channel and the port.
func (r *Receiver[T]) Close() error {
	r.subscriberMu.Lock()
	r.closing = true
	for id, ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, id)
	}
	r.subscriberMu.Unlock()
	return r.port.Close()
}

// AttachAdminRoutes serves a live tail of raw sentences and a command
// endpoint under /debug/.
func (r *Receiver[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc("gnss-command", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(req.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := r.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to receiver", command))
	})

	debug.HandleFunc("gnss-tail", "live NMEA sentences (server-sent events)", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := r.Subscribe()
		defer r.Unsubscribe(id)

		flusher, _ := w.(http.Flusher)
		w.Write([]byte(": ping\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				if flusher != nil {
					flusher.Flush()
				}
			case <-req.Context().Done():
				return
			}
		}
	})
}
