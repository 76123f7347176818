package gnss

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/geotrack/internal/units"
)

var (
	ErrChecksum    = errors.New("nmea checksum mismatch")
	ErrMalformed   = errors.New("malformed nmea sentence")
	ErrUnsupported = errors.New("unsupported nmea sentence")
)

// userRangeError converts HDOP into an approximate horizontal accuracy.
const userRangeError = 5.0 // metres

// Checksum returns the XOR of the bytes between '$' and '*'.
func Checksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

// Sentence frames body as "$body*HH".
func Sentence(body string) string {
	return fmt.Sprintf("$%s*%02X", body, Checksum(body))
}

// split checks the framing and checksum of line and returns its fields.
func split(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nil, ErrMalformed
	}
	body, sum, ok := strings.Cut(line[1:], "*")
	if ok {
		want, err := strconv.ParseUint(sum, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: bad checksum %q", ErrMalformed, sum)
		}
		if byte(want) != Checksum(body) {
			return nil, ErrChecksum
		}
	}
	fields := strings.Split(body, ",")
	if len(fields[0]) < 5 {
		return nil, ErrMalformed
	}
	return fields, nil
}

// sentenceType strips the talker id: GPRMC, GNRMC and GLRMC are all RMC.
func sentenceType(tag string) string {
	return tag[len(tag)-3:]
}

// RMC is the recommended minimum fix.
type RMC struct {
	Time    time.Time
	Valid   bool
	Lat     float64
	Lon     float64
	Speed   float64 // m/s, -1 when absent
	Heading float64 // degrees, -1 when absent
}

// GGA carries fix quality and altitude.
type GGA struct {
	Quality    int
	Satellites int
	HDOP       float64
	Altitude   float64
}

// Parse decodes an RMC or GGA sentence. It returns *RMC or *GGA.
func Parse(line string) (any, error) {
	f, err := split(line)
	if err != nil {
		return nil, err
	}
	switch sentenceType(f[0]) {
	case "RMC":
		return parseRMC(f)
	case "GGA":
		return parseGGA(f)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, f[0])
}

func parseRMC(f []string) (*RMC, error) {
	if len(f) < 10 {
		return nil, fmt.Errorf("%w: RMC has %d fields", ErrMalformed, len(f))
	}
	r := &RMC{Valid: f[2] == "A", Speed: -1, Heading: -1}
	if !r.Valid {
		return r, nil
	}
	var err error
	if r.Time, err = parseDateTime(f[9], f[1]); err != nil {
		return nil, err
	}
	if r.Lat, err = parseCoord(f[3], f[4], 2); err != nil {
		return nil, err
	}
	if r.Lon, err = parseCoord(f[5], f[6], 3); err != nil {
		return nil, err
	}
	if f[7] != "" {
		knots, err := strconv.ParseFloat(f[7], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: speed %q", ErrMalformed, f[7])
		}
		if r.Speed, err = units.ToMPS(knots, units.Knots); err != nil {
			return nil, err
		}
	}
	if f[8] != "" {
		if r.Heading, err = strconv.ParseFloat(f[8], 64); err != nil {
			return nil, fmt.Errorf("%w: course %q", ErrMalformed, f[8])
		}
	}
	return r, nil
}

func parseGGA(f []string) (*GGA, error) {
	if len(f) < 10 {
		return nil, fmt.Errorf("%w: GGA has %d fields", ErrMalformed, len(f))
	}
	g := &GGA{HDOP: -1}
	g.Quality, _ = strconv.Atoi(f[6])
	g.Satellites, _ = strconv.Atoi(f[7])
	if f[8] != "" {
		hdop, err := strconv.ParseFloat(f[8], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: hdop %q", ErrMalformed, f[8])
		}
		g.HDOP = hdop
	}
	if f[9] != "" {
		g.Altitude, _ = strconv.ParseFloat(f[9], 64)
	}
	return g, nil
}

// Accuracy is the approximate horizontal accuracy in metres, or -1.
func (g *GGA) Accuracy() float64 {
	if g == nil || g.HDOP < 0 || g.Quality == 0 {
		return -1
	}
	return g.HDOP * userRangeError
}

// parseCoord converts ddmm.mmmm (or dddmm.mmmm) and a hemisphere into
// decimal degrees.
func parseCoord(v, hemi string, degDigits int) (float64, error) {
	if len(v) < degDigits+2 {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, v)
	}
	deg, err := strconv.Atoi(v[:degDigits])
	if err != nil {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, v)
	}
	minutes, err := strconv.ParseFloat(v[degDigits:], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, v)
	}
	out := float64(deg) + minutes/60
	switch hemi {
	case "S", "W":
		out = -out
	case "N", "E":
	default:
		return 0, fmt.Errorf("%w: hemisphere %q", ErrMalformed, hemi)
	}
	return out, nil
}

// parseDateTime combines ddmmyy and hhmmss[.sss] into a UTC time.
func parseDateTime(date, clock string) (time.Time, error) {
	if len(date) != 6 || len(clock) < 6 {
		return time.Time{}, fmt.Errorf("%w: time %q %q", ErrMalformed, date, clock)
	}
	t, err := time.Parse("020106150405", date+clock[:6])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: time %q %q", ErrMalformed, date, clock)
	}
	if len(clock) > 7 && clock[6] == '.' {
		frac, err := strconv.ParseFloat("0"+clock[6:], 64)
		if err == nil {
			t = t.Add(time.Duration(frac * float64(time.Second)))
		}
	}
	return t, nil
}
