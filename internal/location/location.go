// Package location reads device fixes from Android's location service.
package location

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/jkaberg/nova-driver/internal/config"
	"github.com/jkaberg/nova-driver/internal/domain"
	"github.com/sirupsen/logrus"
)

// ErrNoFix means the location service currently has no usable fix.
var ErrNoFix = errors.New("no location fix in dumpsys output")

// Source yields a single device fix.
type Source interface {
	Fetch(ctx context.Context) (*domain.Coordinates, error)
}

// DumpsysProvider reads the last known fix from `dumpsys location`.
type DumpsysProvider struct {
	logger  *logrus.Logger
	timeout time.Duration
	now     func() time.Time
	// run executes dumpsys; swapped in tests.
	run func(ctx context.Context) ([]byte, error)
}

// NewDumpsysProvider returns a provider using /system/bin/dumpsys.
func NewDumpsysProvider(logger *logrus.Logger) *DumpsysProvider {
	return &DumpsysProvider{
		logger:  logger,
		timeout: config.LocationTimeout,
		now:     time.Now,
		run: func(ctx context.Context) ([]byte, error) {
			// Absolute path; PATH lookups trip seccomp on older Android builds.
			return exec.CommandContext(ctx, "/system/bin/dumpsys", "location").Output()
		},
	}
}

// Fetch runs dumpsys once. A missing fix is reported as ErrNoFix, never as a
// zero coordinate.
func (p *DumpsysProvider) Fetch(ctx context.Context) (*domain.Coordinates, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.run(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("dumpsys location timed out after %s", p.timeout)
		}
		return nil, fmt.Errorf("dumpsys location: %w", err)
	}

	fix, provider, err := parseDumpsys(string(out))
	if err != nil {
		return nil, err
	}
	fix.FixTimestamp = p.now()

	p.logger.WithFields(logrus.Fields{
		"lat":      fix.Lat,
		"lng":      fix.Lng,
		"accuracy": fix.AccuracyMeters,
		"provider": provider,
	}).Debug("location: fix read")
	return fix, nil
}

// Watch polls src every interval and emits each changed fix. The channel is
// closed when ctx is done. Fetch failures are logged and skipped, so a lost
// fix simply stops producing updates.
func Watch(ctx context.Context, src Source, interval time.Duration, logger *logrus.Logger) <-chan domain.Coordinates {
	if interval <= 0 {
		interval = config.LocationFetchInterval
	}
	out := make(chan domain.Coordinates, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last *domain.Coordinates
		for {
			fix, err := src.Fetch(ctx)
			switch {
			case err != nil:
				if ctx.Err() == nil {
					logger.WithError(err).Debug("location: fetch failed")
				}
			case last == nil || fix.Lat != last.Lat || fix.Lng != last.Lng || fix.AccuracyMeters != last.AccuracyMeters:
				last = fix
				select {
				case out <- *fix:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// Compiled once; the watch runs for the lifetime of the process.
var (
	nativeRe  = regexp.MustCompile(`(?s)LatitudeDegrees:\s*([-0-9\.]+).*?LongitudeDegrees:\s*([-0-9\.]+).*?horizontalAccuracyMeters:\s*([-0-9\.]+)`)
	gpsRe     = regexp.MustCompile(`(?m)^\s*gps:\s*Location\[[^]]*?([\-0-9\.]+),([\-0-9\.]+)([^]]*)]`)
	networkRe = regexp.MustCompile(`(?m)^\s*network:\s*Location\[[^]]*?([\-0-9\.]+),([\-0-9\.]+)([^]]*)]`)
	hAccRe    = regexp.MustCompile(`hAcc=([\-0-9\.]+)`)
)

// parseDumpsys prefers the GNSS native block, then the gps and network last
// known locations. It returns the provider name alongside the fix.
func parseDumpsys(out string) (*domain.Coordinates, string, error) {
	candidates := []struct {
		name string
		re   *regexp.Regexp
	}{{"gnss", nativeRe}, {"gps", gpsRe}, {"network", networkRe}}

	for _, c := range candidates {
		m := c.re.FindStringSubmatch(out)
		if m == nil {
			continue
		}
		lat, errLat := strconv.ParseFloat(m[1], 64)
		lng, errLng := strconv.ParseFloat(m[2], 64)
		if errLat != nil || errLng != nil {
			continue
		}
		// The native block captures accuracy directly; Location[...] lines
		// capture the remaining attributes for a second pass.
		accField := m[3]
		if c.re != nativeRe {
			accField = ""
			if h := hAccRe.FindStringSubmatch(m[3]); h != nil {
				accField = h[1]
			}
		}
		acc, _ := strconv.ParseFloat(accField, 64)
		return &domain.Coordinates{Lat: lat, Lng: lng, AccuracyMeters: acc}, c.name, nil
	}
	return nil, "", ErrNoFix
}
