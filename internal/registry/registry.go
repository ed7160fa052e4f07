// Package registry tracks peripherals reported by the radio and hands out
// discovery sequences and single-owner session claims.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/stepble/internal/device"
	"github.com/srg/stepble/internal/groutine"
)

const (
	// DefaultTTL is how long an entry survives without a fresh advertisement
	DefaultTTL = 60 * time.Second

	// DefaultBufferSize bounds the identities a slow consumer can lag behind
	DefaultBufferSize = 64
)

// Options configures a Registry
type Options struct {
	TTL        time.Duration
	BufferSize int
}

// Filter selects which advertisements a discovery reports
type Filter struct {
	Address    string
	Name       string
	NamePrefix string
	Services   []string

	// AllowDuplicates reports every matching advertisement, not only the first per peripheral
	AllowDuplicates bool

	// IncludeNonConnectable reports peripherals that advertise as non-connectable
	IncludeNonConnectable bool
}

// ForIdentity returns a filter matching exactly the given peripheral
func ForIdentity(id device.PeripheralIdentity) Filter {
	return Filter{Address: id.Address}
}

// Matches applies the filter to an advertisement
func (f Filter) Matches(adv device.Advertisement) bool {
	if !f.IncludeNonConnectable && !adv.Connectable() {
		return false
	}
	if f.Address != "" && device.NormalizeAddress(f.Address) != device.NormalizeAddress(adv.Addr()) {
		return false
	}
	if f.Name != "" && f.Name != adv.LocalName() {
		return false
	}
	if f.NamePrefix != "" && !strings.HasPrefix(adv.LocalName(), f.NamePrefix) {
		return false
	}
	if len(f.Services) > 0 {
		found := false
		for _, required := range f.Services {
			for _, advertised := range adv.Services() {
				if device.SameUUID(required, advertised) {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Entry is the registry's record of one peripheral
type Entry struct {
	Identity         device.PeripheralIdentity
	RSSI             int
	Services         []string
	ManufacturerData []byte
	Connectable      bool
	FirstSeen        time.Time
	LastSeen         time.Time
}

// claims is shared by every Registry in the process, so two sessions built
// over different registries still cannot own the same peripheral.
var (
	claims  = hashmap.New[string, uint64]()
	claimID atomic.Uint64
)

// Registry tracks known peripherals and their advertisement metadata.
// Entries are immutable; updates replace them.
type Registry struct {
	scanner device.Scanner
	logger  *logrus.Logger
	opts    Options

	entries *hashmap.Map[string, *Entry]

	mu      sync.Mutex
	current *Discovery

	now func() time.Time
}

// New creates a registry over the given scanner
func New(scanner device.Scanner, opts Options, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Registry{
		scanner: scanner,
		logger:  logger,
		opts:    opts,
		entries: hashmap.New[string, *Entry](),
		now:     time.Now,
	}
}

// Discover starts reporting peripherals matching filter. Any discovery already
// running on this registry is stopped first, so Discover doubles as restart.
func (r *Registry) Discover(ctx context.Context, filter Filter) (*Discovery, error) {
	if r.scanner == nil {
		return nil, device.NewError(device.DiscoveryUnavailable, "no scanner configured", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.current != nil {
		r.current.Stop()
	}
	d := newDiscovery(ctx, filter, r.opts.BufferSize)
	r.current = d
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"address":  filter.Address,
		"name":     filter.Name,
		"services": filter.Services,
	}).Info("Starting peripheral discovery...")

	groutine.GoSafe(d.ctx, r.logger, "registry-discovery", func(scanCtx context.Context) {
		err := r.scanner.Scan(scanCtx, true, func(adv device.Advertisement) {
			entry := r.record(adv)
			if filter.Matches(adv) {
				d.offer(entry.Identity)
			}
		})
		d.finish(r.scanError(err))

		r.mu.Lock()
		if r.current == d {
			r.current = nil
		}
		r.mu.Unlock()
	})

	return d, nil
}

// scanError maps the scanner's return value onto the discovery outcome.
// Cancellation is a normal stop; anything else means the radio is unavailable.
func (r *Registry) scanError(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.logger.Debug("Peripheral discovery stopped")
		return nil
	}
	r.logger.WithField("error", err).Warn("Peripheral discovery terminated")
	if device.KindOf(err) == device.DiscoveryUnavailable {
		return err
	}
	return device.NewError(device.DiscoveryUnavailable, "scan failed", err)
}

// Stop halts the running discovery, if any. Idempotent.
func (r *Registry) Stop() {
	r.mu.Lock()
	d := r.current
	r.current = nil
	r.mu.Unlock()
	if d != nil {
		d.Stop()
	}
}

// record updates or adds the entry for an advertisement
func (r *Registry) record(adv device.Advertisement) *Entry {
	key := device.NormalizeAddress(adv.Addr())
	now := r.now()

	next := &Entry{
		Identity:         device.PeripheralIdentity{Address: key, Name: adv.LocalName()},
		RSSI:             adv.RSSI(),
		Services:         device.NormalizeUUIDs(adv.Services()),
		ManufacturerData: append([]byte(nil), adv.ManufacturerData()...),
		Connectable:      adv.Connectable(),
		FirstSeen:        now,
		LastSeen:         now,
	}

	prev, existing := r.entries.Get(key)
	if !existing {
		if r.entries.Insert(key, next) {
			r.logger.WithFields(logrus.Fields{
				"address": key,
				"name":    next.Identity.Name,
				"rssi":    next.RSSI,
			}).Debug("Discovered new peripheral")
			return next
		}
		// Lost the race to a concurrent record of the same address
		if prev, existing = r.entries.Get(key); !existing {
			r.entries.Set(key, next)
			return next
		}
	}

	// Identity is fixed at first discovery; a name learned later from a scan
	// response only fills an empty one.
	next.Identity = prev.Identity
	if next.Identity.Name == "" {
		next.Identity.Name = adv.LocalName()
	}
	next.FirstSeen = prev.FirstSeen
	if len(next.Services) == 0 {
		next.Services = prev.Services
	}
	r.entries.Set(key, next)
	return next
}

// Lookup returns the entry for an address
func (r *Registry) Lookup(address string) (Entry, bool) {
	e, ok := r.entries.Get(device.NormalizeAddress(address))
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns a snapshot of all known peripherals sorted by address
func (r *Registry) Entries() []Entry {
	result := make([]Entry, 0, r.entries.Len())
	r.entries.Range(func(_ string, e *Entry) bool {
		result = append(result, *e)
		return true
	})
	sort.Slice(result, func(i, j int) bool {
		return result[i].Identity.Address < result[j].Identity.Address
	})
	return result
}

// Forget drops a peripheral from the registry
func (r *Registry) Forget(address string) bool {
	return r.entries.Del(device.NormalizeAddress(address))
}

// Expire drops entries not seen within the TTL and returns how many were removed.
// Claimed peripherals are kept.
func (r *Registry) Expire(now time.Time) int {
	var stale []string
	r.entries.Range(func(key string, e *Entry) bool {
		if now.Sub(e.LastSeen) > r.opts.TTL {
			if _, claimed := claims.Get(key); !claimed {
				stale = append(stale, key)
			}
		}
		return true
	})
	for _, key := range stale {
		r.entries.Del(key)
	}
	if len(stale) > 0 {
		r.logger.WithField("count", len(stale)).Debug("Expired stale peripherals")
	}
	return len(stale)
}

// Claim marks a peripheral as owned by one session. A second claim on the
// same identity fails with ErrAlreadyConnecting until the release func runs.
func (r *Registry) Claim(id device.PeripheralIdentity) (release func(), err error) {
	key := id.ID()
	token := claimID.Add(1)
	if !claims.Insert(key, token) {
		return nil, device.NewError(device.AlreadyConnecting, "peripheral "+key+" is owned by another session", nil)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if current, ok := claims.Get(key); ok && current == token {
				claims.Del(key)
			}
		})
	}, nil
}

// Claimed reports whether a peripheral is currently owned by a session
func (r *Registry) Claimed(id device.PeripheralIdentity) bool {
	_, ok := claims.Get(id.ID())
	return ok
}
