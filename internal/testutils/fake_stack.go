package testutils

import (
	"context"
	"errors"
	"sync"

	"github.com/srg/stepble/internal/device"
)

// FakeCharacteristic is a device.CharacteristicHandle served by FakeLink
type FakeCharacteristic struct {
	Service string
	Char    string
	Props   device.Property
}

func (c *FakeCharacteristic) UUID() string                { return c.Char }
func (c *FakeCharacteristic) ServiceUUID() string         { return c.Service }
func (c *FakeCharacteristic) Properties() device.Property { return c.Props }

type fakeService struct {
	uuid string
}

func (s *fakeService) UUID() string { return s.uuid }

// CharacteristicSpec declares one characteristic of the fake peripheral
type CharacteristicSpec struct {
	UUID  string
	Props device.Property
}

// FakeWrite records one WriteValue call on a FakeLink
type FakeWrite struct {
	Handle       device.CharacteristicHandle
	Payload      []byte
	WithResponse bool
}

// FakeStack is a scriptable device.Stack. Each Connect produces a fresh
// FakeLink whose handles are new objects, so handles from one connection
// never match another.
type FakeStack struct {
	mu sync.Mutex

	service string
	chars   []CharacteristicSpec
	ads     []device.Advertisement

	scanErr     error
	connectErr  error
	connectGate chan struct{}

	blockServices        bool
	blockCharacteristics bool
	missingService       bool
	holdWrites           bool
	writeErr             error

	scans    int
	connects int
	links    []*FakeLink
	linkCh   chan *FakeLink
}

// NewFakeStack creates a stack whose peripherals expose service with chars
func NewFakeStack(service string, chars ...CharacteristicSpec) *FakeStack {
	return &FakeStack{
		service: service,
		chars:   chars,
		linkCh:  make(chan *FakeLink, 16),
	}
}

// Advertise sets the advertisements every Scan reports
func (s *FakeStack) Advertise(ads ...device.Advertisement) *FakeStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ads = ads
	return s
}

// AdvertisePeripheral is Advertise for a single connectable peripheral
func (s *FakeStack) AdvertisePeripheral(address, name string) *FakeStack {
	return s.Advertise(NewAdvertisementBuilder().
		WithAddress(address).
		WithName(name).
		WithServices(s.service).
		BuildAdvertisement())
}

// FailScan makes Scan return err immediately
func (s *FakeStack) FailScan(err error) *FakeStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanErr = err
	return s
}

// FailConnect makes Connect return err; nil restores success
func (s *FakeStack) FailConnect(err error) *FakeStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
	return s
}

// HoldConnect makes Connect block until ReleaseConnect or its ctx ends
func (s *FakeStack) HoldConnect() *FakeStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectGate = make(chan struct{})
	return s
}

// ReleaseConnect lets held Connect calls complete
func (s *FakeStack) ReleaseConnect() {
	s.mu.Lock()
	gate := s.connectGate
	s.connectGate = nil
	s.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// BlockServiceDiscovery makes DiscoverServices block until its ctx ends
func (s *FakeStack) BlockServiceDiscovery() *FakeStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockServices = true
	return s
}

// BlockCharacteristicDiscovery makes DiscoverCharacteristics block until its ctx ends
func (s *FakeStack) BlockCharacteristicDiscovery() *FakeStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockCharacteristics = true
	return s
}

// HideService makes DiscoverServices report nothing
func (s *FakeStack) HideService() *FakeStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missingService = true
	return s
}

// HoldWrites makes WriteValue block until FakeLink.AckWrite or the link drops
func (s *FakeStack) HoldWrites() *FakeStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdWrites = true
	return s
}

// FailWrites makes every WriteValue return err
func (s *FakeStack) FailWrites(err error) *FakeStack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
	return s
}

// Scan reports the configured advertisements and blocks until ctx ends
func (s *FakeStack) Scan(ctx context.Context, _ bool, handler func(device.Advertisement)) error {
	s.mu.Lock()
	s.scans++
	ads := append([]device.Advertisement(nil), s.ads...)
	err := s.scanErr
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, adv := range ads {
		handler(adv)
	}
	<-ctx.Done()
	return ctx.Err()
}

// Connect returns a new FakeLink to id
func (s *FakeStack) Connect(ctx context.Context, id device.PeripheralIdentity) (device.Link, error) {
	s.mu.Lock()
	s.connects++
	gate := s.connectGate
	err := s.connectErr
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	link := s.newLink(id)
	s.mu.Lock()
	s.links = append(s.links, link)
	s.mu.Unlock()

	select {
	case s.linkCh <- link:
	default:
	}
	return link, nil
}

func (s *FakeStack) newLink(id device.PeripheralIdentity) *FakeLink {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := &FakeLink{
		stack:      s,
		peripheral: id,
		lost:       make(chan struct{}),
		handlers:   make(map[string]func([]byte)),
		acks:       make(map[string]chan error),
	}
	if !s.missingService {
		l.service = &fakeService{uuid: s.service}
	}
	for _, cs := range s.chars {
		l.chars = append(l.chars, &FakeCharacteristic{Service: s.service, Char: cs.UUID, Props: cs.Props})
	}
	return l
}

// Links returns every link Connect produced, oldest first
func (s *FakeStack) Links() []*FakeLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*FakeLink(nil), s.links...)
}

// LastLink returns the most recent link, or nil
func (s *FakeStack) LastLink() *FakeLink {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.links) == 0 {
		return nil
	}
	return s.links[len(s.links)-1]
}

// LinkCreated delivers each link as Connect produces it
func (s *FakeStack) LinkCreated() <-chan *FakeLink {
	return s.linkCh
}

// ScanCount returns how many times Scan was called
func (s *FakeStack) ScanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

// ConnectCount returns how many times Connect was called
func (s *FakeStack) ConnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *FakeStack) settings() (blockServices, blockChars, holdWrites bool, writeErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockServices, s.blockCharacteristics, s.holdWrites, s.writeErr
}

// FakeLink is the device.Link produced by FakeStack
type FakeLink struct {
	stack      *FakeStack
	peripheral device.PeripheralIdentity
	service    *fakeService
	chars      []*FakeCharacteristic

	lostOnce sync.Once
	lost     chan struct{}

	mu           sync.Mutex
	handlers     map[string]func([]byte)
	unsubscribes int
	writes       []FakeWrite
	acks         map[string]chan error
	disconnects  int
}

// Peripheral returns the identity the link was dialed for
func (l *FakeLink) Peripheral() device.PeripheralIdentity {
	return l.peripheral
}

// DiscoverServices reports the configured service
func (l *FakeLink) DiscoverServices(ctx context.Context, _ []string) ([]device.ServiceHandle, error) {
	block, _, _, _ := l.stack.settings()
	if block {
		return nil, l.wait(ctx)
	}
	if l.service == nil {
		return nil, nil
	}
	return []device.ServiceHandle{l.service}, nil
}

// DiscoverCharacteristics reports the configured characteristics matching uuids
func (l *FakeLink) DiscoverCharacteristics(ctx context.Context, _ device.ServiceHandle, uuids []string) ([]device.CharacteristicHandle, error) {
	_, block, _, _ := l.stack.settings()
	if block {
		return nil, l.wait(ctx)
	}

	var result []device.CharacteristicHandle
	for _, c := range l.chars {
		if len(uuids) == 0 {
			result = append(result, c)
			continue
		}
		for _, want := range uuids {
			if device.SameUUID(c.Char, want) {
				result = append(result, c)
				break
			}
		}
	}
	return result, nil
}

func (l *FakeLink) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.lost:
		return device.ErrLinkLost
	}
}

// Subscribe stores handler for Notify
func (l *FakeLink) Subscribe(ch device.CharacteristicHandle, handler func([]byte)) error {
	select {
	case <-l.lost:
		return device.ErrLinkLost
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[device.NormalizeUUID(ch.UUID())] = handler
	return nil
}

// Unsubscribe removes the stored handler
func (l *FakeLink) Unsubscribe(ch device.CharacteristicHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, device.NormalizeUUID(ch.UUID()))
	l.unsubscribes++
	return nil
}

// Notify delivers payload to the subscriber of uuid. It reports false when
// nothing is subscribed.
func (l *FakeLink) Notify(uuid string, payload []byte) bool {
	l.mu.Lock()
	h := l.handlers[device.NormalizeUUID(uuid)]
	l.mu.Unlock()
	if h == nil {
		return false
	}
	h(payload)
	return true
}

// Subscribed reports whether uuid has a stored handler
func (l *FakeLink) Subscribed(uuid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.handlers[device.NormalizeUUID(uuid)]
	return ok
}

// Unsubscribes returns how many Unsubscribe calls the link received
func (l *FakeLink) Unsubscribes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unsubscribes
}

// WriteValue records the write. Held writes wait for AckWrite.
func (l *FakeLink) WriteValue(ctx context.Context, ch device.CharacteristicHandle, data []byte, withResponse bool) error {
	_, _, hold, writeErr := l.stack.settings()
	key := device.HandleKey(ch)

	l.mu.Lock()
	l.writes = append(l.writes, FakeWrite{Handle: ch, Payload: append([]byte(nil), data...), WithResponse: withResponse})
	var ack chan error
	if hold {
		ack = make(chan error, 1)
		l.acks[key] = ack
	}
	l.mu.Unlock()

	if ack == nil {
		return writeErr
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.lost:
		return device.ErrLinkLost
	}
}

// AckWrite completes the held write on ch with err. It reports false when no
// write to ch is held.
func (l *FakeLink) AckWrite(ch device.CharacteristicHandle, err error) bool {
	key := device.HandleKey(ch)
	l.mu.Lock()
	ack, ok := l.acks[key]
	delete(l.acks, key)
	l.mu.Unlock()
	if !ok {
		return false
	}
	ack <- err
	return true
}

// HeldWrites returns how many writes wait for AckWrite
func (l *FakeLink) HeldWrites() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.acks)
}

// Writes returns every recorded write
func (l *FakeLink) Writes() []FakeWrite {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]FakeWrite(nil), l.writes...)
}

// Disconnected is closed by Drop or Disconnect
func (l *FakeLink) Disconnected() <-chan struct{} {
	return l.lost
}

// Disconnect records the call and closes the link
func (l *FakeLink) Disconnect() error {
	l.mu.Lock()
	l.disconnects++
	l.mu.Unlock()
	l.close()
	return nil
}

// Disconnects returns how many Disconnect calls the link received
func (l *FakeLink) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// Drop simulates the peripheral going away
func (l *FakeLink) Drop() {
	l.close()
}

// Closed reports whether the link is down
func (l *FakeLink) Closed() bool {
	select {
	case <-l.lost:
		return true
	default:
		return false
	}
}

func (l *FakeLink) close() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// Handle returns this link's handle for uuid
func (l *FakeLink) Handle(uuid string) *FakeCharacteristic {
	for _, c := range l.chars {
		if device.SameUUID(c.Char, uuid) {
			return c
		}
	}
	return nil
}

// ErrFakeRadio is a radio failure FakeStack tests can inject
var ErrFakeRadio = errors.New("bluetooth is turned off")
