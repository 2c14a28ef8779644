// Package ble adapts tinygo.org/x/bluetooth into the
// mbd.Connector/mbd.Session interfaces: scan, connect, discover
// services and characteristics, and enable notifications for the DE1
// and scale GATT profiles. Grounded on the scan/connect
// flow from an other_examples ComX-Bridge BLE transport, generalised
// from a single fixed service/characteristic pair to the role-keyed
// GATT profile table used here.
package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/pyde1/pyde1-go/internal/mbd"
)

// Profile describes the GATT service/characteristics a role needs
// discovered and subscribed on connect.
type Profile struct {
	Service      string
	NotifyChars  []string
	WriteChar    string
	NamePrefixes []string // used as a scan filter when addr is empty
}

// Adapter wraps the system's single BLE radio and implements
// mbd.Connector for every role sharing it.
type Adapter struct {
	adapter  *bluetooth.Adapter
	profile  Profile
	scanTime time.Duration
	logger   *slog.Logger
}

// NewAdapter builds an Adapter bound to the system default radio.
func NewAdapter(profile Profile, scanTime time.Duration, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{adapter: bluetooth.DefaultAdapter, profile: profile, scanTime: scanTime, logger: logger}
}

// Connect implements mbd.Connector: connects directly to addr if
// given, otherwise scans for a device matching one of the profile's
// name prefixes.
func (a *Adapter) Connect(ctx context.Context, addr string, scanHint bool) (mbd.Session, error) {
	if err := a.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}

	var target bluetooth.ScanResult
	var err error
	if addr == "" || scanHint {
		target, err = a.scan(ctx, addr)
		if err != nil {
			return nil, err
		}
	} else {
		mac, parseErr := bluetooth.ParseMAC(addr)
		if parseErr != nil {
			return nil, fmt.Errorf("parse address %q: %w", addr, parseErr)
		}
		target = bluetooth.ScanResult{Address: bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}}
	}

	device, err := a.adapter.Connect(target.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", target.Address.String(), err)
	}

	s := &session{
		adapter: a,
		device:  device,
		addr:    target.Address.String(),
		name:    target.LocalName(),
		disc:    make(chan struct{}),
	}
	watchDisconnect(a.adapter, s.addr, s.closeDisc)
	return s, nil
}

// The radio exposes a single connect handler, so disconnect interest is
// multiplexed through one package-level dispatcher keyed by address
// rather than letting each Connect call clobber the previous session's
// registration.
var (
	discMu          sync.Mutex
	discSubs        = map[string]func(){}
	discHandlerOnce sync.Once
)

func watchDisconnect(adapter *bluetooth.Adapter, addr string, fn func()) {
	discMu.Lock()
	discSubs[addr] = fn
	discMu.Unlock()
	discHandlerOnce.Do(func() {
		adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if connected {
				return
			}
			discMu.Lock()
			notify := discSubs[d.Address.String()]
			delete(discSubs, d.Address.String())
			discMu.Unlock()
			if notify != nil {
				notify()
			}
		})
	})
}

func (a *Adapter) scan(ctx context.Context, addr string) (bluetooth.ScanResult, error) {
	found := make(chan bluetooth.ScanResult, 1)
	err := a.adapter.Scan(func(ad *bluetooth.Adapter, result bluetooth.ScanResult) {
		if addr != "" && result.Address.String() != addr {
			return
		}
		if addr == "" && !a.matchesProfile(result.LocalName()) {
			return
		}
		ad.StopScan()
		select {
		case found <- result:
		default:
		}
	})
	if err != nil {
		return bluetooth.ScanResult{}, fmt.Errorf("start scan: %w", err)
	}

	timeout := a.scanTime
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case result := <-found:
		return result, nil
	case <-time.After(timeout):
		a.adapter.StopScan()
		return bluetooth.ScanResult{}, fmt.Errorf("scan timeout after %s", timeout)
	case <-ctx.Done():
		a.adapter.StopScan()
		return bluetooth.ScanResult{}, ctx.Err()
	}
}

// BeginScan implements httpapi.Scanner: it runs a scan for duration
// (or the adapter's configured ScanTime if duration is zero) and
// discards the first match: nothing about it is returned or published
// on the bus. A scan that finds nothing before the deadline is not an
// error: the deadline elapsing is the expected "scan complete, no new
// device seen" outcome.
func (a *Adapter) BeginScan(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		duration = a.scanTime
	}
	sctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	if _, err := a.scan(sctx, ""); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A scan window elapsing with no match is not a failure; the
		// caller learns about any capture via DeviceAvailability, not
		// this return value.
		return nil
	}
	return nil
}

// DropStaleSession implements mbd.StaleSessionDropper: it connects to
// and immediately disconnects addr, forcing the OS Bluetooth stack to
// tear down any session left orphaned by an ungraceful exit.
func (a *Adapter) DropStaleSession(addr string) error {
	mac, err := bluetooth.ParseMAC(addr)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", addr, err)
	}
	device, err := a.adapter.Connect(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, bluetooth.ConnectionParams{})
	if err != nil {
		// Already gone is the expected, successful outcome here.
		return nil
	}
	return device.Disconnect()
}

func (a *Adapter) matchesProfile(name string) bool {
	if len(a.profile.NamePrefixes) == 0 {
		return true
	}
	for _, prefix := range a.profile.NamePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// session implements mbd.Session over a connected bluetooth.Device.
type session struct {
	adapter *Adapter
	device  bluetooth.Device
	addr    string
	name    string

	disc     chan struct{}
	discOnce sync.Once

	notifyChars []bluetooth.DeviceCharacteristic
	writeChar   *bluetooth.DeviceCharacteristic
}

func (s *session) Address() string { return s.addr }

func (s *session) Advertisement() mbd.Advertisement {
	return mbd.Advertisement{Address: s.addr, LocalName: s.name}
}

func (s *session) Initialize(ctx context.Context) error {
	srvUUID, err := bluetooth.ParseUUID(s.adapter.profile.Service)
	if err != nil {
		return fmt.Errorf("parse service uuid: %w", err)
	}
	services, err := s.device.DiscoverServices([]bluetooth.UUID{srvUUID})
	if err != nil || len(services) == 0 {
		return fmt.Errorf("discover service %s: %w", s.adapter.profile.Service, err)
	}
	service := services[0]

	for _, uuidStr := range s.adapter.profile.NotifyChars {
		charUUID, err := bluetooth.ParseUUID(uuidStr)
		if err != nil {
			return fmt.Errorf("parse characteristic uuid %q: %w", uuidStr, err)
		}
		chars, err := service.DiscoverCharacteristics([]bluetooth.UUID{charUUID})
		if err != nil || len(chars) == 0 {
			return fmt.Errorf("discover characteristic %s: %w", uuidStr, err)
		}
		char := chars[0]
		if err := char.EnableNotifications(func(buf []byte) {}); err != nil {
			return fmt.Errorf("enable notifications on %s: %w", uuidStr, err)
		}
		s.notifyChars = append(s.notifyChars, char)
	}

	if s.adapter.profile.WriteChar != "" {
		charUUID, err := bluetooth.ParseUUID(s.adapter.profile.WriteChar)
		if err != nil {
			return fmt.Errorf("parse write characteristic uuid: %w", err)
		}
		chars, err := service.DiscoverCharacteristics([]bluetooth.UUID{charUUID})
		if err != nil || len(chars) == 0 {
			return fmt.Errorf("discover write characteristic: %w", err)
		}
		s.writeChar = &chars[0]
	}
	return nil
}

// Write sends a command frame on the profile's write characteristic.
func (s *session) Write(data []byte) error {
	if s.writeChar == nil {
		return fmt.Errorf("no write characteristic configured for this profile")
	}
	_, err := s.writeChar.WriteWithoutResponse(data)
	return err
}

func (s *session) Close(ctx context.Context, willful bool) error {
	return s.device.Disconnect()
}

func (s *session) Disconnected() <-chan struct{} { return s.disc }

func (s *session) closeDisc() {
	s.discOnce.Do(func() { close(s.disc) })
}
