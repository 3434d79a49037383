// -*- Mode: Go; indent-tabs-mode: t -*-

/*
 * Copyright (C) 2026 Canonical Ltd
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License version 3 as
 * published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package manager decides which plugin drives each port that appears on
// the system, and hands the port over to the winner.
package manager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/retry.v1"
	"gopkg.in/tomb.v2"

	"github.com/snapcore/modemd/logger"
	"github.com/snapcore/modemd/metrics"
	"github.com/snapcore/modemd/modem"
	"github.com/snapcore/modemd/plugin"
	"github.com/snapcore/modemd/port"
)

// DefaultDeferRetryDelay is the time a plugin deferring its answer is
// given before it is asked again.
const DefaultDeferRetryDelay = 3 * time.Second

const tracerName = "github.com/snapcore/modemd/manager"

// ErrStopped is returned by queries made after the manager was stopped.
var ErrStopped = errors.New("port manager stopped")

type timer interface {
	Stop() bool
}

var timeAfterFunc = func(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// Scanner enumerates the ports already present on the system, reporting
// them through the manager's PortAdded.
type Scanner interface {
	Scan() error
}

// Options tune the manager.
type Options struct {
	// DeferRetryDelay is the time between two support checks of a
	// plugin that deferred its answer. Defaults to DefaultDeferRetryDelay.
	DeferRetryDelay time.Duration
	// MaxDeferrals bounds the number of times a plugin may defer its
	// answer for one port. Zero means unlimited.
	MaxDeferrals int
	// Metrics receives arbitration observations, may be nil.
	Metrics *metrics.Collector
	// Tracer records a span per arbitration. Defaults to the tracer of
	// the global provider.
	Tracer trace.Tracer
}

// DeferralStrategy returns the retry strategy for plugins deferring their
// support check.
func DeferralStrategy(delay time.Duration, maxDeferrals int) retry.Strategy {
	if delay <= 0 {
		delay = DefaultDeferRetryDelay
	}
	var strategy retry.Strategy = fixedDelay(delay)
	if maxDeferrals > 0 {
		// the first attempt is not a deferral
		strategy = retry.LimitCount(maxDeferrals+1, strategy)
	}
	return strategy
}

// fixedDelay waits the same time after every deferral, however late the
// previous retry ran.
type fixedDelay time.Duration

func (d fixedDelay) NewTimer(now time.Time) retry.Timer {
	return d
}

func (d fixedDelay) NextSleep(now time.Time) (time.Duration, bool) {
	return time.Duration(d), true
}

// Manager arbitrates ports between plugins. Its state is only touched
// from a single loop goroutine; the exported methods are safe to call
// from any goroutine.
type Manager struct {
	plugins  *plugin.Registry
	modems   *modem.Registry
	metrics  *metrics.Collector
	tracer   trace.Tracer
	strategy retry.Strategy

	mu        sync.Mutex
	events    []func()
	callbacks []func()
	scanner   Scanner
	started   bool
	wake      chan struct{}
	tomb      tomb.Tomb

	// owned by the loop
	infos   map[port.ID]*supportsInfo
	stopped bool
}

// New returns a manager arbitrating ports between the given plugins and
// recording the resulting modems in modems.
func New(plugins *plugin.Registry, modems *modem.Registry, opts Options) *Manager {
	m := &Manager{
		plugins:  plugins,
		modems:   modems,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		strategy: DeferralStrategy(opts.DeferRetryDelay, opts.MaxDeferrals),
		wake:     make(chan struct{}, 1),
		infos:    make(map[port.ID]*supportsInfo),
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	modems.AddObserver(func(modem.Event) {
		m.metrics.SetValidModems(len(m.modems.ValidModems()))
	})
	return m
}

// SetScanner sets what ScanDevices uses to enumerate existing ports.
func (m *Manager) SetScanner(s Scanner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanner = s
}

// Start runs the manager loop.
func (m *Manager) Start() {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	m.tomb.Go(m.loop)
}

// Stop cancels all the arbitrations in flight and stops the loop.
func (m *Manager) Stop() error {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		m.tomb.Kill(nil)
		m.stop()
		return nil
	}
	m.tomb.Kill(nil)
	return m.tomb.Wait()
}

func (m *Manager) loop() error {
	for {
		select {
		case <-m.wake:
			m.runQueued()
		case <-m.tomb.Dying():
			m.stop()
			return nil
		}
	}
}

func (m *Manager) stop() {
	if m.stopped {
		return
	}
	m.stopped = true
	for _, info := range m.sortedInfos() {
		m.release(info)
		info.endSpan("stopped")
	}
	m.mu.Lock()
	m.events = nil
	m.callbacks = nil
	m.mu.Unlock()
}

func (m *Manager) runQueued() {
	for {
		f := m.next()
		if f == nil {
			return
		}
		f()
	}
}

// next returns the next piece of work, device events first so that
// removals overtake the pending callbacks of the arbitration they cancel.
func (m *Manager) next() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var f func()
	switch {
	case len(m.events) > 0:
		f = m.events[0]
		m.events[0] = nil
		m.events = m.events[1:]
	case len(m.callbacks) > 0:
		f = m.callbacks[0]
		m.callbacks[0] = nil
		m.callbacks = m.callbacks[1:]
	}
	return f
}

func (m *Manager) enqueue(queue *[]func(), f func()) {
	m.mu.Lock()
	*queue = append(*queue, f)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) enqueueEvent(f func()) {
	m.enqueue(&m.events, f)
}

func (m *Manager) enqueueCallback(f func()) {
	m.enqueue(&m.callbacks, f)
}

// Query runs f on the manager loop and waits for it to return. f may
// inspect the modem registry.
func (m *Manager) Query(f func()) error {
	done := make(chan struct{})
	m.enqueueEvent(func() {
		f()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-m.tomb.Dying():
		return ErrStopped
	}
}

// PortAdded notifies the manager that a port appeared, or was renamed or
// moved.
func (m *Manager) PortAdded(dev *port.Device) {
	m.enqueueEvent(func() { m.portAdded(dev) })
}

// PortRemoved notifies the manager that a port disappeared.
func (m *Manager) PortRemoved(dev *port.Device) {
	m.enqueueEvent(func() { m.portRemoved(dev) })
}

// ScanDevices asks the event source to report the ports already present
// again. Ports owned or being arbitrated are left alone.
func (m *Manager) ScanDevices() error {
	m.mu.Lock()
	scanner := m.scanner
	m.mu.Unlock()
	if scanner == nil {
		return errors.New("cannot scan devices: no device source")
	}
	logger.Debugf("scanning for modem ports")
	return scanner.Scan()
}

// PluginNames returns the plugins in arbitration order.
func (m *Manager) PluginNames() []string {
	return m.plugins.Names()
}

func (m *Manager) portAdded(dev *port.Device) {
	if m.stopped {
		return
	}
	id := dev.ID()
	switch dev.Subsystem() {
	case port.SubsystemTTY, port.SubsystemNet:
	default:
		// usb devices only matter on removal
		return
	}
	if owner := m.modems.FindByPort(id); owner != nil {
		logger.Debugf("(%s) port already owned by %s", id, owner)
		return
	}
	if _, ok := m.infos[id]; ok {
		logger.Debugf("(%s) port support check already in progress", id)
		return
	}

	info := newSupportsInfo(dev, m.plugins.Plugins())
	info.ctx, info.span = m.tracer.Start(context.Background(), "arbitrate", trace.WithAttributes(
		attribute.String("port", id.String()),
		attribute.String("physical-device", info.physdev),
		attribute.Int("candidates", len(info.candidates)),
	))
	m.infos[id] = info
	m.metrics.SetArbitrationsInFlight(len(m.infos))
	logger.Debugf("(%s) checking support of %s in %d plugins", id, dev.ShortString(), len(info.candidates))

	if len(info.candidates) == 0 {
		m.scheduleFinalize(info)
		return
	}
	m.askCurrent(info)
}

func (m *Manager) portRemoved(dev *port.Device) {
	if m.stopped {
		return
	}
	id := dev.ID()
	if dev.Subsystem() == port.SubsystemUSB {
		m.usbDeviceRemoved(dev)
		return
	}

	if owner := m.modems.DetachPort(id); owner != nil {
		logger.Debugf("(%s) port released by %s", id, owner)
		return
	}
	if info := m.infos[id]; info != nil {
		logger.Debugf("(%s) port gone, cancelling support check", id)
		m.release(info)
		m.finish(info, metrics.OutcomeCancelled)
	}
}

// usbDeviceRemoved drops the modems of a USB device that went away, even
// if some of their ports are still reported.
func (m *Manager) usbDeviceRemoved(dev *port.Device) {
	path := dev.DevicePath()
	for _, owner := range m.modems.Modems() {
		if owner.PhysicalDevicePath() == path {
			logger.Noticef("usb device %s gone, removing %s", path, owner)
			m.modems.Remove(owner)
		}
	}
	for _, info := range m.sortedInfos() {
		if info.physdev == path {
			logger.Debugf("(%s) usb device gone, cancelling support check", info.id)
			m.release(info)
			m.finish(info, metrics.OutcomeCancelled)
		}
	}
}

func (m *Manager) sortedInfos() []*supportsInfo {
	infos := make([]*supportsInfo, 0, len(m.infos))
	for _, info := range m.infos {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].id.String() < infos[j].id.String()
	})
	return infos
}

// tracked returns whether a callback issued for the given request of info
// still matters.
func (m *Manager) tracked(info *supportsInfo, seq int) bool {
	return !m.stopped && m.infos[info.id] == info && info.seq == seq && !info.finalizing
}

func (m *Manager) askCurrent(info *supportsInfo) {
	p := info.currentPlugin()
	ctx, seq := info.startRequest()
	done := func(level int, err error) {
		m.enqueueCallback(func() { m.supportsDone(info, seq, level, err) })
	}

	switch res := p.SupportsPort(ctx, info.dev, done); res {
	case plugin.InProgress:
		// done will be called
	case plugin.Deferred:
		m.deferCurrent(info, p)
	case plugin.Unsupported:
		logger.Debugf("(%s) not supported by plugin %q", info.id, p.Name())
		m.advance(info, plugin.LevelUnsupported)
	default:
		logger.Noticef("(%s) plugin %q returned unknown support result %v", info.id, p.Name(), res)
		m.advance(info, plugin.LevelUnsupported)
	}
}

func (m *Manager) deferCurrent(info *supportsInfo, p plugin.Plugin) {
	now := time.Now()
	if info.deferTimer == nil {
		info.deferTimer = m.strategy.NewTimer(now)
	}
	delay, ok := info.deferTimer.NextSleep(now)
	if !ok {
		logger.Noticef("(%s) plugin %q deferred support check %d times, giving up", info.id, p.Name(), info.deferrals)
		m.advance(info, plugin.LevelUnsupported)
		return
	}
	info.cancelRequest()
	info.deferrals++
	m.metrics.SupportDeferred(p.Name())
	info.span.AddEvent("deferred", trace.WithAttributes(
		attribute.String("plugin", p.Name()),
		attribute.Int("deferrals", info.deferrals),
	))
	logger.Debugf("(%s) plugin %q deferred support check, retrying in %v", info.id, p.Name(), delay)

	seq := info.seq
	info.retryTimer = timeAfterFunc(delay, func() {
		m.enqueueCallback(func() { m.retryDeferred(info, seq) })
	})
}

func (m *Manager) retryDeferred(info *supportsInfo, seq int) {
	if !m.tracked(info, seq) {
		return
	}
	info.retryTimer = nil
	m.askCurrent(info)
}

func (m *Manager) supportsDone(info *supportsInfo, seq int, level int, err error) {
	if !m.tracked(info, seq) {
		return
	}
	p := info.currentPlugin()
	if err != nil {
		logger.Debugf("(%s) plugin %q support check failed: %v", info.id, p.Name(), err)
		level = plugin.LevelUnsupported
	}
	level = plugin.ClampLevel(level)
	logger.Debugf("(%s) plugin %q support level %d", info.id, p.Name(), level)
	m.advance(info, level)
}

// advance records the level of the current candidate and moves on to the
// next one, finishing when none is left to ask.
func (m *Manager) advance(info *supportsInfo, level int) {
	p := info.currentPlugin()
	info.endRequest()
	info.span.AddEvent("supports", trace.WithAttributes(
		attribute.String("plugin", p.Name()),
		attribute.Int("level", level),
	))
	if level > info.bestLevel {
		info.best = p
		info.bestLevel = level
	}

	info.current++
	for info.current < len(info.candidates) && info.bestLevel > 0 && info.candidates[info.current].SortLast() {
		logger.Debugf("(%s) skipping plugin %q, already supported by %q", info.id, info.candidates[info.current].Name(), info.best.Name())
		info.current++
	}
	if info.current >= len(info.candidates) {
		m.scheduleFinalize(info)
		return
	}
	m.askCurrent(info)
}

func (m *Manager) scheduleFinalize(info *supportsInfo) {
	info.finalizing = true
	m.enqueueCallback(func() { m.finalize(info) })
}

func (m *Manager) finalize(info *supportsInfo) {
	if m.stopped || m.infos[info.id] != info {
		return
	}
	m.release(info)

	if info.best == nil {
		logger.Debugf("(%s) port not supported by any plugin", info.id)
		m.finish(info, metrics.OutcomeUnclaimed)
		return
	}
	info.span.SetAttributes(
		attribute.String("best", info.best.Name()),
		attribute.Int("best-level", info.bestLevel),
	)
	if owner := m.modems.FindByPort(info.id); owner != nil {
		logger.Debugf("(%s) port already owned by %s", info.id, owner)
		info.endSpan("owned")
		return
	}

	best := info.best.Name()
	existing := m.modems.FindByPhysicalDevice(info.physdev)
	var adopted []*port.Device
	if existing != nil && existing.Plugin() != best {
		if !m.takesOver(info.best, existing) {
			logger.Noticef("(%s) cannot grab port with plugin %q: %s already exists", info.id, best, existing)
			m.metrics.GrabFailed(best)
			m.finish(info, metrics.OutcomeGrabFailed)
			return
		}
		logger.Noticef("(%s) plugin %q takes over %s", info.id, best, existing)
		info.span.AddEvent("takeover", trace.WithAttributes(attribute.String("plugin", existing.Plugin())))
		adopted = existing.Ports()
		existing.Close()
		existing = nil
	}

	owner, err := info.best.GrabPort(info.dev, existing)
	if err != nil {
		logger.Noticef("(%s) plugin %q cannot grab port: %v", info.id, best, err)
		m.metrics.GrabFailed(best)
		info.span.RecordError(err)
		m.finish(info, metrics.OutcomeGrabFailed)
		// the ports of the dropped modem need a new owner
		for _, dev := range adopted {
			m.portAdded(dev)
		}
		return
	}
	if owner != existing {
		m.modems.Add(owner)
	}
	logger.Debugf("(%s) port grabbed by plugin %q (level %d)", info.id, best, info.bestLevel)
	m.finish(info, metrics.OutcomeGrabbed)

	for _, dev := range adopted {
		if _, err := info.best.GrabPort(dev, owner); err != nil {
			logger.Noticef("(%s) plugin %q cannot take over port: %v", dev.ID(), best, err)
			m.metrics.GrabFailed(best)
		}
	}
}

// takesOver returns whether winner may replace the modem of another
// plugin. Only a modem that is not valid yet, created by a sort-last
// plugin, gives way to a specific one.
func (m *Manager) takesOver(winner plugin.Plugin, existing *modem.Modem) bool {
	if winner.SortLast() || existing.Valid() {
		return false
	}
	owner := m.plugins.ByName(existing.Plugin())
	return owner != nil && owner.SortLast()
}

// finish records the outcome of an arbitration that is no longer tracked.
func (m *Manager) finish(info *supportsInfo, outcome string) {
	m.metrics.ArbitrationFinished(outcome)
	info.endSpan(outcome)
}

// release stops tracking info, and tells every candidate to let go of
// the port.
func (m *Manager) release(info *supportsInfo) {
	if m.infos[info.id] != info {
		return
	}
	delete(m.infos, info.id)
	m.metrics.SetArbitrationsInFlight(len(m.infos))
	info.endRequest()
	for _, p := range info.candidates {
		p.CancelSupportsPort(info.dev)
	}
}

// Arbitration describes a port being arbitrated.
type Arbitration struct {
	Port           string    `json:"port"`
	PhysicalDevice string    `json:"physical-device"`
	Candidate      string    `json:"candidate,omitempty"`
	Best           string    `json:"best,omitempty"`
	BestLevel      int       `json:"best-level"`
	Deferrals      int       `json:"deferrals"`
	Since          time.Time `json:"since"`
}

// Snapshot returns the arbitrations in flight, sorted by port.
func (m *Manager) Snapshot() ([]Arbitration, error) {
	var arbitrations []Arbitration
	err := m.Query(func() {
		for _, info := range m.sortedInfos() {
			arbitrations = append(arbitrations, info.describe())
		}
	})
	return arbitrations, err
}

// ModemInfo describes a registered modem.
type ModemInfo struct {
	PhysicalDevice string   `json:"physical-device"`
	Plugin         string   `json:"plugin"`
	Ports          []string `json:"ports"`
	Valid          bool     `json:"valid"`
	Path           string   `json:"path,omitempty"`
}

// Modems returns the registered modems, valid or not, sorted by physical
// device.
func (m *Manager) Modems() ([]ModemInfo, error) {
	var infos []ModemInfo
	err := m.Query(func() {
		for _, mo := range m.modems.Modems() {
			ports := make([]string, 0, len(mo.Ports()))
			for _, id := range mo.PortIDs() {
				ports = append(ports, id.String())
			}
			infos = append(infos, ModemInfo{
				PhysicalDevice: mo.PhysicalDevicePath(),
				Plugin:         mo.Plugin(),
				Ports:          ports,
				Valid:          mo.Valid(),
				Path:           mo.Path(),
			})
		}
	})
	return infos, err
}

// ModemPaths returns the object paths of the valid modems, in export
// order.
func (m *Manager) ModemPaths() ([]string, error) {
	var paths []string
	err := m.Query(func() {
		for _, mo := range m.modems.ValidModems() {
			paths = append(paths, mo.Path())
		}
	})
	return paths, err
}

// supportsInfo is the arbitration state of one port.
type supportsInfo struct {
	dev     *port.Device
	id      port.ID
	physdev string
	since   time.Time

	ctx  context.Context
	span trace.Span

	candidates []plugin.Plugin
	current    int
	best       plugin.Plugin
	bestLevel  int
	finalizing bool

	// seq identifies the request in flight, callbacks of older requests
	// are ignored
	seq           int
	requestCancel context.CancelFunc
	deferTimer    retry.Timer
	retryTimer    timer
	deferrals     int
}

func newSupportsInfo(dev *port.Device, candidates []plugin.Plugin) *supportsInfo {
	return &supportsInfo{
		dev: dev,
		id:  dev.ID(),
		// resolved now, sysfs is gone by the time the port is removed
		physdev:    dev.PhysicalDevicePath(),
		since:      time.Now(),
		ctx:        context.Background(),
		span:       trace.SpanFromContext(context.Background()),
		candidates: candidates,
	}
}

func (info *supportsInfo) currentPlugin() plugin.Plugin {
	return info.candidates[info.current]
}

func (info *supportsInfo) startRequest() (context.Context, int) {
	info.cancelRequest()
	info.seq++
	ctx, cancel := context.WithCancel(info.ctx)
	info.requestCancel = cancel
	return ctx, info.seq
}

func (info *supportsInfo) cancelRequest() {
	if info.requestCancel != nil {
		info.requestCancel()
		info.requestCancel = nil
	}
}

// endRequest invalidates the callbacks and timers of the current candidate.
func (info *supportsInfo) endRequest() {
	info.cancelRequest()
	info.seq++
	if info.retryTimer != nil {
		info.retryTimer.Stop()
		info.retryTimer = nil
	}
	info.deferTimer = nil
}

func (info *supportsInfo) endSpan(outcome string) {
	info.span.SetAttributes(attribute.String("outcome", outcome))
	info.span.End()
}

func (info *supportsInfo) describe() Arbitration {
	a := Arbitration{
		Port:           info.id.String(),
		PhysicalDevice: info.physdev,
		BestLevel:      info.bestLevel,
		Deferrals:      info.deferrals,
		Since:          info.since,
	}
	if info.current < len(info.candidates) {
		a.Candidate = info.candidates[info.current].Name()
	}
	if info.best != nil {
		a.Best = info.best.Name()
	}
	return a
}
