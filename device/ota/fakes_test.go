package ota

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/checksum"
	"github.com/kabili207/meshcore-ota/core/codec"
	"github.com/kabili207/meshcore-ota/core/schedule"
)

var errDisk = errors.New("disk failure")

// fakeTimers records the host timers the engine arms.
type fakeTimers struct {
	armed map[schedule.TimerKind]time.Duration
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: make(map[schedule.TimerKind]time.Duration)}
}

func (f *fakeTimers) RequestTimer(kind schedule.TimerKind, timeout time.Duration) {
	f.armed[kind] = timeout
}

func (f *fakeTimers) CancelTimer(kind schedule.TimerKind) {
	delete(f.armed, kind)
}

func (f *fakeTimers) isArmed(kind schedule.TimerKind) bool {
	_, ok := f.armed[kind]
	return ok
}

type sentPayload struct {
	dst     core.Endpoint
	payload []byte
}

type readyCall struct {
	id    core.ProcessID
	delay uint16
}

// fakeBackend implements every storage, notification and transport
// collaborator in memory.
type fakeBackend struct {
	processes map[core.ProcessID]bool
	params    map[core.ProcessID]*core.Parameters
	states    map[core.ProcessID]*core.DownloadState
	firmware  map[core.ProcessID][]byte
	capacity  uint32
	// listed twice by ListStoredProcesses
	duplicates []core.ProcessID

	stateHistory []core.State
	stateWrites  int

	failState error
	failWrite error
	failRead  error
	reject    error
	sendErr   error

	onStart func(*core.Parameters)

	finished      []core.ProcessID
	ready         []readyCall
	sent          []sentPayload
	notifications [][]byte
	resources     []Resource
	refreshes     int
	erased        []core.ProcessID
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		processes: make(map[core.ProcessID]bool),
		params:    make(map[core.ProcessID]*core.Parameters),
		states:    make(map[core.ProcessID]*core.DownloadState),
		firmware:  make(map[core.ProcessID][]byte),
		capacity:  1 << 20,
	}
}

func (b *fakeBackend) StoreNewProcess(id core.ProcessID) error {
	b.processes[id] = true
	return nil
}

func (b *fakeBackend) ListStoredProcesses() ([]core.ProcessID, error) {
	ids := slices.Collect(maps.Keys(b.processes))
	slices.Sort(ids)
	return append(ids, b.duplicates...), nil
}

func (b *fakeBackend) RemoveStoredProcess(id core.ProcessID) error {
	delete(b.processes, id)
	delete(b.params, id)
	delete(b.states, id)
	return nil
}

func (b *fakeBackend) StoreState(s *core.DownloadState) error {
	if b.failState != nil {
		return b.failState
	}
	cp := *s
	cp.Bitmask = slices.Clone(s.Bitmask)
	b.states[s.ProcessID] = &cp
	b.stateHistory = append(b.stateHistory, s.State)
	b.stateWrites++
	return nil
}

func (b *fakeBackend) ReadState(id core.ProcessID) (*core.DownloadState, error) {
	s, ok := b.states[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *s
	cp.Bitmask = slices.Clone(s.Bitmask)
	return &cp, nil
}

func (b *fakeBackend) StoreParameters(p *core.Parameters) error {
	cp := *p
	b.params[p.ProcessID] = &cp
	return nil
}

func (b *fakeBackend) ReadParameters(id core.ProcessID) (*core.Parameters, error) {
	p, ok := b.params[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (b *fakeBackend) Capacity() uint32 { return b.capacity }

func (b *fakeBackend) WriteFirmware(id core.ProcessID, offset uint32, data []byte) (int, error) {
	if b.failWrite != nil {
		return 0, b.failWrite
	}
	img := b.firmware[id]
	if end := int(offset) + len(data); end > len(img) {
		img = append(img, make([]byte, end-len(img))...)
	}
	copy(img[offset:], data)
	b.firmware[id] = img
	return len(data), nil
}

func (b *fakeBackend) ReadFirmware(id core.ProcessID, offset uint32, buf []byte) (int, error) {
	if b.failRead != nil {
		return 0, b.failRead
	}
	img := b.firmware[id]
	if int(offset) > len(img) {
		return 0, io.EOF
	}
	return copy(buf, img[offset:]), nil
}

func (b *fakeBackend) EraseFirmware(id core.ProcessID) error {
	delete(b.firmware, id)
	b.erased = append(b.erased, id)
	return nil
}

func (b *fakeBackend) StartReceived(p *core.Parameters) error {
	if b.onStart != nil {
		b.onStart(p)
	}
	return b.reject
}

func (b *fakeBackend) ProcessFinished(id core.ProcessID) {
	b.finished = append(b.finished, id)
}

func (b *fakeBackend) FirmwareReady(id core.ProcessID, delay uint16) {
	b.ready = append(b.ready, readyCall{id, delay})
}

func (b *fakeBackend) Send(dst core.Endpoint, payload []byte) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, sentPayload{dst, slices.Clone(payload)})
	return nil
}

func (b *fakeBackend) SendNotification(topic string, payload []byte) (uint16, error) {
	b.notifications = append(b.notifications, slices.Clone(payload))
	return uint16(len(b.notifications)), nil
}

func (b *fakeBackend) CreateResource(r Resource) error {
	b.resources = append(b.resources, r)
	return nil
}

func (b *fakeBackend) RefreshRegistration() { b.refreshes++ }

// sentOf decodes every sent payload of type T.
func sentOf[T codec.Message](t *testing.T, b *fakeBackend) []T {
	t.Helper()
	var out []T
	for _, s := range b.sent {
		msg, err := codec.Decode(s.payload)
		if err != nil {
			t.Fatalf("engine sent undecodable payload %x: %v", s.payload, err)
		}
		if m, ok := msg.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

func collaborators(b *fakeBackend, timers *fakeTimers) Collaborators {
	return Collaborators{
		Allocator:  NewBudgetAllocator(0),
		Timers:     timers,
		Processes:  b,
		States:     b,
		Parameters: b,
		Firmware:   b,
		Notifier:   b,
		Sender:     b,
		Registrar:  b,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	t      *testing.T
	engine *Engine
	back   *fakeBackend
	timers *fakeTimers
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{t: t, engine: New(), back: newFakeBackend(), timers: newFakeTimers()}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if err := h.engine.Configure(cfg, collaborators(h.back, h.timers)); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	return h
}

// testImage returns a deterministic image of n bytes.
func testImage(n int) []byte {
	img := make([]byte, n)
	for i := range img {
		img[i] = byte(i*7 + 3)
	}
	return img
}

var origin = core.Endpoint{Kind: core.AddressIPv6, Address: [16]byte{0xfd, 15: 1}, Port: 5683}

// testParams describes img split into fragments of size bytes.
func testParams(id core.ProcessID, img []byte, size uint16) *core.Parameters {
	fc := uint16(core.FragmentCountFor(uint32(len(img)), size))
	return &core.Parameters{
		ProcessID:          id,
		DeviceType:         core.DeviceType3,
		ResponseDelayStart: 2,
		ResponseDelayEnd:   5,
		FwName:             "node-fw",
		FwVersion:          "1.2.3",
		TotalBytes:         uint32(len(img)),
		FragmentSize:       size,
		FragmentCount:      fc,
		SegmentCount:       core.SegmentCountFor(fc),
		Checksum:           checksum.Sum(checksum.SHA256, img),
	}
}

func fragmentPayload(id core.ProcessID, img []byte, size uint16, idx uint16) []byte {
	start := int(idx) * int(size)
	end := min(start+int(size), len(img))
	return (&codec.Fragment{ProcessID: id, Index: idx, Data: img[start:end]}).Encode()
}

func (h *harness) start(p *core.Parameters) {
	h.t.Helper()
	if err := h.engine.Start(p, origin); err != nil {
		h.t.Fatalf("Start() error = %v", err)
	}
}

func (h *harness) receive(payload []byte) {
	h.t.Helper()
	if err := h.engine.OnPayloadReceived(payload, origin); err != nil {
		h.t.Fatalf("OnPayloadReceived() error = %v", err)
	}
}

func (h *harness) fire(kind schedule.TimerKind) {
	h.t.Helper()
	if !h.timers.isArmed(kind) {
		h.t.Fatalf("timer %v not armed", kind)
	}
	// Host timers are one-shot.
	delete(h.timers.armed, kind)
	if err := h.engine.OnTimerExpired(kind); err != nil {
		h.t.Fatalf("OnTimerExpired(%v) error = %v", kind, err)
	}
}

func (h *harness) state(id core.ProcessID) core.DownloadState {
	h.t.Helper()
	ds, err := h.engine.Process(id)
	if err != nil {
		h.t.Fatalf("Process(%v) error = %v", id, err)
	}
	return ds
}

func (h *harness) wantState(id core.ProcessID, want core.State) {
	h.t.Helper()
	if got := h.state(id).State; got != want {
		h.t.Fatalf("state = %v, want %v", got, want)
	}
}

func (h *harness) wantImage(id core.ProcessID, img []byte) {
	h.t.Helper()
	if !bytes.Equal(h.back.firmware[id], img) {
		h.t.Fatalf("stored image (%d bytes) differs from %d byte image", len(h.back.firmware[id]), len(img))
	}
}
