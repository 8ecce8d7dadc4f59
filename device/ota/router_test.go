package ota

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/kabili207/meshcore-ota/core"
	"github.com/kabili207/meshcore-ota/core/codec"
	"github.com/kabili207/meshcore-ota/core/schedule"
	"github.com/kabili207/meshcore-ota/transport"
)

var (
	mplGroup = core.EndpointFromAddrPort(netip.MustParseAddrPort("[ff03::fc]:5683"))
	nodeAddr = core.EndpointFromAddrPort(netip.MustParseAddrPort("[fd00::42]:5683"))
)

// routerWithImage returns a router holding the complete, verified image of
// process 1.
func routerWithImage(t *testing.T, multicast bool) (*harness, []byte) {
	t.Helper()
	h := newHarness(t, Config{Role: RoleRouter, MPLMulticast: mplGroup})
	img := testImage(400)
	p := testParams(1, img, 100)
	p.DeviceType = core.DeviceType1
	p.Multicast = multicast
	p.FragmentIntervalUnicast = 20
	p.FragmentIntervalMPL = 50
	p.DeliveredImageResource = "fw/node"
	h.start(p)
	for idx := uint16(0); idx < 4; idx++ {
		h.receive(fragmentPayload(1, img, 100, idx))
	}
	h.fire(schedule.TimerChecksum)
	h.wantState(1, core.StateProcessCompleted)
	h.back.sent = nil
	return h, img
}

func missingRequest(received ...uint16) []byte {
	req := &codec.FragmentsRequest{ProcessID: 1}
	for k := 4; k < core.FragmentsPerSegment; k++ {
		req.Bitmask[core.SegmentBitmaskSize-1-k/8] |= 1 << (k % 8)
	}
	for _, k := range received {
		req.Bitmask[core.SegmentBitmaskSize-1-k/8] |= 1 << (k % 8)
	}
	return req.Encode()
}

func TestRouterRegistersDeliveredImage(t *testing.T) {
	h, _ := routerWithImage(t, false)
	if len(h.back.resources) != 1 {
		t.Fatalf("resources = %d, want 1", len(h.back.resources))
	}
	r := h.back.resources[0]
	if r.Path != "fw/node" || r.MaxAge != DefaultResourceMaxAge || !r.Observable {
		t.Errorf("resource = %+v", r)
	}
	msg, err := codec.Decode(r.Content())
	if err != nil {
		t.Fatalf("resource content: %v", err)
	}
	if st := msg.(*codec.Status); st.State != core.StateProcessCompleted {
		t.Errorf("resource state = %v", st.State)
	}
	if h.back.refreshes != 1 {
		t.Errorf("registration refreshes = %d, want 1", h.back.refreshes)
	}
}

func TestRouterDeliversRequestedFragmentsMulticast(t *testing.T) {
	h, img := routerWithImage(t, true)
	if err := h.engine.OnPayloadReceived(missingRequest(0, 1), nodeAddr); err != nil {
		t.Fatalf("OnPayloadReceived() error = %v", err)
	}
	if got := h.timers.armed[schedule.TimerFragmentDelivery]; got <= 0 || got > 50_000_000 {
		t.Errorf("delivery timer = %v, want <= 50ms", got)
	}

	h.fire(schedule.TimerFragmentDelivery)
	h.fire(schedule.TimerFragmentDelivery)
	if h.timers.isArmed(schedule.TimerFragmentDelivery) {
		t.Error("delivery timer armed with empty queue")
	}

	frags := sentOf[*codec.Fragment](t, h.back)
	if len(frags) != 2 || frags[0].Index != 2 || frags[1].Index != 3 {
		t.Fatalf("delivered = %+v, want fragments 2 and 3", frags)
	}
	if !bytes.Equal(frags[0].Data, img[200:300]) {
		t.Error("fragment 2 data differs from image")
	}
	for _, s := range h.back.sent {
		if s.dst != mplGroup {
			t.Errorf("fragment sent to %v, want MPL group %v", s.dst, mplGroup)
		}
	}
}

func TestRouterDeliversUnicastToRequester(t *testing.T) {
	h, _ := routerWithImage(t, false)
	h.engine.OnPayloadReceived(missingRequest(0, 1, 2), nodeAddr)
	h.fire(schedule.TimerFragmentDelivery)

	if len(h.back.sent) != 1 || h.back.sent[0].dst != nodeAddr {
		t.Fatalf("sent = %+v, want one fragment to requester", h.back.sent)
	}
}

func TestRouterServesSeveralRequesters(t *testing.T) {
	h, _ := routerWithImage(t, false)
	otherNode := core.EndpointFromAddrPort(netip.MustParseAddrPort("[fd00::43]:5683"))
	h.engine.OnPayloadReceived(missingRequest(0, 1, 2), nodeAddr)
	h.engine.OnPayloadReceived(missingRequest(1, 2, 3), otherNode)

	h.fire(schedule.TimerFragmentDelivery)
	h.fire(schedule.TimerFragmentDelivery)

	if len(h.back.sent) != 2 {
		t.Fatalf("sent %d fragments, want 2", len(h.back.sent))
	}
	if h.back.sent[0].dst != nodeAddr || h.back.sent[1].dst != otherNode {
		t.Errorf("destinations = %v, %v, want %v, %v", h.back.sent[0].dst, h.back.sent[1].dst, nodeAddr, otherNode)
	}
	frags := sentOf[*codec.Fragment](t, h.back)
	if frags[0].Index != 3 || frags[1].Index != 0 {
		t.Errorf("indices = %d, %d, want 3, 0", frags[0].Index, frags[1].Index)
	}
}

func TestRouterRequeuesOnBusyTransport(t *testing.T) {
	h, _ := routerWithImage(t, false)
	h.engine.OnPayloadReceived(missingRequest(0, 1, 2), nodeAddr)

	h.back.sendErr = transport.ErrBusy
	h.fire(schedule.TimerFragmentDelivery)
	if !h.timers.isArmed(schedule.TimerFragmentDelivery) {
		t.Fatal("delivery not retried after busy transport")
	}
	h.back.sendErr = nil
	h.fire(schedule.TimerFragmentDelivery)
	if frags := sentOf[*codec.Fragment](t, h.back); len(frags) != 1 || frags[0].Index != 3 {
		t.Errorf("delivered = %+v, want fragment 3", frags)
	}
}

func TestNodeIgnoresFragmentsRequest(t *testing.T) {
	h := newHarness(t, Config{})
	img := testImage(400)
	h.start(testParams(1, img, 100))
	h.receive(fragmentPayload(1, img, 100, 0))
	h.receive(missingRequest())
	if h.timers.isArmed(schedule.TimerFragmentDelivery) {
		t.Error("node scheduled fragment delivery")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(transport.ErrBusy) {
		t.Error("transport busy not retryable")
	}
	if IsRetryable(transport.ErrPayloadTooLarge) || IsRetryable(errors.New("x")) {
		t.Error("permanent error reported retryable")
	}
}
