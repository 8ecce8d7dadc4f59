package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/kabili207/meshcore-ota/core"
)

func TestFragmentEncodeLayout(t *testing.T) {
	f := &Fragment{ProcessID: 0x01020304, Index: 0x0506, Data: []byte{0xAA, 0xBB}}
	got := f.Encode()

	want := []byte{0x02, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0xAA, 0xBB}
	if !bytes.Equal(got[:len(want)], want) {
		t.Errorf("header+data = %x, want %x", got[:len(want)], want)
	}
	if len(got) != FragmentOverhead+2 {
		t.Errorf("len = %d, want %d", len(got), FragmentOverhead+2)
	}
}

func TestDecodeFragment(t *testing.T) {
	in := &Fragment{ProcessID: 42, Index: 3, Data: []byte("firmware bytes")}
	msg, err := Decode(in.Encode())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	frag, ok := msg.(*Fragment)
	if !ok {
		t.Fatalf("Decode() type = %T, want *Fragment", msg)
	}
	if frag.ProcessID != 42 || frag.Index != 3 {
		t.Errorf("fragment = %v/%d, want 42/3", frag.ProcessID, frag.Index)
	}
	if !bytes.Equal(frag.Data, in.Data) {
		t.Errorf("data = %q, want %q", frag.Data, in.Data)
	}
	if msg.Command() != CmdFragment || msg.Process() != 42 {
		t.Errorf("Command/Process = %v/%v", msg.Command(), msg.Process())
	}
}

func TestDecodeFragmentBadCRC(t *testing.T) {
	raw := (&Fragment{ProcessID: 1, Index: 0, Data: []byte{1, 2, 3}}).Encode()
	raw[8] ^= 0xFF

	_, err := Decode(raw)
	if !errors.Is(err, ErrFragmentCRC) {
		t.Errorf("Decode() error = %v, want ErrFragmentCRC", err)
	}
}

func TestDecodeControlMessages(t *testing.T) {
	var bm [core.SegmentBitmaskSize]byte
	bm[0] = 0x80
	bm[15] = 0x01

	tests := []struct {
		name string
		msg  Message
		size int
	}{
		{"end fragments", &EndFragments{ProcessID: 7}, EndFragmentsSize},
		{"update firmware", &UpdateFirmware{ProcessID: 7, Delay: 300}, UpdateFirmwareSize},
		{"fragments request", &FragmentsRequest{ProcessID: 7, Segment: 2, Bitmask: bm}, FragmentsRequestSize},
		{"status", &Status{ProcessID: 7, State: core.StateProcessCompleted, Received: 10, Total: 10}, StatusSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.msg.Encode()
			if len(raw) != tt.size {
				t.Fatalf("encoded size = %d, want %d", len(raw), tt.size)
			}
			got, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Command() != tt.msg.Command() || got.Process() != 7 {
				t.Errorf("decoded %v/%v, want %v/7", got.Command(), got.Process(), tt.msg.Command())
			}
			if !bytes.Equal(got.Encode(), raw) {
				t.Errorf("re-encoded = %x, want %x", got.Encode(), raw)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"empty", nil, ErrMessageTooShort},
		{"header only fragment", []byte{0x02, 0, 0, 0, 1, 0, 0}, ErrMessageTooShort},
		{"unknown command", []byte{0x09, 0, 0, 0, 1}, ErrUnknownCommand},
		{"truncated request", []byte{0x06, 0, 0, 0, 1, 0, 0, 0xFF}, ErrMessageTooShort},
		{"oversized end fragments", []byte{0x04, 0, 0, 0, 1, 0}, ErrTrailingData},
		{"short update", []byte{0x05, 0, 0, 0, 1, 0}, ErrMessageTooShort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStatusLayout(t *testing.T) {
	raw := (&Status{ProcessID: 1, State: core.StateMissingFragmentsRequesting, Received: 0x0102, Total: 0x0304}).Encode()
	want := []byte{0x07, 0, 0, 0, 1, 0x03, 0x01, 0x02, 0x03, 0x04}
	if !bytes.Equal(raw, want) {
		t.Errorf("Encode() = %x, want %x", raw, want)
	}
}
