package codec

import "testing"

func TestFletcher16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"empty", []byte{}, 0x0000},
		{"single zero", []byte{0x00}, 0x0000},
		{"single one", []byte{0x01}, 0x0101},
		{"abcde", []byte("abcde"), 0xC8F0},
		{"abcdef", []byte("abcdef"), 0x2057},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Fletcher16(tt.data); got != tt.want {
				t.Errorf("Fletcher16(%q) = %04x, want %04x", tt.data, got, tt.want)
			}
		})
	}
}

func TestValidateFletcher16(t *testing.T) {
	data := []byte("fragment")
	sum := Fletcher16(data)
	if !ValidateFletcher16(data, sum) {
		t.Error("ValidateFletcher16 rejected correct checksum")
	}
	if ValidateFletcher16(data, sum+1) {
		t.Error("ValidateFletcher16 accepted wrong checksum")
	}
}
