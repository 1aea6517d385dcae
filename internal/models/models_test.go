package models

import (
	"encoding/json"
	"math"
	"testing"
)

func TestByteArrayMarshalsAsNumbers(t *testing.T) {
	env := Envelope{IV: ByteArray{1, 2, 255}, Ciphertext: ByteArray{0}}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"iv":[1,2,255],"ciphertext":[0]}`
	if string(data) != want {
		t.Errorf("got %s want %s", data, want)
	}
}

func TestByteArrayAcceptsBrowserAndBase64(t *testing.T) {
	var fromNums Envelope
	if err := json.Unmarshal([]byte(`{"iv":[9,8,7],"ciphertext":[1]}`), &fromNums); err != nil {
		t.Fatal(err)
	}
	if string(fromNums.IV) != string([]byte{9, 8, 7}) {
		t.Errorf("unexpected iv %v", fromNums.IV)
	}

	var fromB64 Envelope
	if err := json.Unmarshal([]byte(`{"iv":"CQgH","ciphertext":"AQ=="}`), &fromB64); err != nil {
		t.Fatal(err)
	}
	if string(fromB64.IV) != string([]byte{9, 8, 7}) {
		t.Errorf("unexpected iv %v", fromB64.IV)
	}
}

func TestByteArrayRejectsOutOfRange(t *testing.T) {
	var b ByteArray
	if err := json.Unmarshal([]byte(`[1,256]`), &b); err == nil {
		t.Error("expected error for 256")
	}
	if err := json.Unmarshal([]byte(`[-1]`), &b); err == nil {
		t.Error("expected error for -1")
	}
}

func TestPointValid(t *testing.T) {
	tests := []struct {
		name string
		p    Point
		want bool
	}{
		{"delhi", Point{28.60, 77.20}, true},
		{"nan", Point{math.NaN(), 77.20}, false},
		{"inf", Point{28.60, math.Inf(1)}, false},
		{"lat out of range", Point{91, 0}, false},
		{"lng out of range", Point{0, -181}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}
