package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// ByteArray is a byte slice that marshals as a JSON array of numbers
// ([12,255,...]) instead of base64, which is what browser clients send
// via Array.from(Uint8Array). A base64 string is accepted on input too.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("models.ByteArray: invalid base64: %w", err)
		}
		*b = raw
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("models.ByteArray: %w", err)
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("models.ByteArray: value %d at index %d out of byte range", n, i)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}
