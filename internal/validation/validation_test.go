package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	type request struct {
		Value string `validate:"omitempty,numeric"`
		Data  string `validate:"omitempty,hexdata"`
		To    string `validate:"omitempty,eth_addr"`
	}
	testCases := []struct {
		name    string
		req     request
		wantErr bool
	}{
		{name: "empty", req: request{}},
		{name: "valid", req: request{Value: "1000", Data: "0xa9059cbb", To: "0x00000000000000000000000000000000000000cd"}},
		{name: "empty calldata", req: request{Data: "0x"}},
		{name: "negative value", req: request{Value: "-1"}, wantErr: true},
		{name: "decimal value", req: request{Value: "1.5"}, wantErr: true},
		{name: "odd hex", req: request{Data: "0xabc"}, wantErr: true},
		{name: "hex without prefix", req: request{Data: "abcd"}, wantErr: true},
		{name: "bad address", req: request{To: "0x1234"}, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate.Struct(tc.req)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
