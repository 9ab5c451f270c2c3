package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    LSN
		wantErr bool
	}{
		{in: "0/0", want: 0},
		{in: "0/3000060", want: 0x3000060},
		{in: "16/B374D848", want: 0x16B374D848},
		{in: " 1/0 ", want: 1 << 32},
		{in: "garbage", wantErr: true},
		{in: "1/XYZ", wantErr: true},
		{in: "/10", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLSN_String(t *testing.T) {
	assert.Equal(t, "16/B374D848", LSN(0x16B374D848).String())
	assert.Equal(t, "0/0", Invalid.String())
}

func TestLSN_Diff(t *testing.T) {
	a := LSN(0x3000060)
	b := LSN(0x3000000)

	assert.Equal(t, int64(0x60), a.Diff(b))
	assert.Equal(t, int64(-0x60), b.Diff(a))
	assert.False(t, Invalid.IsValid())
	assert.True(t, a.IsValid())
}
