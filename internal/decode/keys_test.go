package decode

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveChannelKey(t *testing.T) {
	t.Parallel()

	full16 := make([]byte, 16)
	for i := range full16 {
		full16[i] = byte(i)
	}
	full32 := make([]byte, 32)
	for i := range full32 {
		full32[i] = byte(i)
	}

	tests := []struct {
		name string
		psk  string
		want []byte
	}{
		{
			name: "empty string selects the default channel key",
			psk:  "",
			want: defaultChannelKey,
		},
		{
			name: "single byte zero selects indexed default",
			psk:  base64.StdEncoding.EncodeToString([]byte{0}),
			want: defaultChannelKey,
		},
		{
			name: "single byte one selects indexed default",
			psk:  base64.StdEncoding.EncodeToString([]byte{1}),
			want: defaultChannelKey,
		},
		{
			name: "unknown index falls back to default",
			psk:  base64.StdEncoding.EncodeToString([]byte{7}),
			want: defaultChannelKey,
		},
		{
			name: "16 bytes used directly",
			psk:  base64.StdEncoding.EncodeToString(full16),
			want: full16,
		},
		{
			name: "32 bytes used directly",
			psk:  base64.StdEncoding.EncodeToString(full32),
			want: full32,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DeriveChannelKey(tt.psk)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveChannelKeyOddLengthHashed(t *testing.T) {
	t.Parallel()

	raw := []byte("short")
	sum := sha256.Sum256(raw)
	got, err := DeriveChannelKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	require.Equal(t, sum[:16], got)
}

func TestDeriveChannelKeyInvalidBase64Hashed(t *testing.T) {
	t.Parallel()

	psk := "not-valid-base64!!!"
	sum := sha256.Sum256([]byte(psk))
	got, err := DeriveChannelKey(psk)
	require.NoError(t, err)
	require.Equal(t, sum[:16], got)
}

func TestValidateChannelKey(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateChannelKey(make([]byte, 16)))
	require.NoError(t, ValidateChannelKey(make([]byte, 32)))
	require.Error(t, ValidateChannelKey(make([]byte, 15)))
	require.Error(t, ValidateChannelKey(nil))
}
