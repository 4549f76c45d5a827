package provisioner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHostname(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Jean-Paul O'Brien", "Jean-Paul_OBrien", true},
		{"José  García", "Jose_Garcia", true},
		{"  -Smith Ranch_ ", "Smith_Ranch", true},
		{"a", "a", true},
		{"日本語", "", false},
		{"", "", false},
		{"--__--", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeHostname(tc.in)
		if !tc.ok {
			assert.ErrorIs(t, err, ErrInvalidData, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestDecodeProvisioningData(t *testing.T) {
	body := []byte(`{"address":"1 Main St","lat":"32.4","lon":-112.9,"plan":"basic",
		"hostname":"Ana María","displayname":"Ana","phone":"5205551234","ssid":"Ana WiFi","psk":"hunter22"}`)
	data, err := DecodeProvisioningData(body)
	require.NoError(t, err)
	assert.Equal(t, "Ana_Maria", data.Hostname)
	assert.InDelta(t, 32.4, float64(data.Lat), 1e-9)
	assert.InDelta(t, -112.9, float64(data.Lon), 1e-9)
	assert.Equal(t, []string{"--hostname", "Ana_Maria", "--lat", "32.4", "--lon", "-112.9"}, data.JobArgs(DeviceCPE))
}

func TestDecodeProvisioningDataRejects(t *testing.T) {
	for name, body := range map[string]string{
		"short psk":   `{"hostname":"ok","ssid":"x","psk":"short"}`,
		"bad lat":     `{"hostname":"ok","ssid":"x","psk":"longenough","lat":"north"}`,
		"not object":  `[]`,
		"bad host":    `{"hostname":"!!!","ssid":"x","psk":"longenough"}`,
		"empty ssid":  `{"hostname":"ok","ssid":" ","psk":"longenough"}`,
	} {
		_, err := DecodeProvisioningData([]byte(body))
		assert.ErrorIs(t, err, ErrInvalidData, name)
	}
}

func TestParseDevice(t *testing.T) {
	d, err := ParseDevice("Everything")
	require.NoError(t, err)
	assert.Equal(t, []Device{DeviceRouter, DeviceCPE}, d.Expand())
	_, err = ParseDevice("switch")
	assert.ErrorIs(t, err, ErrInvalidDevice)
}
