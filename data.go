package provisioner

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MinPSKLength is the shortest WPA2 passphrase the router accepts.
const MinPSKLength = 8

var hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([-_A-Za-z0-9]*[A-Za-z0-9])?$`)

// Coordinate decodes from a JSON number or a numeric string.
type Coordinate float64

func (c *Coordinate) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*c = Coordinate(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(ErrInvalidData, "coordinate must be a number")
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return errors.Wrapf(ErrInvalidData, "coordinate %q", s)
	}
	*c = Coordinate(f)
	return nil
}

// ProvisioningData is the customer record a job is provisioned from.
type ProvisioningData struct {
	Address     string     `json:"address"`
	Lat         Coordinate `json:"lat"`
	Lon         Coordinate `json:"lon"`
	Plan        string     `json:"plan"`
	Hostname    string     `json:"hostname"`
	DisplayName string     `json:"displayname"`
	Phone       string     `json:"phone"`
	SSID        string     `json:"ssid"`
	PSK         string     `json:"psk"`
}

// DecodeProvisioningData parses and validates a request body.
func DecodeProvisioningData(body []byte) (ProvisioningData, error) {
	var data ProvisioningData
	if err := json.Unmarshal(body, &data); err != nil {
		if errors.Is(err, ErrInvalidData) {
			return data, err
		}
		return data, errors.Wrap(ErrInvalidData, err.Error())
	}
	if err := data.Validate(); err != nil {
		return data, err
	}
	return data, nil
}

// Validate normalizes the hostname in place and checks the fields every job needs.
func (d *ProvisioningData) Validate() error {
	host, err := NormalizeHostname(d.Hostname)
	if err != nil {
		return err
	}
	d.Hostname = host
	if len(d.PSK) < MinPSKLength {
		return errors.Wrapf(ErrInvalidData, "psk must be at least %d characters", MinPSKLength)
	}
	if strings.TrimSpace(d.SSID) == "" {
		return errors.Wrap(ErrInvalidData, "ssid is empty")
	}
	return nil
}

// NormalizeHostname turns a customer name into something the devices accept:
// diacritics are stripped, whitespace runs become "_" and everything outside
// [A-Za-z0-9_-] is dropped.
func NormalizeHostname(name string) (string, error) {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, name)
	if err != nil {
		return "", errors.Wrap(ErrInvalidData, err.Error())
	}
	var b strings.Builder
	pendingSpace := false
	for _, r := range stripped {
		if unicode.IsSpace(r) {
			pendingSpace = true
			continue
		}
		if !isHostnameRune(r) {
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte('_')
		}
		pendingSpace = false
		b.WriteRune(r)
	}
	host := strings.Trim(b.String(), "-_")
	if !hostnamePattern.MatchString(host) {
		return "", errors.Wrapf(ErrInvalidData, "hostname %q", name)
	}
	return host, nil
}

func isHostnameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}

// JobArgs renders the command line flags a job process is started with.
func (d ProvisioningData) JobArgs(device Device) []string {
	switch device {
	case DeviceRouter:
		return []string{"--hostname", d.Hostname, "--ssid", d.SSID, "--psk", d.PSK}
	case DeviceCPE:
		return []string{
			"--hostname", d.Hostname,
			"--lat", strconv.FormatFloat(float64(d.Lat), 'f', -1, 64),
			"--lon", strconv.FormatFloat(float64(d.Lon), 'f', -1, 64),
		}
	}
	return nil
}
