package provisioner

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	"github.com/pkg/errors"
)

// LabelPrinter prints the stickers that go into the install kit.
type LabelPrinter interface {
	Print(ctx context.Context, device Device, data ProvisioningData) error
}

// LabelClient talks to the label service: GET <base>/label?text=…&ssid=…&psk=….
type LabelClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewLabelClient(baseURL string) *LabelClient {
	return &LabelClient{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// OwnerText is the three-line owner sticker: name, address and phone number
// in US national format when it parses.
func OwnerText(data ProvisioningData) string {
	phone := data.Phone
	if num, err := phonenumbers.Parse(data.Phone, "US"); err == nil {
		phone = phonenumbers.Format(num, phonenumbers.NATIONAL)
	}
	return data.DisplayName + "\n" + data.Address + "\n" + phone
}

// LabelQuery returns the label parameters for a device. The router kit gets
// the owner and WiFi stickers, the radio only the owner sticker.
func LabelQuery(device Device, data ProvisioningData) (url.Values, error) {
	q := url.Values{}
	switch device {
	case DeviceRouter:
		q.Set("ssid", data.SSID)
		q.Set("psk", data.PSK)
		q.Set("text", OwnerText(data))
	case DeviceCPE:
		q.Set("text", OwnerText(data))
	default:
		return nil, errors.Wrapf(ErrInvalidDevice, "no label for %q", device)
	}
	return q, nil
}

func (c *LabelClient) Print(ctx context.Context, device Device, data ProvisioningData) error {
	if c == nil || c.BaseURL == "" {
		return errors.New("label service: LABEL_URL is not configured")
	}
	q, err := LabelQuery(device, data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/label?"+q.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "label service: build request")
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "label service: request failed")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= http.StatusBadRequest {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return errors.New(msg)
	}
	return nil
}
