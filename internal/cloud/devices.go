package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const (
	pathDevices      = "/api/app/devices/"
	pathDeviceStatus = "/api/app/device/status"
	productType      = "WaterPurifier"
)

// Device is one purifier bound to the account.
type Device struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ProductType string `json:"product_type,omitempty"`
}

type deviceEntry struct {
	Device struct {
		ID          flexString `json:"id"`
		Name        string     `json:"name"`
		ProductType string     `json:"productType"`
	} `json:"device"`
	DeviceID flexString `json:"device_id"`
	ID       flexString `json:"id"`
	Nickname string     `json:"deviceNickname"`
	Name     string     `json:"name"`
}

// Devices lists the account's devices. The backend groups them by room;
// rooms are flattened here.
func (c *Client) Devices(ctx context.Context, token string) ([]Device, error) {
	const op = "devices"
	var env envelope
	if err := c.do(ctx, op, http.MethodGet, pathDevices, token, nil, nil, &env); err != nil {
		return nil, err
	}

	var rooms []struct {
		Devices []deviceEntry `json:"devices"`
	}
	if err := decodeData(op, &env, &rooms); err != nil {
		return nil, err
	}

	var out []Device
	for _, room := range rooms {
		for _, e := range room.Devices {
			d := Device{ProductType: e.Device.ProductType}
			switch {
			case e.Device.ID != "":
				d.ID = string(e.Device.ID)
			case e.DeviceID != "":
				d.ID = string(e.DeviceID)
			default:
				d.ID = string(e.ID)
			}
			if d.ID == "" {
				continue
			}
			switch {
			case e.Nickname != "":
				d.Name = e.Nickname
			case e.Name != "":
				d.Name = e.Name
			case e.Device.Name != "":
				d.Name = e.Device.Name
			default:
				d.Name = d.ID
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// Endpoint is the pre-signed MQTT-over-WebSocket endpoint of a device.
type Endpoint struct {
	// URL is a wss:// URL carrying its own signature.
	URL      string
	ClientID string
}

// MQTTEndpoint fetches the signed shadow endpoint for deviceID. The URL
// expires, so it is fetched again on every reconnect.
func (c *Client) MQTTEndpoint(ctx context.Context, token, deviceID string) (Endpoint, error) {
	const op = "mqtt_endpoint"
	var env envelope
	path := fmt.Sprintf("/api/app/devices/%s/mqtt", url.PathEscape(deviceID))
	if err := c.do(ctx, op, http.MethodGet, path, token, nil, nil, &env); err != nil {
		return Endpoint{}, err
	}

	var data struct {
		Host     string `json:"host"`
		ClientID string `json:"clientID"`
	}
	if err := decodeData(op, &env, &data); err != nil {
		return Endpoint{}, err
	}
	if data.Host == "" {
		return Endpoint{}, fmt.Errorf("%w: %s: no host", ErrMalformedResponse, op)
	}
	if data.ClientID == "" {
		data.ClientID = deviceID
	}
	return Endpoint{URL: data.Host, ClientID: data.ClientID}, nil
}

// WaterTotal is the lifetime dispensed volume of a device.
type WaterTotal struct {
	Liters     float64
	AverageTDS float64
	HasTDS     bool
}

// WaterTotal fetches the lifetime volume counter.
func (c *Client) WaterTotal(ctx context.Context, token, deviceID string) (WaterTotal, error) {
	const op = "water_total"
	var env envelope
	path := fmt.Sprintf("/api/app/devices/%s/totalWater", url.PathEscape(deviceID))
	q := url.Values{"product_type": {productType}}
	if err := c.do(ctx, op, http.MethodGet, path, token, q, nil, &env); err != nil {
		return WaterTotal{}, err
	}

	var data struct {
		TotalWater flexFloat `json:"totalWater"`
		AverageTDS flexFloat `json:"averageTds"`
	}
	if err := decodeData(op, &env, &data); err != nil {
		return WaterTotal{}, err
	}
	if !data.TotalWater.Valid {
		return WaterTotal{}, fmt.Errorf("%w: %s: no totalWater", ErrMalformedResponse, op)
	}
	return WaterTotal{
		Liters:     data.TotalWater.Value,
		AverageTDS: data.AverageTDS.Value,
		HasTDS:     data.AverageTDS.Valid,
	}, nil
}

// UsagePeriod is the granularity of a water usage history.
type UsagePeriod string

// Usage periods.
const (
	UsageDay   UsagePeriod = "day"
	UsageWeek  UsagePeriod = "week"
	UsageMonth UsagePeriod = "month"
)

// ParseUsagePeriod accepts "day", "week" or "month"; empty means day.
func ParseUsagePeriod(s string) (UsagePeriod, error) {
	switch p := UsagePeriod(s); p {
	case "":
		return UsageDay, nil
	case UsageDay, UsageWeek, UsageMonth:
		return p, nil
	default:
		return "", fmt.Errorf("unknown usage period %q", s)
	}
}

// WaterUsage fetches the dispensed-volume history of deviceID for period.
// Records are returned as the backend sends them; an empty history is an
// empty slice.
func (c *Client) WaterUsage(ctx context.Context, token, deviceID string, period UsagePeriod) ([]json.RawMessage, error) {
	const op = "water_usage"
	var env envelope
	path := fmt.Sprintf("/api/app/devices/%s/water/", url.PathEscape(deviceID))
	q := url.Values{
		"product_type": {productType},
		"period":       {string(period)},
		"s_type":       {"water"},
	}
	if err := c.do(ctx, op, http.MethodGet, path, token, q, nil, &env); err != nil {
		return nil, err
	}

	records := []json.RawMessage{}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return records, nil
	}
	if err := decodeData(op, &env, &records); err != nil {
		return nil, err
	}
	return records, nil
}
