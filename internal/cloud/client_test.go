package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/deerma-bridge/internal/shadow"
)

// ============================================================================
// Helpers
// ============================================================================

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// ============================================================================
// Login / refresh / code
// ============================================================================

func TestLogin_Success(t *testing.T) {
	var got loginRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != pathSession {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("app_id") != DefaultAppID {
			t.Errorf("app_id header = %q", r.Header.Get("app_id"))
		}
		if r.Header.Get("User-Agent") != DefaultUserAgent {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		writeJSON(w, http.StatusOK, `{"code":0,"data":{"accessToken":"at","refreshToken":"rt","userID":12345,"expiresIn":7200}}`)
	})

	tok, err := c.Login(context.Background(), VerifyPassword, "+8613800000000", "pw")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" || tok.UserID != "12345" {
		t.Errorf("Login() = %+v", tok)
	}
	if tok.ExpiresIn != 2*time.Hour {
		t.Errorf("ExpiresIn = %v, want 2h", tok.ExpiresIn)
	}
	if got.Account != "+8613800000000" || got.Pin != "pw" || got.Verify != VerifyPassword || got.System != "android" {
		t.Errorf("request body = %+v", got)
	}
}

func TestLogin_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"bad password code", http.StatusOK, `{"code":1001,"message":"wrong password"}`},
		{"http 401", http.StatusUnauthorized, `{"code":401}`},
		{"envelope 401", http.StatusOK, `{"code":401,"message":"expired"}`},
		{"no token", http.StatusOK, `{"code":0,"data":{"accessToken":""}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})
			_, err := c.Login(context.Background(), VerifyCaptcha, "+8613800000000", "123456")
			if !IsAuth(err) {
				t.Errorf("Login() error = %v, want AuthError", err)
			}
		})
	}
}

func TestLogin_EmptySecret(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	})
	if _, err := c.Login(context.Background(), VerifyCaptcha, "+86138", ""); !IsAuth(err) {
		t.Errorf("Login() error = %v, want AuthError", err)
	}
	if calls.Load() != 0 {
		t.Error("request sent with empty secret")
	}
}

func TestLogin_ServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusBadGateway, `oops`)
	})
	_, err := c.Login(context.Background(), VerifyPassword, "+86138", "pw")
	if !IsTransient(err) {
		t.Errorf("Login() error = %v, want TransientNetworkError", err)
	}
}

func TestLogin_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(Options{BaseURL: base, Timeout: time.Second})
	_, err := c.Login(context.Background(), VerifyPassword, "+86138", "pw")
	if !IsTransient(err) {
		t.Errorf("Login() error = %v, want TransientNetworkError", err)
	}
}

func TestRefresh(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathRefresh {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"accessToken":"at2"}}`)
	})
	tok, err := c.Refresh(context.Background(), "rt")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "at2" || tok.RefreshToken != "rt" {
		t.Errorf("Refresh() = %+v, want at2 and original refresh token", tok)
	}

	if _, err := c.Refresh(context.Background(), ""); !IsAuth(err) {
		t.Errorf("Refresh(\"\") error = %v, want AuthError", err)
	}
}

func TestRequestCode(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantErr     error
		wantSuccess bool
	}{
		{"sent", http.StatusOK, `{"code":0}`, nil, true},
		{"http 429", http.StatusTooManyRequests, `{"message":"slow down"}`, ErrRateLimited, false},
		{"envelope 429", http.StatusOK, `{"code":429,"message":"too frequent"}`, ErrRateLimited, false},
		{"other rejection", http.StatusOK, `{"code":5,"message":"bad number"}`, ErrRejected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				var body map[string]string
				_ = json.NewDecoder(r.Body).Decode(&body)
				if body["captchaType"] != "login" || body["account"] != "+8613800000000" {
					t.Errorf("body = %v", body)
				}
				writeJSON(w, tt.status, tt.body)
			})
			err := c.RequestCode(context.Background(), "+8613800000000")
			if tt.wantSuccess {
				if err != nil {
					t.Fatalf("RequestCode() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("RequestCode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// ============================================================================
// Devices / endpoints
// ============================================================================

func TestDevices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		writeJSON(w, http.StatusOK, `{"code":0,"data":[
			{"devices":[{"device":{"id":"d1"},"deviceNickname":"Kitchen"}]},
			{"devices":[{"device_id":"d2"},{"device":{}}]},
			{"devices":[]}
		]}`)
	})

	devices, err := c.Devices(context.Background(), "tok")
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(devices), devices)
	}
	if devices[0].ID != "d1" || devices[0].Name != "Kitchen" {
		t.Errorf("devices[0] = %+v", devices[0])
	}
	if devices[1].ID != "d2" || devices[1].Name != "d2" {
		t.Errorf("devices[1] = %+v", devices[1])
	}
}

func TestWaterUsage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/app/devices/d1/water/" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("period") != "week" || q.Get("s_type") != "water" || q.Get("product_type") != "WaterPurifier" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, `{"code":0,"data":[{"date":"2026-03-02","water":1.5},{"date":"2026-03-03","water":2}]}`)
	})

	records, err := c.WaterUsage(context.Background(), "tok", "d1", UsageWeek)
	if err != nil {
		t.Fatalf("WaterUsage() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len = %d, want 2", len(records))
	}
	var first struct {
		Date  string  `json:"date"`
		Water float64 `json:"water"`
	}
	if err := json.Unmarshal(records[0], &first); err != nil || first.Date != "2026-03-02" || first.Water != 1.5 {
		t.Errorf("records[0] = %s (%v)", records[0], err)
	}
}

func TestWaterUsage_EmptyAndMalformed(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantLen int
		wantErr error
	}{
		{"null data", `{"code":0,"data":null}`, 0, nil},
		{"missing data", `{"code":0}`, 0, nil},
		{"object instead of list", `{"code":0,"data":{"water":1}}`, 0, ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, tt.body)
			})
			records, err := c.WaterUsage(context.Background(), "tok", "d1", UsageDay)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("WaterUsage() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("WaterUsage() error = %v", err)
			}
			if records == nil || len(records) != tt.wantLen {
				t.Errorf("records = %v, want empty non-nil slice", records)
			}
		})
	}
}

func TestParseUsagePeriod(t *testing.T) {
	for in, want := range map[string]UsagePeriod{"": UsageDay, "day": UsageDay, "week": UsageWeek, "month": UsageMonth} {
		if got, err := ParseUsagePeriod(in); err != nil || got != want {
			t.Errorf("ParseUsagePeriod(%q) = (%q, %v), want %q", in, got, err, want)
		}
	}
	if _, err := ParseUsagePeriod("year"); err == nil {
		t.Error("ParseUsagePeriod(year) expected error")
	}
}

func TestMQTTEndpoint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/app/devices/d1/mqtt" {
			t.Errorf("path = %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, `{"code":0,"data":{"host":"wss://example.iot/mqtt?X-Amz=1","clientID":"cid"}}`)
	})
	ep, err := c.MQTTEndpoint(context.Background(), "tok", "d1")
	if err != nil {
		t.Fatalf("MQTTEndpoint() error = %v", err)
	}
	if ep.URL != "wss://example.iot/mqtt?X-Amz=1" || ep.ClientID != "cid" {
		t.Errorf("MQTTEndpoint() = %+v", ep)
	}
}

func TestMQTTEndpoint_NoHost(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, `{"code":0,"data":{"clientID":"cid"}}`)
	})
	if _, err := c.MQTTEndpoint(context.Background(), "tok", "d1"); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("MQTTEndpoint() error = %v, want ErrMalformedResponse", err)
	}
}

// ============================================================================
// GetShadow
// ============================================================================

func shadowServer(t *testing.T, status, total string, totalCode int) *Client {
	t.Helper()
	return newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == pathDeviceStatus:
			if r.URL.Query().Get("device_id") != "d1" {
				t.Errorf("device_id = %q", r.URL.Query().Get("device_id"))
			}
			writeJSON(w, http.StatusOK, status)
		case strings.HasSuffix(r.URL.Path, "/totalWater"):
			if r.URL.Query().Get("product_type") != productType {
				t.Errorf("product_type = %q", r.URL.Query().Get("product_type"))
			}
			writeJSON(w, totalCode, total)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestGetShadow(t *testing.T) {
	c := shadowServer(t,
		`{"code":0,"data":{"version":5,"timestamp":1772355600,"state":{"reported":{"TapWaterTDS":120,"TDS":"15","AQPLife":80,"SetTemp":6,"Unrelated":1,"PC5in1Life":null}}}}`,
		`{"code":0,"data":{"totalWater":"1234.5","averageTds":12}}`, http.StatusOK)

	u, err := c.GetShadow(context.Background(), "tok", "d1")
	if err != nil {
		t.Fatalf("GetShadow() error = %v", err)
	}
	if u.Kind != shadow.KindSnapshot || u.Source != shadow.SourcePoll || u.DeviceID != "d1" {
		t.Errorf("update header = %+v", u)
	}
	if u.Version != 5 {
		t.Errorf("Version = %d, want 5", u.Version)
	}
	want := map[shadow.Field]float64{
		shadow.FieldTapTDS:          120,
		shadow.FieldPurifiedTDS:     15,
		shadow.FieldAQPFilterLife:   80,
		shadow.FieldTemperatureMode: 6,
		shadow.FieldTotalVolume:     1234.5,
	}
	if len(u.Fields) != len(want) {
		t.Errorf("Fields = %v, want %v", u.Fields, want)
	}
	for f, v := range want {
		if u.Fields[f] != v {
			t.Errorf("Fields[%s] = %v, want %v", f, u.Fields[f], v)
		}
	}
	if _, ok := u.Fields[shadow.FieldPC5in1FilterLife]; ok {
		t.Error("null value decoded as present")
	}
	if u.Timestamp.IsZero() {
		t.Error("Timestamp not parsed")
	}
}

func TestGetShadow_WaterTotalFailureOmitsField(t *testing.T) {
	c := shadowServer(t,
		`{"code":0,"data":{"version":7,"reported":{"TDS":9}}}`,
		`busy`, http.StatusServiceUnavailable)

	u, err := c.GetShadow(context.Background(), "tok", "d1")
	if err != nil {
		t.Fatalf("GetShadow() error = %v", err)
	}
	if _, ok := u.Fields[shadow.FieldTotalVolume]; ok {
		t.Error("total_volume_l present after water total failure")
	}
	if u.Fields[shadow.FieldPurifiedTDS] != 9 {
		t.Errorf("purified_tds = %v, want 9", u.Fields[shadow.FieldPurifiedTDS])
	}
}

func TestGetShadow_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		total     string
		totalCode int
		check     func(error) bool
	}{
		{
			name:   "missing version",
			status: `{"code":0,"data":{"reported":{"TDS":9}}}`,
			check:  func(err error) bool { return errors.Is(err, ErrMalformedShadow) },
		},
		{
			name:   "token expired",
			status: `{"code":401,"message":"token expired"}`,
			check:  IsAuth,
		},
		{
			name:      "water total auth failure",
			status:    `{"code":0,"data":{"version":1,"reported":{}}}`,
			total:     `{"code":401}`,
			totalCode: http.StatusUnauthorized,
			check:     IsAuth,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := tt.totalCode
			if code == 0 {
				code = http.StatusOK
			}
			c := shadowServer(t, tt.status, tt.total, code)
			_, err := c.GetShadow(context.Background(), "tok", "d1")
			if err == nil || !tt.check(err) {
				t.Errorf("GetShadow() error = %v", err)
			}
		})
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Devices(ctx, "tok")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Devices() error = %v, want context.Canceled", err)
	}
	if IsTransient(err) {
		t.Error("cancellation classified as transient")
	}
}
