package andor

import (
	"encoding/json"
	"html/template"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"astrodev/pkg/alpaca"
	"astrodev/pkg/poll"
	"astrodev/pkg/store"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

const setupTemplate = `{{define "camera_setup.html"}}{{.Name}} bin {{.Bin}}{{if .Success}} saved{{end}}{{if .Error}} error: {{.Error}}{{end}}{{end}}`

type apiResponse struct {
	ErrorNumber  int
	ErrorMessage string
	Value        json.RawMessage
}

type driverFixture struct {
	driver *Driver
	sim    *Simulator
	store  *store.Store[Config]
	mux    *http.ServeMux
}

func testConfig() Config {
	cfg := DefaultConfig(0)
	cfg.LeadMS = 20
	cfg.ReadTimeoutS = 1
	cfg.TemperatureIntervalMS = 10
	cfg.MaxExposureS = 60
	return cfg
}

func newDriverFixture(t *testing.T) *driverFixture {
	t.Helper()
	logger := log.WithField("test", t.Name())

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := NewStore(db, "andor", testConfig(), logger)
	require.NoError(t, err)

	sim := NewSimulator(testHead)
	images := NewImageBuffer()
	c := New("Andor", NewLibrary(sim), images, testSettings(), logger)

	tmpl := template.Must(template.New("setup").Parse(setupTemplate))
	d := NewDriver(0, c, images, st, tmpl, logger)
	t.Cleanup(d.Close)

	mux := http.NewServeMux()
	alpaca.NewCameraHandler(d).RegisterRoutes(mux)

	return &driverFixture{driver: d, sim: sim, store: st, mux: mux}
}

func (fx *driverFixture) do(t *testing.T, method, path string, form url.Values) apiResponse {
	t.Helper()

	var req *http.Request
	if method == http.MethodPut {
		req = httptest.NewRequest(method, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path+"?"+form.Encode(), nil)
	}
	rec := httptest.NewRecorder()
	fx.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (fx *driverFixture) connect(t *testing.T) {
	t.Helper()
	resp := fx.do(t, http.MethodPut, "/connected", url.Values{"Connected": {"true"}})
	require.Zero(t, resp.ErrorNumber, resp.ErrorMessage)
	require.True(t, fx.driver.Connected())
}

func TestDriverConnectAppliesConfig(t *testing.T) {
	fx := newDriverFixture(t)
	fx.connect(t)

	c := fx.driver.Camera()
	assert.Equal(t, -20.0, c.Status().Target)
	assert.Equal(t, 20*time.Millisecond, c.Settings().Lead)
	assert.Equal(t, 60*time.Second, c.Settings().MaxExposure)
	assert.Equal(t, 2*time.Millisecond, c.Settings().ReadInterval)
}

func TestDriverCapabilities(t *testing.T) {
	fx := newDriverFixture(t)
	fx.connect(t)

	tests := []struct {
		path string
		want string
	}{
		{"/cameraxsize", "64"},
		{"/cameraysize", "48"},
		{"/pixelsizex", "13"},
		{"/maxadu", "65535"},
		{"/exposuremax", "60"},
		{"/canabortexposure", "true"},
		{"/cansetccdtemperature", "true"},
		{"/sensorname", `"TEST"`},
		{"/camerastate", "0"},
		{"/imageready", "false"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := fx.do(t, http.MethodGet, tt.path, nil)
			assert.Zero(t, resp.ErrorNumber, resp.ErrorMessage)
			assert.JSONEq(t, tt.want, string(resp.Value))
		})
	}
}

func TestDriverExposure(t *testing.T) {
	fx := newDriverFixture(t)
	fx.connect(t)

	resp := fx.do(t, http.MethodPut, "/startexposure", url.Values{"Duration": {"0.01"}, "Light": {"true"}})
	require.Zero(t, resp.ErrorNumber, resp.ErrorMessage)

	require.Eventually(t, func() bool {
		return fx.driver.Status().ImageReady
	}, time.Second, time.Millisecond)
	assert.Equal(t, alpaca.CameraIdle, fx.driver.Status().State)
	assert.Equal(t, 100, fx.driver.Status().PercentCompleted)

	img, err := fx.driver.ImageArray()
	require.NoError(t, err)
	require.Len(t, img, 64)
	require.Len(t, img[0], 48)
	assert.Equal(t, int32(5*64), img[5][3])
}

func TestDriverExposureStates(t *testing.T) {
	fx := newDriverFixture(t)
	fx.connect(t)

	require.NoError(t, fx.driver.StartExposure(5, true))
	st := fx.driver.Status()
	assert.Equal(t, alpaca.CameraExposing, st.State)
	assert.False(t, st.ImageReady)
	assert.Less(t, st.PercentCompleted, 100)

	resp := fx.do(t, http.MethodPut, "/startexposure", url.Values{"Duration": {"1"}, "Light": {"true"}})
	assert.Equal(t, alpaca.ErrInvalidOperation.Number, resp.ErrorNumber)

	_, err := fx.driver.ImageArray()
	assert.ErrorIs(t, err, alpaca.ErrInvalidOperation)

	resp = fx.do(t, http.MethodPut, "/abortexposure", nil)
	require.Zero(t, resp.ErrorNumber, resp.ErrorMessage)
	assert.Equal(t, alpaca.CameraIdle, fx.driver.Status().State)

	resp = fx.do(t, http.MethodPut, "/startexposure", url.Values{"Duration": {"61"}, "Light": {"true"}})
	assert.Equal(t, alpaca.ErrInvalidValue.Number, resp.ErrorNumber)
	assert.Equal(t, alpaca.CameraError, fx.driver.Status().State)
}

func TestDriverCooler(t *testing.T) {
	fx := newDriverFixture(t)
	fx.connect(t)

	resp := fx.do(t, http.MethodPut, "/setccdtemperature", url.Values{"SetCCDTemperature": {"5"}})
	require.Zero(t, resp.ErrorNumber, resp.ErrorMessage)
	resp = fx.do(t, http.MethodPut, "/cooleron", url.Values{"CoolerOn": {"true"}})
	require.Zero(t, resp.ErrorNumber, resp.ErrorMessage)

	resp = fx.do(t, http.MethodGet, "/cooleron", nil)
	assert.JSONEq(t, "true", string(resp.Value))
	resp = fx.do(t, http.MethodGet, "/setccdtemperature", nil)
	assert.JSONEq(t, "5", string(resp.Value))

	assert.Eventually(t, func() bool {
		st, _ := fx.driver.Camera().State(poll.Temperature)
		return st == poll.OK && fx.driver.Status().CCDTemperature == 5
	}, time.Second, time.Millisecond)

	resp = fx.do(t, http.MethodPut, "/setccdtemperature", url.Values{"SetCCDTemperature": {"-120"}})
	assert.Equal(t, alpaca.ErrInvalidValue.Number, resp.ErrorNumber)
}

func TestDriverRequiresConnection(t *testing.T) {
	fx := newDriverFixture(t)

	resp := fx.do(t, http.MethodGet, "/ccdtemperature", nil)
	assert.Equal(t, alpaca.ErrNotConnected.Number, resp.ErrorNumber)
	assert.ErrorIs(t, fx.driver.StartExposure(1, true), alpaca.ErrNotConnected)
	assert.ErrorIs(t, fx.driver.SetCoolerOn(true), alpaca.ErrNotConnected)
	_, err := fx.driver.ImageArray()
	assert.ErrorIs(t, err, alpaca.ErrNotConnected)
}

func TestDriverDeviceInfo(t *testing.T) {
	fx := newDriverFixture(t)

	info := fx.driver.DeviceInfo()
	assert.Equal(t, "Andor", info.Name)
	assert.Equal(t, alpaca.DeviceTypeCamera, info.Type)
	assert.Equal(t, alpaca.UniqueID("Andor"), info.UniqueID)
}

func TestDriverSetup(t *testing.T) {
	fx := newDriverFixture(t)
	fx.connect(t)

	form := url.Values{
		"handle":               {"0"},
		"bin":                  {"4"},
		"target":               {"-15"},
		"lead":                 {"4000"},
		"read-timeout":         {"120"},
		"temperature-interval": {"5000"},
		"max-exposure":         {"600"},
	}
	req := httptest.NewRequest(http.MethodPost, "/setup", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	fx.driver.HandleSetup(rec, req)
	assert.Contains(t, rec.Body.String(), "bin 4 saved")

	cfg, err := fx.store.Get()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Bin)
	assert.Equal(t, Frame{Width: 64, Height: 48, BinX: 4, BinY: 4}, fx.driver.Camera().Frame())
	assert.Equal(t, -15.0, fx.driver.Camera().Status().Target)

	form.Set("bin", "0")
	req = httptest.NewRequest(http.MethodPost, "/setup", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	fx.driver.HandleSetup(rec, req)
	assert.Contains(t, rec.Body.String(), "error: binning 0")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"negative handle", func(c *Config) { c.Handle = -1 }, true},
		{"bin too large", func(c *Config) { c.Bin = 32 }, true},
		{"target too cold", func(c *Config) { c.Target = -150 }, true},
		{"no read timeout", func(c *Config) { c.ReadTimeoutS = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(0)
			tt.modify(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}
