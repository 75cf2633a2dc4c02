package dsd

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
	"astrodev/pkg/store"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

const setupTemplate = `{{define "focuser_setup.html"}}{{.Name}} {{.Endpoint}} {{.Coefficient}}{{if .Success}} saved{{end}}{{if .Error}} error: {{.Error}}{{end}}{{end}}`

type apiResponse struct {
	ErrorNumber  int
	ErrorMessage string
	Value        json.RawMessage
}

type driverFixture struct {
	driver *Driver
	fw     *Firmware
	store  *store.Store[Config]
	mux    *http.ServeMux
}

func testConfig() Config {
	cfg := DefaultConfig(testEndpoint)
	cfg.SettleMS = 0
	cfg.MotionIntervalMS = 10
	cfg.TemperatureIntervalMS = 100
	return cfg
}

func newDriverFixture(t *testing.T) *driverFixture {
	t.Helper()
	logger := log.WithField("test", t.Name())

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := NewStore(db, "dsd", testConfig(), logger)
	require.NoError(t, err)

	fw := NewFirmware("DeepSkyDad.AF3", "1.3.0")
	fw.Rate = 1000
	c := NewController("DSD", ModelAuto, newTestManager(t, fw), testSettings(), logger)
	t.Cleanup(c.Close)

	tmpl := template.Must(template.New("setup").Parse(setupTemplate))
	d, err := NewDriver(0, c, 0, st, tmpl, logger)
	require.NoError(t, err)

	mux := http.NewServeMux()
	alpaca.NewFocuserHandler(d).RegisterRoutes(mux)

	return &driverFixture{driver: d, fw: fw, store: st, mux: mux}
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

func TestNewDriverRejectsMissingPort(t *testing.T) {
	logger := log.WithField("test", t.Name())
	c := NewController("DSD", ModelArmadillo, newTestManager(t, NewFirmware("DeepSkyDad.AF3", "1.3.0")), testSettings(), logger)
	t.Cleanup(c.Close)

	_, err := NewDriver(0, c, 2, nil, nil, logger)
	assert.Error(t, err)
}

func TestDriverCapabilities(t *testing.T) {
	fx := newDriverFixture(t)
	fx.connect(t)

	tests := []struct {
		path string
		want string
	}{
		{"/absolute", "true"},
		{"/maxstep", "100000"},
		{"/maxincrement", "100000"},
		{"/tempcompavailable", "true"},
		{"/position", "50000"},
		{"/name", `"DSD Main"`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := fx.do(t, http.MethodGet, tt.path, url.Values{"ClientTransactionID": {"7"}})
			assert.Zero(t, resp.ErrorNumber, resp.ErrorMessage)
			assert.JSONEq(t, tt.want, string(resp.Value))
		})
	}

	resp := fx.do(t, http.MethodGet, "/stepsize", nil)
	assert.Equal(t, alpaca.ErrPropertyNotImplemented.Number, resp.ErrorNumber)
}

func TestDriverMove(t *testing.T) {
	fx := newDriverFixture(t)
	fx.connect(t)

	resp := fx.do(t, http.MethodPut, "/move", url.Values{"Position": {"55000"}})
	require.Zero(t, resp.ErrorNumber, resp.ErrorMessage)

	assert.Eventually(t, func() bool {
		st := fx.driver.Status()
		return !st.IsMoving && st.Position == 55000
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 55000, fx.fw.Position())
}

func TestDriverMoveErrors(t *testing.T) {
	fx := newDriverFixture(t)

	resp := fx.do(t, http.MethodPut, "/move", url.Values{"Position": {"100"}})
	assert.Equal(t, 0x407, resp.ErrorNumber)

	fx.connect(t)

	resp = fx.do(t, http.MethodPut, "/move", url.Values{"Position": {"200000"}})
	assert.Equal(t, 0x401, resp.ErrorNumber)

	resp = fx.do(t, http.MethodPut, "/move", url.Values{"Position": {"far"}})
	assert.Equal(t, 0x401, resp.ErrorNumber)
}

func TestDriverSetTempCompPersists(t *testing.T) {
	fx := newDriverFixture(t)
	fx.connect(t)

	resp := fx.do(t, http.MethodPut, "/tempcomp", url.Values{"TempComp": {"true"}})
	require.Zero(t, resp.ErrorNumber, resp.ErrorMessage)

	assert.True(t, fx.driver.Status().TempComp)
	cfg, err := fx.store.Get()
	require.NoError(t, err)
	assert.True(t, cfg.AutoMode)
}

func TestDriverDisconnect(t *testing.T) {
	fx := newDriverFixture(t)
	fx.connect(t)

	resp := fx.do(t, http.MethodPut, "/connected", url.Values{"Connected": {"false"}})
	require.Zero(t, resp.ErrorNumber, resp.ErrorMessage)
	assert.False(t, fx.driver.Connected())

	resp = fx.do(t, http.MethodGet, "/connected", nil)
	assert.JSONEq(t, "false", string(resp.Value))
}

func TestDriverDeviceInfo(t *testing.T) {
	fx := newDriverFixture(t)
	info := fx.driver.DeviceInfo()

	assert.Equal(t, alpaca.DeviceTypeFocuser, info.Type)
	assert.Equal(t, alpaca.UniqueID("DSD Main"), info.UniqueID)
	assert.Len(t, info.UniqueID, 36)
}

func TestDriverSetup(t *testing.T) {
	fx := newDriverFixture(t)

	form := url.Values{
		"endpoint":             {testEndpoint},
		"model":                {"armadillo"},
		"baud":                 {"9600"},
		"settle":               {"0"},
		"max-step":             {"5000"},
		"motion-interval":      {"20"},
		"temperature-interval": {"500"},
		"coefficient":          {"-12.5"},
		"auto-mode":            {"true"},
	}
	req := httptest.NewRequest(http.MethodPost, "/setup", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	fx.driver.HandleSetup(rec, req)

	assert.Contains(t, rec.Body.String(), "saved")

	cfg, err := fx.store.Get()
	require.NoError(t, err)
	assert.Equal(t, ModelArmadillo, cfg.Model)
	assert.Equal(t, 9600, cfg.Baud)
	assert.Equal(t, 5000, cfg.MaxStep)
	assert.Equal(t, -12.5, cfg.Coefficient)
	assert.True(t, cfg.AutoMode)
	assert.Equal(t, -12.5, fx.driver.Focuser().Coefficient())
}

func TestDriverSetupRejectsInvalidForm(t *testing.T) {
	fx := newDriverFixture(t)

	form := url.Values{
		"endpoint":             {testEndpoint},
		"model":                {"auto"},
		"baud":                 {"fast"},
		"settle":               {"0"},
		"max-step":             {"5000"},
		"motion-interval":      {"20"},
		"temperature-interval": {"500"},
		"coefficient":          {"0"},
	}
	req := httptest.NewRequest(http.MethodPost, "/setup", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	fx.driver.HandleSetup(rec, req)

	assert.Contains(t, rec.Body.String(), "error: invalid baud")

	cfg, err := fx.store.Get()
	require.NoError(t, err)
	assert.Equal(t, testConfig(), cfg)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"empty endpoint", func(c *Config) { c.Endpoint = "" }, true},
		{"unknown model", func(c *Config) { c.Model = "weasel" }, true},
		{"zero baud", func(c *Config) { c.Baud = 0 }, true},
		{"coefficient too large", func(c *Config) { c.Coefficient = 20000 }, true},
		{"motion interval too short", func(c *Config) { c.MotionIntervalMS = 1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestConfigApplyKeepsBaseTiming(t *testing.T) {
	base := testSettings()
	cfg := testConfig()
	cfg.Coefficient = 42

	s := cfg.Apply(base)
	assert.Equal(t, fastTiming, s.Timing)
	assert.Equal(t, 42.0, s.Coefficient)
	assert.Equal(t, 10*time.Millisecond, s.MotionInterval)
}
