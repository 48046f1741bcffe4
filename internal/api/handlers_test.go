package api

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudflare/circl/group"
	"github.com/katzenpost/randsrv/internal/config"
	"github.com/katzenpost/randsrv/internal/epoch"
	"github.com/katzenpost/randsrv/internal/keysync"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, names []string, durations []string, first, last uint8) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Listen:         "127.0.0.1:0",
		InstanceNames:  names,
		EpochDurations: durations,
		FirstEpoch:     first,
		LastEpoch:      last,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestAdapter(t *testing.T, cfg *config.Config) *Adapter {
	t.Helper()
	reg := epoch.NewRegistry(cfg, nil)
	require.NoError(t, reg.Build())
	t.Cleanup(func() {
		for _, name := range reg.Names() {
			reg.Pause(name)
		}
	})
	return &Adapter{Registry: reg}
}

func encodedPoint(t *testing.T) string {
	t.Helper()
	g := group.Ristretto255
	scalar := g.RandomNonZeroScalar(rand.Reader)
	el := g.NewElement().Mul(g.Generator(), scalar)
	b, err := el.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(b)
}

// GET / returns 200 with a non-empty body.
func TestWelcomeRoute(t *testing.T) {
	a := newTestAdapter(t, testConfig(t, []string{"main"}, []string{"1h"}, 12, 24))
	router := NewRouter(a)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Body.String())
}

// GET /info reports the default instance's metadata.
func TestInfoDefaultInstance(t *testing.T) {
	a := newTestAdapter(t, testConfig(t, []string{"main"}, []string{"1h"}, 12, 24))
	router := NewRouter(a)

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body infoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, uint8(12), body.CurrentEpoch)
	require.Equal(t, config.MaxPoints, body.MaxPoints)
	require.NotEmpty(t, body.PublicKey)
	require.NotNil(t, body.NextEpochTime)
}

// An epoch that doesn't match the active tag is rejected with 400, for
// both an arbitrarily wrong tag and an off-by-one tag.
func TestRandomnessBadEpoch(t *testing.T) {
	a := newTestAdapter(t, testConfig(t, []string{"main"}, []string{"1h"}, 12, 24))
	router := NewRouter(a)

	point := encodedPoint(t)
	for _, badEpoch := range []uint8{0, 13} {
		reqBody, err := json.Marshal(randomnessRequest{
			Points: []string{point},
			Epoch:  &badEpoch,
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/randomness", bytes.NewReader(reqBody))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code, "epoch %d", badEpoch)
	}
}

// A request with no requested epoch, or one matching the active tag,
// succeeds and echoes the active epoch.
func TestRandomnessSucceedsOnActiveEpoch(t *testing.T) {
	a := newTestAdapter(t, testConfig(t, []string{"main"}, []string{"1h"}, 12, 24))
	router := NewRouter(a)

	point := encodedPoint(t)
	reqBody, err := json.Marshal(randomnessRequest{Points: []string{point}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/randomness", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body randomnessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, uint8(12), body.Epoch)
	require.Len(t, body.Points, 1)
}

// Exactly MaxPoints succeeds; MaxPoints+1 is rejected before any PPOPRF
// evaluation runs.
func TestRandomnessMaxPoints(t *testing.T) {
	a := newTestAdapter(t, testConfig(t, []string{"main"}, []string{"1h"}, 12, 24))
	router := NewRouter(a)

	points := make([]string, config.MaxPoints)
	for i := range points {
		points[i] = encodedPoint(t)
	}
	reqBody, err := json.Marshal(randomnessRequest{Points: points})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/randomness", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	tooMany := append(points, encodedPoint(t))
	reqBody, err = json.Marshal(randomnessRequest{Points: tooMany})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/randomness", bytes.NewReader(reqBody))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// A point of the wrong byte length is rejected as bad-point, distinct
// from a malformed base64 string.
func TestRandomnessBadPointLength(t *testing.T) {
	a := newTestAdapter(t, testConfig(t, []string{"main"}, []string{"1h"}, 12, 24))
	router := NewRouter(a)

	shortPoint := base64.StdEncoding.EncodeToString([]byte("too short"))
	reqBody, err := json.Marshal(randomnessRequest{Points: []string{shortPoint}})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/randomness", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// base_time = now - 11s with duration = 10s and first = 12 means one
// full epoch has elapsed: currentEpoch = 13, nextEpochTime = base + 20s.
func TestInstanceBaseTimeAlignment(t *testing.T) {
	base := time.Now().UTC().Add(-11 * time.Second).Truncate(time.Second)
	cfg := &config.Config{
		Listen:         "127.0.0.1:0",
		InstanceNames:  []string{"main"},
		EpochDurations: []string{"10s"},
		FirstEpoch:     12,
		LastEpoch:      24,
		EpochBaseTime:  base.Format(time.RFC3339),
	}
	require.NoError(t, cfg.Validate())
	a := newTestAdapter(t, cfg)
	router := NewRouter(a)

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body infoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, uint8(13), body.CurrentEpoch)
	require.NotNil(t, body.NextEpochTime)

	next, err := time.Parse(time.RFC3339, *body.NextEpochTime)
	require.NoError(t, err)
	require.WithinDuration(t, base.Add(20*time.Second), next, 2*time.Second)
}

// Named-instance routing parity: /instances/:name/info matches the
// default route modulo instance selection, and an unknown name is 404.
func TestInfoNamedInstanceParity(t *testing.T) {
	a := newTestAdapter(t, testConfig(t, []string{"main", "alternate"}, []string{"1h", "1h"}, 12, 24))
	router := NewRouter(a)

	getInfo := func(path string) (int, infoResponse) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		var body infoResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
		return rec.Code, body
	}

	defaultCode, defaultBody := getInfo("/info")
	namedCode, namedBody := getInfo("/instances/main/info")
	require.Equal(t, http.StatusOK, defaultCode)
	require.Equal(t, http.StatusOK, namedCode)
	require.Equal(t, defaultBody.PublicKey, namedBody.PublicKey)

	altCode, altBody := getInfo("/instances/alternate/info")
	require.Equal(t, http.StatusOK, altCode)
	require.NotEqual(t, defaultBody.PublicKey, altBody.PublicKey)

	missingCode, _ := getInfo("/instances/notexisting/info")
	require.Equal(t, http.StatusNotFound, missingCode)
}

func TestListInstances(t *testing.T) {
	a := newTestAdapter(t, testConfig(t, []string{"main", "alternate"}, []string{"1h", "1h"}, 12, 24))
	router := NewRouter(a)

	req := httptest.NewRequest(http.MethodGet, "/instances", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body instancesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.ElementsMatch(t, []string{"main", "alternate"}, body.Instances)
	require.Equal(t, "main", body.DefaultInstance)
}

// Key-sync routes are absent entirely when key-sync is disabled.
func TestEnclaveRoutesAbsentWithoutKeySync(t *testing.T) {
	a := newTestAdapter(t, testConfig(t, []string{"main"}, []string{"1h"}, 12, 24))
	router := NewRouter(a)

	req := httptest.NewRequest(http.MethodGet, "/enclave/state", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func keySyncConfig(t *testing.T, nitridingPort uint16) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Listen:                "127.0.0.1:0",
		InstanceNames:         []string{"main"},
		EpochDurations:        []string{"1h"},
		FirstEpoch:            0,
		LastEpoch:             3,
		EnclaveKeySync:        true,
		NitridingInternalPort: nitridingPort,
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

// A slot awaiting key material reports 503 not-ready rather than 404 or
// a silent empty response.
func TestEvaluateNotReadyBeforeKeySync(t *testing.T) {
	cfg := keySyncConfig(t, 9443)
	reg := epoch.NewRegistry(cfg, nil)
	ctrl := keysync.NewController(cfg, reg, nil)
	a := &Adapter{Registry: reg, KeySync: ctrl}
	router := NewRouter(a)

	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	reqBody, err := json.Marshal(randomnessRequest{Points: []string{encodedPoint(t)}})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/randomness", bytes.NewReader(reqBody))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// A leader's exported enclave state, PUT into a fresh worker process's
// adapter, yields the same public key on /info; the role cells latch
// leader and worker respectively.
func TestKeySyncLeaderThenWorker(t *testing.T) {
	leaderCfg := keySyncConfig(t, 9443)
	leaderReg := epoch.NewRegistry(leaderCfg, nil)
	leaderCtrl := keysync.NewController(leaderCfg, leaderReg, nil)
	leaderAdapter := &Adapter{Registry: leaderReg, KeySync: leaderCtrl}
	leaderRouter := NewRouter(leaderAdapter)
	t.Cleanup(func() {
		for _, name := range leaderReg.Names() {
			leaderReg.Pause(name)
		}
	})

	getReq := httptest.NewRequest(http.MethodGet, "/enclave/state", nil)
	getRec := httptest.NewRecorder()
	leaderRouter.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
	exported := getRec.Body.Bytes()

	leaderRole, ok := leaderCtrl.Role()
	require.True(t, ok)
	require.Equal(t, keysync.RoleLeader, leaderRole)

	workerCfg := keySyncConfig(t, 9444)
	workerReg := epoch.NewRegistry(workerCfg, nil)
	workerCtrl := keysync.NewController(workerCfg, workerReg, nil)
	workerAdapter := &Adapter{Registry: workerReg, KeySync: workerCtrl}
	workerRouter := NewRouter(workerAdapter)
	t.Cleanup(func() {
		for _, name := range workerReg.Names() {
			workerReg.Pause(name)
		}
	})

	putReq := httptest.NewRequest(http.MethodPut, "/enclave/state", bytes.NewReader(exported))
	putRec := httptest.NewRecorder()
	workerRouter.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusOK, putRec.Code)

	workerRole, ok := workerCtrl.Role()
	require.True(t, ok)
	require.Equal(t, keysync.RoleWorker, workerRole)

	leaderInfoReq := httptest.NewRequest(http.MethodGet, "/info", nil)
	leaderInfoRec := httptest.NewRecorder()
	leaderRouter.ServeHTTP(leaderInfoRec, leaderInfoReq)
	var leaderInfo infoResponse
	require.NoError(t, json.Unmarshal(leaderInfoRec.Body.Bytes(), &leaderInfo))

	workerInfoReq := httptest.NewRequest(http.MethodGet, "/info", nil)
	workerInfoRec := httptest.NewRecorder()
	workerRouter.ServeHTTP(workerInfoRec, workerInfoReq)
	var workerInfo infoResponse
	require.NoError(t, json.Unmarshal(workerInfoRec.Body.Bytes(), &workerInfo))

	require.Equal(t, leaderInfo.PublicKey, workerInfo.PublicKey)
}

// Multi-instance independence: one instance can remain None (awaiting
// key sync) while a second on the same registry is already populated.
func TestKeySyncPartialPopulation(t *testing.T) {
	cfg := &config.Config{
		Listen:                "127.0.0.1:0",
		InstanceNames:         []string{"main", "secondary"},
		EpochDurations:        []string{"1h", "1h"},
		FirstEpoch:            0,
		LastEpoch:             3,
		EnclaveKeySync:        true,
		NitridingInternalPort: 9445,
	}
	require.NoError(t, cfg.Validate())
	reg := epoch.NewRegistry(cfg, nil)
	ctrl := keysync.NewController(cfg, reg, nil)
	a := &Adapter{Registry: reg, KeySync: ctrl}
	router := NewRouter(a)
	t.Cleanup(func() {
		for _, name := range reg.Names() {
			reg.Pause(name)
		}
	})

	view, err := reg.Get("main")
	require.NoError(t, err)
	require.Nil(t, view.Instance())
	view.Release()

	require.NoError(t, reg.EnsureAllPopulated())
	reg.Pause("secondary")

	req := httptest.NewRequest(http.MethodGet, "/instances/main/info", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/instances/secondary/info", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// Role-mismatched key-sync calls are rejected without mutating state.
func TestKeySyncRoleMismatchIsRejected(t *testing.T) {
	cfg := keySyncConfig(t, 9446)
	reg := epoch.NewRegistry(cfg, nil)
	ctrl := keysync.NewController(cfg, reg, nil)
	a := &Adapter{Registry: reg, KeySync: ctrl}
	router := NewRouter(a)
	t.Cleanup(func() {
		for _, name := range reg.Names() {
			reg.Pause(name)
		}
	})

	getReq := httptest.NewRequest(http.MethodGet, "/enclave/state", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	putReq := httptest.NewRequest(http.MethodPut, "/enclave/state", bytes.NewReader([]byte{}))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusBadRequest, putRec.Code)
}
