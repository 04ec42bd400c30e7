// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platformbuilds/pmaxcap/internal/capacity"
	"github.com/platformbuilds/pmaxcap/internal/capacity/capacitytest"
	"github.com/platformbuilds/pmaxcap/internal/events"
	"github.com/platformbuilds/pmaxcap/internal/orchestrator"
	"github.com/platformbuilds/pmaxcap/internal/selftelemetry"
	"github.com/platformbuilds/pmaxcap/internal/storagedef"
	"github.com/platformbuilds/pmaxcap/internal/store"
)

const arrayID = "000197900123"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeTrigger struct {
	trig  orchestrator.Trigger
	err   error
	calls []bool
}

func (f *fakeTrigger) RequestCollection(force bool) (orchestrator.Trigger, error) {
	f.calls = append(f.calls, force)
	return f.trig, f.err
}

func collectedStore(t *testing.T) *store.Store {
	t.Helper()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := capacity.NewCollector(capacitytest.NewSource(), discard, capacity.CollectorOptions{
		Now: func() time.Time { return ts },
	})
	snap, err := c.Assemble(context.Background(), arrayID)
	require.NoError(t, err)
	st := store.New(arrayID)
	st.Complete(snap, ts)
	return st
}

func newTestServer(st *store.Store, trig Trigger, opts Options) (*Server, *events.Bus) {
	bus := events.NewBus(discard)
	return New(st, trig, bus, discard, opts), bus
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestDataEndpoints_NoData(t *testing.T) {
	s, _ := newTestServer(store.New(arrayID), &fakeTrigger{}, Options{})
	h := s.Handler()

	for _, path := range []string{
		"/api/snapshot", "/api/system", "/api/srps", "/api/storage-groups",
		"/api/volumes", "/api/summary", "/api/trends/service-levels", "/api/trends/top-consumers",
	} {
		rec := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, noDataDetail, decode[map[string]string](t, rec)["detail"], path)
	}
}

func TestRootHealthStatus(t *testing.T) {
	s, _ := newTestServer(store.New(arrayID), &fakeTrigger{}, Options{
		SourceHealth: func() storagedef.CollectorHealth {
			return storagedef.CollectorHealth{Status: storagedef.HealthStatusHealthy, ErrorCount: 0}
		},
	})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decode[map[string]any](t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, false, health["has_data"])
	assert.Equal(t, "healthy", health["source"].(map[string]any)["status"])

	rec = do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	assert.Equal(t, false, status["collection_in_progress"])
	assert.Equal(t, "idle", status["state"])
	assert.Nil(t, status["last_collection_time"])
	assert.Equal(t, arrayID, status["array_id"])
}

func TestRoot_ServesStaticIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>dashboard</html>"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "static"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "static", "app.js"), []byte("console.log(1)"), 0o600))

	s, _ := newTestServer(store.New(arrayID), &fakeTrigger{}, Options{StaticDir: dir})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dashboard")

	rec = do(t, h, http.MethodGet, "/static/app.js", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "console.log")
}

func TestCollect(t *testing.T) {
	cases := []struct {
		name      string
		trig      orchestrator.Trigger
		err       error
		body      string
		wantCode  int
		wantForce bool
		wantField string
	}{
		{"started without body", orchestrator.TriggerStarted, nil, "", http.StatusAccepted, false, "started"},
		{"queued when forced", orchestrator.TriggerQueued, nil, `{"force_refresh":true}`, http.StatusAccepted, true, "queued"},
		{"busy", orchestrator.TriggerRejected, orchestrator.ErrCollectionInProgress, `{"force_refresh":false}`, http.StatusConflict, false, "Collection already in progress"},
		{"stopped", orchestrator.TriggerRejected, orchestrator.ErrStopped, "", http.StatusServiceUnavailable, false, "Service is shutting down"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			trig := &fakeTrigger{trig: tc.trig, err: tc.err}
			s, _ := newTestServer(store.New(arrayID), trig, Options{})

			rec := do(t, s.Handler(), http.MethodPost, "/api/collect", tc.body)
			require.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
			require.Equal(t, []bool{tc.wantForce}, trig.calls)

			got := decode[map[string]any](t, rec)
			if tc.wantCode == http.StatusAccepted {
				assert.Equal(t, tc.wantField, got["status"])
			} else {
				assert.Equal(t, tc.wantField, got["detail"])
			}
		})
	}
}

func TestCollect_BadBody(t *testing.T) {
	trig := &fakeTrigger{trig: orchestrator.TriggerStarted}
	s, _ := newTestServer(store.New(arrayID), trig, Options{})

	rec := do(t, s.Handler(), http.MethodPost, "/api/collect", `{"force_refresh":"yes"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, trig.calls)
}

func TestSnapshotSystemSRPs(t *testing.T) {
	s, _ := newTestServer(collectedStore(t), &fakeTrigger{}, Options{})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[map[string]any](t, rec)
	assert.Equal(t, arrayID, snap["array_id"])
	assert.EqualValues(t, 4, snap["total_volumes"])

	rec = do(t, h, http.MethodGet, "/api/system", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 75, decode[map[string]any](t, rec)["utilization_percent"])

	rec = do(t, h, http.MethodGet, "/api/srps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 2)
}

func TestStorageGroups(t *testing.T) {
	s, _ := newTestServer(collectedStore(t), &fakeTrigger{}, Options{})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/storage-groups", "")
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]map[string]any](t, rec)
	require.Len(t, all, 3)
	assert.Equal(t, "db_sg", all[0]["storage_group_id"])

	rec = do(t, h, http.MethodGet, "/api/storage-groups?service_level=Diamond&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	one := decode[[]map[string]any](t, rec)
	require.Len(t, one, 1)
	assert.Equal(t, "db_sg", one[0]["storage_group_id"])

	rec = do(t, h, http.MethodGet, "/api/storage-groups?srp_name=SRP_2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	for _, bad := range []string{"limit=abc", "limit=-1"} {
		rec = do(t, h, http.MethodGet, "/api/storage-groups?"+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestVolumes(t *testing.T) {
	s, _ := newTestServer(collectedStore(t), &fakeTrigger{}, Options{})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/volumes?storage_group=db_sg&limit=2&offset=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[capacity.VolumePage](t, rec)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 1, page.Offset)
	assert.Equal(t, 2, page.Limit)
	require.Len(t, page.Volumes, 2)
	assert.Equal(t, "00003", page.Volumes[0].VolumeID)
	assert.Equal(t, "00002", page.Volumes[1].VolumeID)

	rec = do(t, h, http.MethodGet, "/api/volumes?offset=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummaryAndTrends(t *testing.T) {
	s, _ := newTestServer(collectedStore(t), &fakeTrigger{}, Options{})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[capacity.Summary](t, rec)
	assert.Equal(t, arrayID, sum.ArrayID)
	assert.Equal(t, 75.0, sum.System.UtilizationPercent)
	assert.Equal(t, capacity.Counts{SRPs: 2, StorageGroups: 3, Volumes: 4}, sum.Counts)

	rec = do(t, h, http.MethodGet, "/api/trends/service-levels", "")
	require.Equal(t, http.StatusOK, rec.Code)
	levels := decode[[]capacity.ServiceLevelStats](t, rec)
	require.Len(t, levels, 2)
	assert.Equal(t, capacity.ServiceLevelStats{ServiceLevel: "Diamond", Count: 2, TotalCapacityGB: 150, NumVolumes: 3}, levels[0])
	assert.Equal(t, capacity.NoServiceLevel, levels[1].ServiceLevel)

	rec = do(t, h, http.MethodGet, "/api/trends/top-consumers?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	top := decode[[]capacity.StorageGroupCapacity](t, rec)
	require.Len(t, top, 2)
	assert.Equal(t, "db_sg", top[0].StorageGroupID)
	assert.Equal(t, "app_sg", top[1].StorageGroupID)

	rec = do(t, h, http.MethodGet, "/api/trends/top-consumers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]capacity.StorageGroupCapacity](t, rec), 3)
	assert.Equal(t, 4, s.cache.Len(), "summary, service levels and two top-consumer views")
}

func TestCache_KeyedBySnapshot(t *testing.T) {
	st := collectedStore(t)
	s, _ := newTestServer(st, &fakeTrigger{}, Options{})
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/api/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	next := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	c := capacity.NewCollector(&capacitytest.Source{System: capacity.SystemMetrics{EffectiveUsedGB: 10, MaxEffectiveGB: 100}},
		discard, capacity.CollectorOptions{Now: func() time.Time { return next }})
	snap, err := c.Assemble(context.Background(), arrayID)
	require.NoError(t, err)
	st.Complete(snap, next)

	rec = do(t, h, http.MethodGet, "/api/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sum := decode[capacity.Summary](t, rec)
	assert.Equal(t, 10.0, sum.System.UtilizationPercent)
	assert.Zero(t, sum.Counts.Volumes)
}

func TestGzipOnAPI(t *testing.T) {
	s, _ := newTestServer(collectedStore(t), &fakeTrigger{}, Options{})
	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
}

func TestMetricsEndpoints(t *testing.T) {
	m := selftelemetry.NewMetrics("pmaxcap_api_test")
	s, _ := newTestServer(store.New(arrayID), &fakeTrigger{}, Options{Metrics: m})
	h := s.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/readyz", "").Code)
	m.SetReady(true)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", "").Code)

	rec := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pmaxcap_api_test_ready")
}

func TestWebSocket(t *testing.T) {
	s, bus := newTestServer(collectedStore(t), &fakeTrigger{}, Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var connected struct {
		Type   string       `json:"type"`
		Status store.Status `json:"status"`
	}
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, string(events.TypeConnected), connected.Type)
	assert.True(t, connected.Status.HasData)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	var pong events.Event
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, events.TypePong, pong.Type)

	// the subscription is registered before the connected message is sent
	require.Equal(t, 1, bus.Len())
	bus.Publish(events.Started())
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeCollectionStarted, ev.Type)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return bus.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_PongKeepsClientAlive(t *testing.T) {
	s, bus := newTestServer(store.New(arrayID), &fakeTrigger{}, Options{PingInterval: 20 * time.Millisecond})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// reading lets the default ping handler answer with pongs
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, bus.Len())
}

func TestWebSocket_DropsUnresponsiveClient(t *testing.T) {
	s, bus := newTestServer(store.New(arrayID), &fakeTrigger{}, Options{PingInterval: 20 * time.Millisecond})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return bus.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	// the client never reads, so pings go unanswered
	require.Eventually(t, func() bool { return bus.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_RejectsPlainHTTP(t *testing.T) {
	s, bus := newTestServer(store.New(arrayID), &fakeTrigger{}, Options{})
	rec := do(t, s.Handler(), http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, bus.Len())
}
