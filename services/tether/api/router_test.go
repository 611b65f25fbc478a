// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tether/services/tether/conn"
	"github.com/AleutianAI/tether/services/tether/engine"
	"github.com/AleutianAI/tether/services/tether/host/simhost"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSource struct {
	mu         sync.Mutex
	hb         engine.Heartbeat
	payload    *engine.Payload
	identities []string
}

func (f *fakeSource) Heartbeat() engine.Heartbeat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hb
}

func (f *fakeSource) LastPayload() *engine.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload
}

func (f *fakeSource) SignalIdentityChange(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities = append(f.identities, id)
}

func performRequest(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		data, _ := json.Marshal(body)
		reqBody = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	src := &fakeSource{}
	src.hb.Connection.Generation.Seq = 3
	router := NewRouter(src, nil, nil)

	w := performRequest(router, http.MethodGet, "/v1/tether/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, uint64(3), resp.Generation)

	src.mu.Lock()
	src.hb.Degraded = true
	src.hb.LastFatal = "redial after host_unavailable: refused"
	src.mu.Unlock()

	w = performRequest(router, http.MethodGet, "/v1/tether/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.LastFatal, "refused")
}

func TestPayload(t *testing.T) {
	src := &fakeSource{}
	router := NewRouter(src, nil, nil)

	w := performRequest(router, http.MethodGet, "/v1/tether/payload", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	src.payload = &engine.Payload{Text: "IMPRESSION: Normal.", Fresh: true, Generation: 1, Tick: 4}
	w = performRequest(router, http.MethodGet, "/v1/tether/payload", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var p engine.Payload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "IMPRESSION: Normal.", p.Text)
	assert.Equal(t, uint64(4), p.Tick)
}

func TestIdentity(t *testing.T) {
	src := &fakeSource{}
	router := NewRouter(src, nil, nil)

	w := performRequest(router, http.MethodPost, "/v1/tether/identity", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, src.identities)

	w = performRequest(router, http.MethodPost, "/v1/tether/identity", IdentityRequest{Identity: "accession-1234"})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"accession-1234"}, src.identities)
}

func TestMetricsRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "tether_probe_total", Help: "probe"})
	reg.MustRegister(c)
	c.Inc()

	router := NewRouter(&fakeSource{}, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil)
	w := performRequest(router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tether_probe_total 1")

	w = performRequest(NewRouter(&fakeSource{}, nil, nil), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHeartbeat_FromEngine(t *testing.T) {
	tree := simhost.DemoTree("PowerScribe")
	c, err := conn.Open(context.Background(), tree.Dial, conn.DefaultConfig())
	require.NoError(t, err)

	cfg := engine.DefaultConfig()
	cfg.WindowLabel = "PowerScribe"
	reg := prometheus.NewRegistry()
	e, err := engine.New(c, cfg, engine.WithMetrics(engine.NewMetrics(reg)))
	require.NoError(t, err)
	defer e.Close(context.Background())

	_, err = e.Tick(context.Background())
	require.NoError(t, err)

	router := NewRouter(e, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil)
	w := performRequest(router, http.MethodGet, "/v1/tether/heartbeat", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var hb engine.Heartbeat
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hb))
	assert.Equal(t, uint64(1), hb.Ticks)
	assert.True(t, hb.Cache.Window.Occupied)
	assert.Equal(t, int64(2), hb.Connection.Handles.Outstanding)

	w = performRequest(router, http.MethodGet, "/metrics", nil)
	assert.Contains(t, w.Body.String(), `tether_engine_ticks_total{result="payload"} 1`)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(ln.Addr().String(), NewRouter(&fakeSource{}, nil, nil), time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/v1/tether/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
