// Copyright 2026 The Mulemesh Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.RecordAdmission("high")
	m.RecordDuplicate()
	m.RecordRejection()
	m.RecordEviction("budget", 3)
	m.RecordExpired(2)
	m.SetOccupancy(1024)
	m.RecordSession("ok", 1, 2, 0.5)
}

func TestHandlerExposesRecordedMetrics(t *testing.T) {
	m := New()
	m.RecordAdmission("emergency")
	m.SetOccupancy(4096)
	m.RecordSession("ok", 3, 1, 0.25)

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(recorder.Result().Body)
	if err != nil {
		t.Fatalf("reading metrics body: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		`mulemesh_store_bundles_admitted_total{priority="emergency"} 1`,
		`mulemesh_store_occupancy_bytes 4096`,
		`mulemesh_sync_sessions_total{outcome="ok"} 1`,
		`mulemesh_sync_bundles_sent_total 3`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	first := New()
	second := New()
	first.RecordDuplicate()

	recorder := httptest.NewRecorder()
	second.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(recorder.Result().Body)
	if strings.Contains(string(body), `mulemesh_store_duplicates_ignored_total 1`) {
		t.Error("second registry observed the first registry's counter")
	}
}
