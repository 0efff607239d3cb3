package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func scoredResult() Result {
	return Result{
		Confidence: 0.82,
		Urgency:    "urgent",
		Differentials: []Differential{
			{Condition: "acute appendicitis", Likelihood: 0.61},
			{Condition: "mesenteric adenitis", Likelihood: 0.21},
		},
		SuggestedTests: []string{"CBC", "abdominal ultrasound"},
	}
}

func testRequest() Request {
	return Request{
		ChiefComplaint: "right lower quadrant pain",
		Symptoms: []Symptom{
			{Name: "abdominal pain", Severity: 7},
			{Name: "nausea"},
		},
		History: "onset 12 hours ago, worsening",
	}
}

func TestAnalyze(t *testing.T) {
	var gotReq Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(scoredResult())
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	result, err := c.Analyze(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.Urgency != "urgent" || len(result.Differentials) != 2 {
		t.Errorf("result = %+v", result)
	}
	if gotReq.ChiefComplaint != "right lower quadrant pain" {
		t.Errorf("upstream saw %+v", gotReq)
	}
}

func TestAnalyze_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(scoredResult())
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	result, err := c.Analyze(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if result.Confidence != 0.82 {
		t.Errorf("confidence = %v", result.Confidence)
	}
}

func TestAnalyze_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Analyze(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != maxAttempts {
		t.Errorf("calls = %d, want %d", calls.Load(), maxAttempts)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Errorf("err = %v, want wrapped StatusError 500", err)
	}
}

func TestAnalyze_ClientErrorFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Analyze(context.Background(), testRequest())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnprocessableEntity {
		t.Fatalf("err = %v, want StatusError 422", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestAnalyze_MissingChiefComplaint(t *testing.T) {
	c := NewClient("http://analysis.invalid", time.Second)
	if _, err := c.Analyze(context.Background(), Request{}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestAnalyze_ContextCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Analyze(ctx, testRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
