package httputil

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HealthPath is the endpoint the worker pool answers health probes on
const HealthPath = "/api/v1/health/"

// CreateTestBackend starts a plain HTTP server on addr answering path
// with body, standing in for the worker pool in tests. It also serves
// the pool health endpoint so probes against it succeed. The returned
// function stops it.
func CreateTestBackend(addr, path, body string) (func() error, error) {
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})
	if path != HealthPath {
		mux.HandleFunc(HealthPath, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"status": "ok"}`)
		})
	}

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("Error starting test backend on %s: %v\n", addr, err)
		}
	}()

	// Give the listener a moment to come up
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + addr + path)
		if err == nil {
			_ = resp.Body.Close()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	return func() error {
		return srv.Close()
	}, nil
}

// SendTestRequest fetches url with a short timeout and returns the body
func SendTestRequest(url string) (string, error) {
	client := &http.Client{
		Timeout: 3 * time.Second,
		Transport: &http.Transport{
			// Ask to close the connections immediately
			DisableKeepAlives: true,
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return "", fmt.Errorf("error sending request, error: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			fmt.Println("cannot close response body, error", err)
		}
	}(resp.Body)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
