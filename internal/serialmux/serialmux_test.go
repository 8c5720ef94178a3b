package serialmux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/dust.report/internal/sds011"
)

func TestSerialMux_ReadTimeoutSetsDeadlineOnce(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	buf := make([]byte, 16)
	for i := 0; i < 3; i++ {
		n, err := mux.ReadTimeout(buf, 250*time.Millisecond)
		if err != nil || n != 0 {
			t.Fatalf("ReadTimeout on idle port = (%d, %v), want (0, nil)", n, err)
		}
	}
	if port.TimeoutCalls != 1 || port.ReadTimeout != 250*time.Millisecond {
		t.Errorf("SetReadTimeout called %d times with %v, want once with 250ms", port.TimeoutCalls, port.ReadTimeout)
	}

	mux.ReadTimeout(buf, time.Second)
	if port.TimeoutCalls != 2 || port.ReadTimeout != time.Second {
		t.Errorf("changed timeout not applied: %d calls, %v", port.TimeoutCalls, port.ReadTimeout)
	}
}

func TestSerialMux_ReadPassesData(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	frame := sds011.MeasurementFrame(100, 200, 0xA160).Bytes()
	port.AddReadData(frame)

	buf := make([]byte, 64)
	n, err := mux.ReadTimeout(buf, time.Millisecond)
	if err != nil {
		t.Fatalf("ReadTimeout failed: %v", err)
	}
	if !bytes.Equal(buf[:n], frame) {
		t.Errorf("read % x, want % x", buf[:n], frame)
	}
}

func TestSerialMux_ReadError(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	want := errors.New("device unplugged")
	port.ReadError = want

	if _, err := mux.ReadTimeout(make([]byte, 4), time.Millisecond); !errors.Is(err, want) {
		t.Errorf("ReadTimeout error = %v, want %v", err, want)
	}
}

func TestSerialMux_Write(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	cmd, err := sds011.Encode(sds011.SleepCommand(true))
	if err != nil {
		t.Fatal(err)
	}

	n, err := mux.Write(cmd)
	if err != nil || n != len(cmd) {
		t.Fatalf("Write = (%d, %v), want (%d, nil)", n, err, len(cmd))
	}
	if got := port.GetWrittenData(); !bytes.Equal(got, cmd) {
		t.Errorf("port received % x, want % x", got, cmd)
	}

	port.ShortWrite = true
	if _, err := mux.Write(cmd); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("short write error = %v, want ErrWriteFailed", err)
	}
	port.ShortWrite = false

	want := errors.New("write failed")
	port.WriteError = want
	if _, err := mux.Write(cmd); !errors.Is(err, want) {
		t.Errorf("Write error = %v, want %v", err, want)
	}
}

func TestSerialMux_ResetInputBuffer(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	port.AddReadData([]byte{0xAA, 0xC0})

	if err := mux.ResetInputBuffer(); err != nil {
		t.Fatalf("ResetInputBuffer failed: %v", err)
	}
	if port.Resets != 1 {
		t.Errorf("Resets = %d, want 1", port.Resets)
	}
	if n, _ := mux.ReadTimeout(make([]byte, 4), time.Millisecond); n != 0 {
		t.Errorf("read %d stale bytes after reset", n)
	}
}

func TestSerialMux_TrafficTap(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	id, ch := mux.Subscribe()

	mux.Write([]byte{0xAA, 0xB4, 0x06})
	port.AddReadData([]byte{0xAA, 0xC5})
	mux.ReadTimeout(make([]byte, 8), time.Millisecond)

	for _, want := range []string{"> aa b4 06", "< aa c5"} {
		select {
		case got := <-ch:
			if got != want {
				t.Errorf("trace line = %q, want %q", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no trace line, want %q", want)
		}
	}

	mux.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if n := mux.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d after Unsubscribe", n)
	}
}

func TestSerialMux_SlowSubscriberDoesNotBlock(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	_, ch := mux.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			mux.Write([]byte{byte(i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Write blocked on a full subscriber")
	}
	if len(ch) != subscriberBuffer {
		t.Errorf("buffered %d lines, want %d", len(ch), subscriberBuffer)
	}
}

func TestSerialMux_Close(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !port.Closed {
		t.Error("port not closed")
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel still open after Close")
	}
	_, late := mux.Subscribe()
	if _, ok := <-late; ok {
		t.Error("Subscribe after Close returned an open channel")
	}
}

func TestSpacedHex(t *testing.T) {
	if got := spacedHex(nil); got != "" {
		t.Errorf("spacedHex(nil) = %q", got)
	}
	if got := spacedHex([]byte{0xAA, 0x0B}); got != "aa 0b" {
		t.Errorf("spacedHex = %q, want %q", got, "aa 0b")
	}
}

// localHostRequest creates an httptest request that appears to come from localhost.
// This bypasses tsweb.AllowDebugAccess which checks for loopback IPs.
func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestAttachAdminRoutes_TailPage(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/serial"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "EventSource") {
		t.Error("tail page does not open an event stream")
	}
}

func TestAttachAdminRoutes_TailMethodNotAllowed(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodPost, "/debug/serial/tail"))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestAttachAdminRoutes_TailStreamsTraffic(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)
	srv := httptest.NewServer(httpMux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/serial/tail", nil)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("GET tail: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	ping, err := r.ReadString('\n')
	if err != nil || ping != ": ping\n" {
		t.Fatalf("first line = %q, %v", ping, err)
	}

	mux.Write([]byte{0xAA, 0xB4})
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if got := strings.TrimSpace(line); got != "data: > aa b4" {
				t.Errorf("event = %q, want %q", got, "data: > aa b4")
			}
			break
		}
	}
}

func TestSimulatedSerialMux_DrivesController(t *testing.T) {
	sim := sds011.NewSimulator(0xA160, sds011.Reading{PM25: 100, PM10: 250})
	port := NewSimulatedSerialMux(sim)
	_, trace := port.Subscribe()

	ctrl := sds011.NewController(port, sds011.ControllerOptions{AckTimeout: time.Second, ReadTimeout: 5 * time.Millisecond})
	ctx := context.Background()
	if err := ctrl.SetMode(ctx, sds011.ModeQuery); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	m, err := ctrl.Query(ctx)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if m.PM25 != 10.0 || m.PM10 != 25.0 {
		t.Errorf("measurement = %+v, want 10.0/25.0", m)
	}

	var sent, received int
	for len(trace) > 0 {
		line := <-trace
		switch {
		case strings.HasPrefix(line, "> aa b4"):
			sent++
		case strings.HasPrefix(line, "< "):
			received++
		}
	}
	if sent != 2 {
		t.Errorf("traced %d commands, want 2", sent)
	}
	if received == 0 {
		t.Error("no received traffic traced")
	}
}
