// Serialmux adapts a serial port into the byte transport the sensor
// controller drives, and fans a hex trace of the traffic out to subscribers
// such as the live tail debug page.
package serialmux

import (
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("failed to write to serial port")

//go:embed templates/*
var adminTemplateFS embed.FS

var tailTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/tail.html.tmpl"))

// subscriberBuffer is how many trace lines a slow subscriber may lag behind
// before lines are dropped for it.
const subscriberBuffer = 64

// SerialMux wraps a serial port. Reads and writes pass straight through;
// every chunk is also published as a "< aa c0 ..." or "> aa b4 ..." line.
type SerialMux[T TimeoutSerialPorter] struct {
	port T

	readMu      sync.Mutex
	readTimeout time.Duration

	writeMu sync.Mutex

	subscriberMu sync.Mutex
	subscribers  map[string]chan string
	closing      bool
}

// NewSerialMux creates a SerialMux around port.
func NewSerialMux[T TimeoutSerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
		readTimeout: -1,
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe returns a channel of trace lines. The channel ID is used to
// identify the channel when unsubscribing. After Close the returned channel
// is already closed.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Subscribers returns the number of open subscriptions.
func (s *SerialMux[T]) Subscribers() int {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	return len(s.subscribers)
}

func (s *SerialMux[T]) publish(dir string, p []byte) {
	line := dir + " " + spacedHex(p)

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// if the channel is full skip so the sensor loop never blocks
		}
	}
}

func spacedHex(p []byte) string {
	if len(p) == 0 {
		return ""
	}
	out := make([]byte, 0, len(p)*3-1)
	for i, b := range p {
		if i > 0 {
			out = append(out, ' ')
		}
		out = hex.AppendEncode(out, []byte{b})
	}
	return string(out)
}

// ReadTimeout reads whatever arrives within d. It returns (0, nil) when the
// port timed out with nothing to read.
func (s *SerialMux[T]) ReadTimeout(p []byte, d time.Duration) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if d != s.readTimeout {
		if err := s.port.SetReadTimeout(d); err != nil {
			return 0, fmt.Errorf("set read timeout: %w", err)
		}
		s.readTimeout = d
	}
	n, err := s.port.Read(p)
	if n > 0 {
		s.publish("<", p[:n])
	}
	return n, err
}

// Write sends p to the port in full.
func (s *SerialMux[T]) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.port.Write(p)
	if n > 0 {
		s.publish(">", p[:n])
	}
	if err != nil {
		return n, err
	}
	if n != len(p) {
		return n, ErrWriteFailed
	}
	return n, nil
}

// ResetInputBuffer drops bytes the port has received but nobody has read.
// Ports that cannot do so are left alone.
func (s *SerialMux[T]) ResetInputBuffer() error {
	if r, ok := any(s.port).(inputResetter); ok {
		return r.ResetInputBuffer()
	}
	return nil
}

// Close closes all subscribed channels and closes the serial port.
func (s *SerialMux[T]) Close() error {
	s.subscriberMu.Lock()
	s.closing = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

// AttachAdminRoutes attaches the live traffic tail under /debug/. These routes
// are accessible only over localhost/via Tailscale.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial", "live tail of sensor serial traffic", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tailTemplate.Execute(w, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
		}
	})

	// Server-Sent Events, one event per trace line.
	debug.HandleSilentFunc("serial/tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case line, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
