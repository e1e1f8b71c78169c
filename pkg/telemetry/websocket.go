package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const writeTimeout = 100 * time.Millisecond

// Hub fans records out to every connected websocket client.
type Hub struct {
	upgrader websocket.Upgrader

	lock    sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*websocket.Conn]bool{},
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Println("TLM: websocket upgrade failed:", err)
		return
	}
	h.lock.Lock()
	h.clients[ws] = true
	h.lock.Unlock()

	// Clients never send anything; reading is how we notice them leave.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(ws)
}

func (h *Hub) remove(ws *websocket.Conn) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.clients[ws] {
		delete(h.clients, ws)
		ws.Close()
	}
}

func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Send writes rec to every client, dropping any that cannot keep up.
func (h *Hub) Send(rec Record) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	for c := range h.clients {
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteJSON(rec); err != nil {
			fmt.Printf("TLM: dropping websocket client %s: %v\n", c.RemoteAddr(), err)
			c.Close()
			delete(h.clients, c)
		}
	}
	return nil
}

func (h *Hub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()
	for c := range h.clients {
		c.Close()
		delete(h.clients, c)
	}
}

// Handler serves the live feed on /ws and the latest record on /snapshot.
func Handler(src Source, hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(NewRecord(src.Snapshot(), time.Now())); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return mux
}

// Serve runs the HTTP endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string, src Source, hub *Hub) error {
	srv := &http.Server{Addr: addr, Handler: Handler(src, hub)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		// Hijacked connections are not closed by Shutdown.
		hub.Close()
	}()

	fmt.Println("TLM: serving telemetry on", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return errors.Wrapf(err, "telemetry server on %s failed", addr)
	}
	return nil
}
