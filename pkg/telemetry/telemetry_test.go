package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/tigerbot-team/foc-controller/pkg/controlloop"
)

type fixedSource controlloop.Snapshot

func (s fixedSource) Snapshot() controlloop.Snapshot { return controlloop.Snapshot(s) }

func runningSnapshot() fixedSource {
	return fixedSource{
		State:    controlloop.State{Kind: controlloop.Running, AngleOffset: 0.5},
		Cycles:   42,
		Throttle: 0.25,
		Enabled:  true,
		Duty:     [3]float64{0.5, 0.6, 0.4},
		Id:       0.1,
		Iq:       5,
	}
}

func TestNewRecord(t *testing.T) {
	now := time.Unix(100, 500000000)
	rec := NewRecord(runningSnapshot().Snapshot(), now)
	if rec.State != "running" || rec.Cycles != 42 || rec.AngleOffset != 0.5 {
		t.Errorf("record %+v", rec)
	}
	if rec.Timestamp != 100.5 {
		t.Errorf("timestamp %v, expected 100.5", rec.Timestamp)
	}
	if rec.Duty != [3]float64{0.5, 0.6, 0.4} || rec.Iq != 5 || !rec.Enabled {
		t.Errorf("record %+v", rec)
	}
}

type chanSink struct {
	recs chan Record
	err  error
}

func (s *chanSink) Send(rec Record) error {
	select {
	case s.recs <- rec:
	default:
	}
	return s.err
}

func TestRunPublishesToEverySink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	broken := &chanSink{recs: make(chan Record, 100), err: errors.New("broker down")}
	good := &chanSink{recs: make(chan Record, 100)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, runningSnapshot(), time.Millisecond, broken, good)
	}()

	for i := 0; i < 3; i++ {
		select {
		case rec := <-good.recs:
			if rec.State != "running" {
				t.Errorf("state %q", rec.State)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no telemetry published")
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}
func (t doneToken) Error() error { return t.err }

type fakeClient struct {
	mqtt.Client
	open      bool
	topic     string
	payload   []byte
	publishes int
}

func (c *fakeClient) IsConnectionOpen() bool { return c.open }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.publishes++
	c.topic = topic
	c.payload = payload.([]byte)
	return doneToken{}
}

func TestMQTTSend(t *testing.T) {
	c := &fakeClient{}
	m := newMQTT(c, "foc/telemetry")
	rec := NewRecord(runningSnapshot().Snapshot(), time.Now())

	if err := m.Send(rec); err != ErrNotConnected {
		t.Errorf("Send while disconnected = %v", err)
	}
	if c.publishes != 0 {
		t.Errorf("published while disconnected")
	}

	c.open = true
	if err := m.Send(rec); err != nil {
		t.Fatalf("Send = %v", err)
	}
	if c.topic != "foc/telemetry" {
		t.Errorf("topic %q", c.topic)
	}
	var got Record
	if err := json.Unmarshal(c.payload, &got); err != nil {
		t.Fatal(err)
	}
	if got != rec {
		t.Errorf("payload %+v, expected %+v", got, rec)
	}
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("%d websocket clients, expected %d", hub.Clients(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHubBroadcasts(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	srv := httptest.NewServer(Handler(runningSnapshot(), hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		ws, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer ws.Close()
		conns = append(conns, ws)
	}
	waitForClients(t, hub, 2)

	rec := NewRecord(runningSnapshot().Snapshot(), time.Now())
	if err := hub.Send(rec); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for _, ws := range conns {
		wg.Add(1)
		go func(ws *websocket.Conn) {
			defer wg.Done()
			var got Record
			ws.SetReadDeadline(time.Now().Add(5 * time.Second))
			if err := ws.ReadJSON(&got); err != nil {
				t.Errorf("ReadJSON = %v", err)
				return
			}
			if got != rec {
				t.Errorf("got %+v, expected %+v", got, rec)
			}
		}(ws)
	}
	wg.Wait()

	conns[0].Close()
	waitForClients(t, hub, 1)
}

func TestSnapshotEndpoint(t *testing.T) {
	srv := httptest.NewServer(Handler(runningSnapshot(), NewHub()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got Record
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.State != "running" || got.Iq != 5 {
		t.Errorf("snapshot %+v", got)
	}
}
