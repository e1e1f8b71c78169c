// Package telemetry publishes the control loop's snapshots as JSON, to an
// MQTT broker and to browsers connected over a websocket.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/tigerbot-team/foc-controller/pkg/controlloop"
)

type Source interface {
	Snapshot() controlloop.Snapshot
}

// Sink is one telemetry output.
type Sink interface {
	Send(rec Record) error
}

type Record struct {
	Timestamp   float64    `json:"timestamp"`
	State       string     `json:"state"`
	Cycles      uint64     `json:"cycles"`
	AngleOffset float64    `json:"angle_offset"`
	Enabled     bool       `json:"enabled"`
	Throttle    float64    `json:"throttle"`
	Duty        [3]float64 `json:"duty"`
	Currents    [3]float64 `json:"currents"`
	Id          float64    `json:"id"`
	Iq          float64    `json:"iq"`
	Angle       float64    `json:"angle"`
}

func NewRecord(s controlloop.Snapshot, now time.Time) Record {
	return Record{
		Timestamp:   float64(now.UnixNano()) / 1e9,
		State:       s.State.Kind.String(),
		Cycles:      s.Cycles,
		AngleOffset: s.State.AngleOffset,
		Enabled:     s.Enabled,
		Throttle:    s.Throttle,
		Duty:        s.Duty,
		Currents:    s.Currents,
		Id:          s.Id,
		Iq:          s.Iq,
		Angle:       s.Angle,
	}
}

// Run sends a record to every sink each interval until ctx is done.  A sink
// that fails is logged once, then again when it recovers.
func Run(ctx context.Context, src Source, interval time.Duration, sinks ...Sink) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failing := make([]bool, len(sinks))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rec := NewRecord(src.Snapshot(), time.Now())
		for i, s := range sinks {
			err := s.Send(rec)
			if err != nil && !failing[i] {
				fmt.Println("TLM: failed to publish telemetry:", err)
			} else if err == nil && failing[i] {
				fmt.Println("TLM: telemetry publishing resumed")
			}
			failing[i] = err != nil
		}
	}
}
