package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"copytrade-core/internal/events"
)

const incidentRing = 100

// Incident is one recorded defect-level event.
type Incident struct {
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload"`
}

// Incidents subscribes to incident events and keeps the most recent ones for
// the status API. Delivery is best-effort by bus contract; the authoritative
// trail is the process log.
type Incidents struct {
	mu     sync.Mutex
	recent []Incident
}

// NewIncidents creates an empty incident log.
func NewIncidents() *Incidents {
	return &Incidents{}
}

// Run consumes incident events until ctx ends.
func (in *Incidents) Run(ctx context.Context, bus *events.Bus) {
	ch, unsub := bus.Subscribe(events.EventIncident, 32)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			fields, _ := payload.(map[string]any)
			in.add(Incident{At: time.Now(), Payload: fields})
			log.Printf("🚨 incident recorded: %v", fields)
		}
	}
}

func (in *Incidents) add(i Incident) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.recent = append(in.recent, i)
	if len(in.recent) > incidentRing {
		in.recent = in.recent[len(in.recent)-incidentRing:]
	}
}

// Recent returns the stored incidents, newest last.
func (in *Incidents) Recent() []Incident {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]Incident(nil), in.recent...)
}
