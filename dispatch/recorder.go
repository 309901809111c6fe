package dispatch

import (
	"time"

	"github.com/arloliu/go-temserver/envelope"
)

// Entry describes one operation applied by the dispatcher.
// Seq increases by one per executed call and reflects the global order.
type Entry struct {
	Seq           uint64             `json:"seq"`
	CorrelationID uint64             `json:"correlation_id"`
	Op            string             `json:"op"`
	Status        envelope.Status    `json:"status"`
	Kind          envelope.ErrorKind `json:"kind,omitempty"`
	Error         string             `json:"error,omitempty"`
	StartedAt     time.Time          `json:"started_at"`
	Duration      time.Duration      `json:"duration"`
}

// Recorder receives an Entry for every executed call.
//
// Record is called on the dispatcher goroutine and must not block.
type Recorder interface {
	Record(entry Entry)
}
