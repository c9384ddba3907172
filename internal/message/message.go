// Package message defines the record that flows through the ingestion
// pipeline: listener → buffer → writer. A Message is immutable once built
// and is handed from stage to stage, never shared between them.
package message

import (
	"time"

	"osclog/internal/osc"
)

// TimestampLayout is the capture timestamp format: sortable, millisecond
// precision, local time.
const TimestampLayout = "2006-01-02 15:04:05.000"

// Message is one decoded datagram element tagged with the port that
// received it and its capture time.
type Message struct {
	Port      int
	Address   string
	Args      []any
	Timestamp string
}

// New builds a Message captured at t.
func New(port int, address string, args []any, t time.Time) Message {
	return Message{
		Port:      port,
		Address:   address,
		Args:      args,
		Timestamp: t.Format(TimestampLayout),
	}
}

// Data renders the argument list as text for persistence.
func (m Message) Data() string {
	return osc.FormatArgs(m.Args)
}

// Row returns the persisted columns: timestamp, address, data.
func (m Message) Row() []string {
	return []string{m.Timestamp, m.Address, m.Data()}
}
