package memory

import "time"

// Outcome records how a turn ended.
type Outcome string

const (
	OutcomeExecuted  Outcome = "executed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Turn is one completed exchange. Turns are never mutated after Append.
type Turn struct {
	Seq      int
	Question string
	SQL      string
	Outcome  Outcome
	Reason   string
	RowCount int
	At       time.Time
}

// Memory is a bounded append-only log of turns with FIFO eviction. It is not
// safe for concurrent use; each session owns exactly one instance.
type Memory struct {
	capacity int
	turns    []Turn
	nextSeq  int
}

const DefaultCapacity = 5

func New(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{capacity: capacity, nextSeq: 1}
}

// Append records a turn, evicting the oldest once capacity is exceeded.
func (m *Memory) Append(turn Turn) {
	m.turns = append(m.turns, turn)
	if len(m.turns) > m.capacity {
		copy(m.turns, m.turns[1:])
		m.turns = m.turns[:m.capacity]
	}
}

// Recent returns up to maxTurns of the newest turns, oldest first.
func (m *Memory) Recent(maxTurns int) []Turn {
	if maxTurns <= 0 || len(m.turns) == 0 {
		return nil
	}
	start := 0
	if len(m.turns) > maxTurns {
		start = len(m.turns) - maxTurns
	}
	recent := make([]Turn, len(m.turns)-start)
	copy(recent, m.turns[start:])
	return recent
}

func (m *Memory) Len() int {
	return len(m.turns)
}

func (m *Memory) Capacity() int {
	return m.capacity
}

// NextSeq hands out the sequence number for the turn being built.
func (m *Memory) NextSeq() int {
	seq := m.nextSeq
	m.nextSeq++
	return seq
}

// Clear drops all turns. Used at session boundaries only.
func (m *Memory) Clear() {
	m.turns = nil
}
