package core

// Frame is a raw encoded envelope.
type Frame []byte

type ConnID string

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	ID() ConnID
	TrySend(Frame) error
	Close()
}
