package store

import "github.com/phrazzld/consistency/internal/domain"

// LocalEntry is one instance held in the node-local queue.
// Key is opaque to callers and is only passed back to the queue.
type LocalEntry struct {
	Key      []byte
	Instance *domain.TaskInstance
}

// LocalQueue is the node-local durable buffer used when the central store
// rejects or cannot accept an instance. Entries are kept ordered by
// execute time.
type LocalQueue interface {
	Insert(inst *domain.TaskInstance) error
	Size() (int, error)
	PeekTopN(n int) ([]LocalEntry, error)
	// Ack removes an entry once it has been promoted or completed.
	Ack(key []byte) error
	// Reschedule replaces an entry with the updated instance, re-keying it
	// by the instance's new execute time.
	Reschedule(key []byte, inst *domain.TaskInstance) error
	// DeadLetter moves an entry that will never run again out of the
	// pending set. Size and PeekTopN no longer see it.
	DeadLetter(key []byte, inst *domain.TaskInstance) error
	// PeekDeadLetters returns up to n dead letters, oldest first.
	PeekDeadLetters(n int) ([]LocalEntry, error)
	// AckDeadLetter removes a dead letter once the central store holds it.
	AckDeadLetter(key []byte) error
}
