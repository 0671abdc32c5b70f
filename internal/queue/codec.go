package queue

import (
	"encoding/json"
	"fmt"

	"github.com/phrazzld/captionq/internal/domain"
)

// SchemaVersion is the envelope version written by Encode.
const SchemaVersion = 1

type envelope struct {
	Version int             `json:"v"`
	Task    json.RawMessage `json:"task"`
}

// Encode serializes task into the broker wire format. The result is
// self-contained and decodes to an equal task.
func Encode(task *domain.Task) ([]byte, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return nil, &domain.SerializationError{Op: "encode", TaskID: task.ID, Err: err}
	}
	data, err := json.Marshal(envelope{Version: SchemaVersion, Task: body})
	if err != nil {
		return nil, &domain.SerializationError{Op: "encode", TaskID: task.ID, Err: err}
	}
	return data, nil
}

// Decode parses a broker entry produced by Encode. Unknown envelope
// versions and malformed input yield *domain.SerializationError.
func Decode(data []byte) (*domain.Task, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &domain.SerializationError{Op: "decode", Err: err}
	}
	if env.Version != SchemaVersion {
		return nil, &domain.SerializationError{
			Op:  "decode",
			Err: fmt.Errorf("%w: %d", domain.ErrUnsupportedSchemaVersion, env.Version),
		}
	}
	var task domain.Task
	if err := json.Unmarshal(env.Task, &task); err != nil {
		return nil, &domain.SerializationError{Op: "decode", Err: err}
	}
	if err := task.Validate(); err != nil {
		return nil, &domain.SerializationError{Op: "decode", TaskID: task.ID, Err: err}
	}
	return &task, nil
}

// identity is the subset of a task needed to release its slot when the rest
// of the record cannot be decoded.
type identity struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
}

// decodeIdentity makes a best effort to recover the task and user IDs from
// a corrupt entry.
func decodeIdentity(data []byte) (identity, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return identity{}, false
	}
	var id identity
	if err := json.Unmarshal(env.Task, &id); err != nil {
		return identity{}, false
	}
	return id, id.ID != ""
}
