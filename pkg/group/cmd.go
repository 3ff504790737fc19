package group

import (
	"encoding/json"
	"fmt"

	"raftvfs/pkg/vfs"

	"github.com/google/uuid"
)

// Cmd is the log payload of a client command. ID routes the apply result back to the
// proposer; replicas ignore it.
type Cmd struct {
	ID uuid.UUID `json:"id"`
	vfs.Command
}

func NewCmd(c vfs.Command) Cmd {
	return Cmd{ID: uuid.New(), Command: c}
}

func (c Cmd) Marshal() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	return data, nil
}

func UnmarshalCmd(data []byte) (Cmd, error) {
	var c Cmd
	if err := json.Unmarshal(data, &c); err != nil {
		return Cmd{}, fmt.Errorf("unmarshal command: %w", err)
	}
	return c, nil
}
