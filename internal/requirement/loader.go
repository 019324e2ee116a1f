package requirement

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadFile reads a JSON requirement database from disk. The file holds
// an array of requirement objects in the wire format.
func LoadFile(path string) (*Database, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("requirement: read %s: %w", path, err)
	}
	var reqs []Requirement
	if err := json.Unmarshal(raw, &reqs); err != nil {
		return nil, fmt.Errorf("requirement: decode %s: %w", path, err)
	}
	return NewDatabase(reqs), nil
}
