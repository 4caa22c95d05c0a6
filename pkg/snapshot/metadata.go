package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/asynkron/roguepatch/pkg/fslock"
)

const metadataSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "timestamp", "files"],
  "properties": {
    "id": {"type": "string", "pattern": "^[0-9a-f]{12}$"},
    "timestamp": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "files": {
      "type": "object",
      "additionalProperties": {"type": "string", "pattern": "^[0-9a-f]{16}$"}
    }
  }
}`

var (
	metadataLoader     gojsonschema.JSONLoader
	metadataLoaderOnce sync.Once
)

type metadataError struct {
	issues []string
}

func (e metadataError) Error() string {
	if len(e.issues) == 0 {
		return "snapshot metadata failed schema validation"
	}
	return "snapshot metadata failed schema validation: " + strings.Join(e.issues, "; ")
}

func loadMetadataSchema() gojsonschema.JSONLoader {
	metadataLoaderOnce.Do(func() {
		metadataLoader = gojsonschema.NewStringLoader(metadataSchema)
	})
	return metadataLoader
}

func validateMetadata(raw []byte) error {
	result, err := gojsonschema.Validate(loadMetadataSchema(), gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("snapshot: validate metadata: %w", err)
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}
	return metadataError{issues: issues}
}

// readMetadata loads and validates the commit record of the snapshot stored in
// dir. The id inside the record must match the directory name.
func readMetadata(dir string) (Snapshot, error) {
	raw, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return Snapshot{}, err
	}
	if err := validateMetadata(raw); err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decode metadata: %w", err)
	}
	if snap.ID != filepath.Base(dir) {
		return Snapshot{}, fmt.Errorf("snapshot: metadata id %q does not match directory %q", snap.ID, filepath.Base(dir))
	}
	if snap.Files == nil {
		snap.Files = map[string]string{}
	}
	return snap, nil
}

func writeMetadata(dir string, snap Snapshot) error {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode metadata: %w", err)
	}
	if err := fslock.WriteFileAtomic(filepath.Join(dir, MetadataFile), append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("snapshot: write metadata: %w", err)
	}
	return nil
}
