package configbackend

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	goyaml "github.com/goccy/go-yaml"
)

// validate runs the syntax check appropriate to relPath's extension
// (spec.md §4.6: "validates content (language-appropriate parser check)").
// Extensions with no parser available in this repo's scope — notably
// `.rhai`, since the scripting engine is out of scope (spec.md §1) — are
// treated as always syntactically valid: there is nothing to check them
// against.
func validate(relPath string, content []byte) error {
	switch strings.ToLower(filepath.Ext(relPath)) {
	case ".json":
		if !json.Valid(content) {
			return fmt.Errorf("invalid JSON")
		}
	case ".yaml", ".yml":
		var v any
		if err := goyaml.Unmarshal(content, &v); err != nil {
			return err
		}
	case ".toml":
		var v any
		if _, err := toml.Decode(string(content), &v); err != nil {
			return err
		}
	}
	return nil
}
