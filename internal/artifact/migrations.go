// Schema history of the artifact table.

package artifact

import (
	"time"

	"github.com/maruel/memlake/internal/jsonldb"
)

// schemaVersion is the current version of the artifact row layout.
//
//	1: content is a bare string or null, lastModified is epoch milliseconds,
//	   externalRef is a top-level field.
//	2: content is the tagged variant, lastModified is RFC 3339.
//	3: externalRef lives inside content, kinds opfs and handle are renamed.
const schemaVersion = 3

var migrations = []jsonldb.Migration{
	migrateV1,
	migrateV2,
}

func migrateV1(row map[string]any) error {
	switch v := row["content"].(type) {
	case string:
		row["content"] = map[string]any{"text": v}
	case nil:
		delete(row, "content")
	}
	if ms, ok := row["lastModified"].(float64); ok {
		row["lastModified"] = time.UnixMilli(int64(ms)).UTC().Format(time.RFC3339Nano)
	}
	return nil
}

func migrateV2(row map[string]any) error {
	ref, ok := row["externalRef"]
	delete(row, "externalRef")
	if !ok || ref == nil {
		return nil
	}
	if m, ok := ref.(map[string]any); ok {
		switch m["kind"] {
		case "opfs":
			m["kind"] = string(RefArchive)
		case "handle":
			m["kind"] = string(RefHandle)
		}
	}
	// The reference replaces any inline content left behind by an
	// interrupted offload.
	row["content"] = map[string]any{"ref": ref}
	return nil
}
