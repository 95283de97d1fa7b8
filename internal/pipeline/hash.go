// Package pipeline is the sync engine: it drains a source's entity stream,
// resolves per-entity actions against stored hashes, builds and embeds chunk
// entities, and writes them to every destination with all-or-nothing
// semantics before recording metadata.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/airweave/airweave/pkg/models"
)

// ComputeHash returns the content hash of an entity. The hash covers the
// source payload only: system metadata and staging paths are zeroed so the
// same upstream content always hashes identically across runs. Map keys are
// sorted by the JSON encoder, which makes the serialization canonical.
func ComputeHash(e *models.Entity) string {
	shadow := *e
	shadow.System = models.SystemMetadata{}
	if e.File != nil {
		f := *e.File
		f.LocalPath = ""
		shadow.File = &f
	}
	data, err := json.Marshal(&shadow)
	if err != nil {
		// Marshalling a plain entity cannot fail; fall back to the id so a
		// broken payload never aliases another entity.
		data = []byte(e.EntityID)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
