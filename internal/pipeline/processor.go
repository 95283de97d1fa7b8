package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/airweave/airweave/internal/content"
	"github.com/airweave/airweave/internal/embed"
	"github.com/airweave/airweave/pkg/contracts"
	"github.com/airweave/airweave/pkg/models"
)

// ContentProcessor turns parent entities into embedded chunk entities:
// file staging, textual representation, splitting, dense plus sparse
// embedding, and the packed projection.
type ContentProcessor struct {
	Chunker    *content.Chunker
	Converters []contracts.Converter
	Dense      contracts.DenseEmbedder
	Sparse     contracts.SparseEmbedder

	// Files stages remote file payloads for conversion. Nil disables
	// staging; entities then fall back to their structured fields.
	Files *content.FileManager

	// Client fetches file payloads. Nil means http.DefaultClient.
	Client *http.Client
}

// Process builds chunks for every INSERT/UPDATE entity not flagged
// SkipContentHandlers and embeds them in one batch. Chunks are returned
// keyed by parent entity id; the parent's ChunkCount is how many chunks it
// produced.
func (p *ContentProcessor) Process(ctx context.Context, resolved []models.ResolvedEntity) (map[string][]*models.Entity, error) {
	chunksByParent := map[string][]*models.Entity{}
	var texts []string
	var flat []*models.Entity

	// Staged files live only for the duration of this batch.
	var staged []string
	defer func() {
		for _, path := range staged {
			p.Files.Cleanup(path)
		}
	}()

	for i := range resolved {
		r := &resolved[i]
		if r.SkipContentHandlers {
			continue
		}
		if r.Action != models.ActionInsert && r.Action != models.ActionUpdate {
			continue
		}
		e := r.Entity
		if path, skip := p.stage(ctx, e); skip {
			e.System.ShouldSkip = true
			continue
		} else if path != "" {
			staged = append(staged, path)
		}
		text, err := p.textual(ctx, e)
		if err != nil {
			// A conversion failure poisons only this entity: index what we
			// have from the structured fields instead of failing the batch.
			log.Warn().Err(err).Str("entity_id", e.EntityID).Msg("content conversion failed, using fields only")
			text = content.BuildTextual(e)
		}
		e.TextualRepresentation = text
		if strings.TrimSpace(text) == "" {
			// Nothing embeddable. Flag the entity so the batch writer and
			// counters treat it as skipped instead of indexing an empty chunk.
			log.Debug().Str("entity_id", e.EntityID).Msg("no textual representation, skipping")
			e.System.ShouldSkip = true
			continue
		}

		var pieces []content.Chunk
		if e.Kind == models.EntityKindCodeFile {
			pieces = p.Chunker.SplitCode(text)
		} else {
			pieces = p.Chunker.Split(text)
		}
		chunks := make([]*models.Entity, 0, len(pieces))
		for idx, piece := range pieces {
			chunks = append(chunks, e.NewChunk(idx, piece.Text))
		}
		if len(chunks) == 0 {
			e.System.ShouldSkip = true
			continue
		}
		chunksByParent[e.EntityID] = chunks
		for _, c := range chunks {
			flat = append(flat, c)
			texts = append(texts, c.TextualRepresentation)
		}
	}

	if len(flat) == 0 {
		return chunksByParent, nil
	}

	dense, err := p.Dense.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("dense embedding: %w", err)
	}
	if len(dense) != len(flat) {
		return nil, fmt.Errorf("dense embedding returned %d vectors for %d chunks", len(dense), len(flat))
	}
	var sparse []models.SparseVector
	if p.Sparse != nil {
		sparse, err = p.Sparse.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("sparse embedding: %w", err)
		}
	}
	for i, c := range flat {
		c.System.DenseEmbedding = dense[i]
		c.System.PackedEmbedding = embed.Pack(dense[i])
		if sparse != nil {
			v := sparse[i]
			c.System.SparseEmbedding = &v
		}
	}
	return chunksByParent, nil
}

// stage downloads the entity's file payload to local disk when it only
// carries a URL. The returned path must be cleaned up by the caller; skip
// is true when the payload is over the byte cap. Download failures degrade
// to field-only indexing rather than skipping the entity.
func (p *ContentProcessor) stage(ctx context.Context, e *models.Entity) (path string, skip bool) {
	if p.Files == nil || e.File == nil || e.File.LocalPath != "" || e.File.URL == "" {
		return "", false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.File.URL, nil)
	if err != nil {
		log.Warn().Err(err).Str("entity_id", e.EntityID).Msg("file request failed, using fields only")
		return "", false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("entity_id", e.EntityID).Msg("file download failed, using fields only")
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Warn().Int("status", resp.StatusCode).Str("entity_id", e.EntityID).Msg("file download failed, using fields only")
		return "", false
	}

	path, size, err := p.Files.Stage(e.EntityID, filepath.Base(req.URL.Path), resp.Body)
	if err != nil {
		var tooLarge *content.ErrFileTooLarge
		if errors.As(err, &tooLarge) {
			log.Warn().Str("entity_id", e.EntityID).Int64("size", tooLarge.Size).Msg("file over byte cap, skipping entity")
			return "", true
		}
		log.Warn().Err(err).Str("entity_id", e.EntityID).Msg("file staging failed, using fields only")
		return "", false
	}
	e.File.LocalPath = path
	e.File.Size = size
	return path, false
}

// textual builds the entity's text. File entities with staged bytes go
// through the first converter claiming the mime type or extension; anything
// else is rendered from the embeddable fields.
func (p *ContentProcessor) textual(ctx context.Context, e *models.Entity) (string, error) {
	if e.File == nil || e.File.LocalPath == "" {
		return content.BuildTextual(e), nil
	}
	ext := strings.ToLower(filepath.Ext(e.File.LocalPath))
	for _, conv := range p.Converters {
		if !conv.Supports(e.File.MimeType, ext) {
			continue
		}
		text, err := conv.Convert(ctx, e.File.LocalPath)
		if err != nil {
			return "", err
		}
		header := content.BuildTextual(e)
		if header != "" {
			return header + "\n\n" + text, nil
		}
		return text, nil
	}
	return "", fmt.Errorf("no converter for %q (%s)", e.File.MimeType, ext)
}
