// Package retrieval turns block-granular vector hits back into a
// coherent, citation-ready prompt payload.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/catherinevee/syncmgr/internal/blob"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/internal/logger"
	"github.com/catherinevee/syncmgr/pkg/models"
)

// PointScroller reads raw points from the vector index. It is only
// needed for legacy records that were indexed before blob storage
// existed.
type PointScroller interface {
	ScrollPoints(ctx context.Context, virtualRecordID string) ([]models.VectorPoint, error)
}

// TokenCounter estimates prompt tokens for a piece of text. The default
// approximates with a words-based heuristic; callers with a real
// tokenizer inject their own.
type TokenCounter func(text string) int

// ContentPart is one element of the assembled message payload. Text
// parts carry prompt text; image parts carry a data URI for multimodal
// models.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Result is the assembled payload plus the bookkeeping the caller needs
// to enforce the token budget and resolve citations.
type Result struct {
	Parts []ContentPart
	// RecordOrder maps 1-based citation record numbers to virtual
	// record ids, in ranked emit order. Stable across follow-up
	// fetch-more calls for the same hit set.
	RecordOrder []string
	// TokenCount covers all emitted text, excluding image parts. The
	// assembler only reports; dropping low-scoring records on overflow
	// is the caller's job.
	TokenCount   int
	TokenCeiling int
	OverBudget   bool
}

// Assembler hydrates record blobs and renders hits into prompt content.
type Assembler struct {
	blobs      blob.Store
	points     PointScroller
	cfg        config.RetrievalConfig
	countTok   TokenCounter
	multimodal bool
	log        logger.Logger
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithTokenCounter replaces the default heuristic counter.
func WithTokenCounter(c TokenCounter) Option {
	return func(a *Assembler) { a.countTok = c }
}

// WithMultimodal controls whether IMAGE blocks are emitted as image
// parts or as their description text.
func WithMultimodal(on bool) Option {
	return func(a *Assembler) { a.multimodal = on }
}

// WithPointScroller enables legacy reconstruction for records that have
// no blob.
func WithPointScroller(p PointScroller) Option {
	return func(a *Assembler) { a.points = p }
}

// New builds an assembler over the given blob store.
func New(blobs blob.Store, cfg config.RetrievalConfig, opts ...Option) *Assembler {
	a := &Assembler{
		blobs:    blobs,
		cfg:      cfg,
		countTok: approxTokens,
		log:      logger.New("retrieval"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// approxTokens is the default counter: ~4/3 tokens per word.
func approxTokens(text string) int {
	words := len(strings.Fields(text))
	return words + words/3
}

// blockRef identifies one emitted block for dedup and adjacency
// bookkeeping.
type blockRef struct {
	virtualRecordID string
	blockIndex      int
}

// emittedBlock is one block queued for rendering, in hit order.
type emittedBlock struct {
	ref      blockRef
	part     ContentPart
	citation bool
}

// recordState tracks per-record assembly progress across the hit set.
type recordState struct {
	blob   *models.RecordBlob
	number int // 1-based citation number, assigned at first emit
	blocks []emittedBlock
	// tablesEmitted guards against a TABLE group rendering twice when
	// both the group and several of its rows are hits.
	tablesEmitted map[int]bool
}

// Assemble runs the full pipeline over a ranked hit list.
func (a *Assembler) Assemble(ctx context.Context, orgID, userContext, query string, hits []models.SearchHit) (*Result, error) {
	records := make(map[string]*recordState)
	var order []string // virtual record ids in ranked emit order
	emitted := make(map[blockRef]bool)
	var adjacency []blockRef

	getRecord := func(vrid string) (*recordState, error) {
		if rs, ok := records[vrid]; ok {
			return rs, nil
		}
		rb, err := a.hydrate(ctx, orgID, vrid)
		if err != nil {
			return nil, err
		}
		rs := &recordState{blob: rb, tablesEmitted: make(map[int]bool)}
		records[vrid] = rs
		return rs, nil
	}

	touch := func(rs *recordState, vrid string) {
		if rs.number == 0 {
			order = append(order, vrid)
			rs.number = len(order)
		}
	}

	// Primary pass over hits in ranked order.
	for _, hit := range hits {
		rs, err := getRecord(hit.VirtualRecordID)
		if err != nil {
			if errors.Is(err, blob.ErrNotFound) {
				a.log.Warn("record blob missing and not reconstructable",
					logger.String("virtual_record_id", hit.VirtualRecordID))
				continue
			}
			return nil, err
		}

		if hit.IsBlockGroup {
			a.emitTable(rs, hit.VirtualRecordID, hit.BlockIndex, emitted, &adjacency)
			touch(rs, hit.VirtualRecordID)
			continue
		}

		block := findBlock(rs.blob, hit.BlockIndex)
		if block == nil {
			continue
		}

		switch block.Type {
		case models.BlockTableRow:
			// Rows surface through their owning table, once.
			if block.GroupIndex == nil {
				continue
			}
			a.emitTable(rs, hit.VirtualRecordID, *block.GroupIndex, emitted, &adjacency)
			touch(rs, hit.VirtualRecordID)

		case models.BlockImage:
			ref := blockRef{hit.VirtualRecordID, block.Index}
			if emitted[ref] {
				continue
			}
			emitted[ref] = true
			rs.blocks = append(rs.blocks, emittedBlock{ref: ref, part: a.imagePart(block), citation: true})
			touch(rs, hit.VirtualRecordID)
			adjacency = append(adjacency,
				blockRef{hit.VirtualRecordID, block.Index - 1},
				blockRef{hit.VirtualRecordID, block.Index + 1})

		default: // TEXT
			ref := blockRef{hit.VirtualRecordID, block.Index}
			if emitted[ref] {
				continue
			}
			emitted[ref] = true
			rs.blocks = append(rs.blocks, emittedBlock{
				ref:      ref,
				part:     ContentPart{Type: "text", Text: block.Text},
				citation: true,
			})
			touch(rs, hit.VirtualRecordID)
			adjacency = append(adjacency,
				blockRef{hit.VirtualRecordID, block.Index - 1},
				blockRef{hit.VirtualRecordID, block.Index + 1})
		}
	}

	// Adjacency expansion: append neighbors that were not direct hits.
	for _, ref := range adjacency {
		if emitted[ref] {
			continue
		}
		rs, ok := records[ref.virtualRecordID]
		if !ok {
			continue
		}
		block := findBlock(rs.blob, ref.blockIndex)
		if block == nil || block.Type != models.BlockText {
			continue
		}
		emitted[ref] = true
		rs.blocks = append(rs.blocks, emittedBlock{
			ref:  ref,
			part: ContentPart{Type: "text", Text: block.Text},
		})
	}

	return a.render(userContext, query, records, order), nil
}

// emitTable renders a TABLE block group: summary plus rows, or for
// large tables the summary and a block-group reference the model can
// use to fetch rows later.
func (a *Assembler) emitTable(rs *recordState, vrid string, groupIndex int, emitted map[blockRef]bool, adjacency *[]blockRef) {
	if rs.tablesEmitted[groupIndex] {
		return
	}
	group := findGroup(rs.blob, groupIndex)
	if group == nil || group.Type != models.BlockGroupTable {
		return
	}
	rs.tablesEmitted[groupIndex] = true

	rows := make([]*models.Block, 0, len(group.ChildIndexes))
	var markdown strings.Builder
	for _, ci := range group.ChildIndexes {
		if b := findBlock(rs.blob, ci); b != nil {
			rows = append(rows, b)
			markdown.WriteString(b.Text)
			markdown.WriteByte('\n')
		}
	}

	var text strings.Builder
	if group.Summary != "" {
		text.WriteString(group.Summary)
		text.WriteByte('\n')
	}
	if len(strings.Fields(markdown.String())) > a.cfg.LargeTableWords {
		// Large table: rows are deferred to a follow-up fetch keyed by
		// the group reference.
		fmt.Fprintf(&text, "[table rows omitted; fetch with block group G%d]\n", group.Index)
		for _, ci := range group.ChildIndexes {
			emitted[blockRef{vrid, ci}] = true
		}
	} else {
		text.WriteString(markdown.String())
		for _, ci := range group.ChildIndexes {
			emitted[blockRef{vrid, ci}] = true
		}
	}

	ref := blockRef{vrid, group.FirstBlockIndex}
	rs.blocks = append(rs.blocks, emittedBlock{
		ref:      ref,
		part:     ContentPart{Type: "text", Text: strings.TrimRight(text.String(), "\n")},
		citation: true,
	})

	*adjacency = append(*adjacency,
		blockRef{vrid, group.FirstBlockIndex - 1},
		blockRef{vrid, group.LastBlockIndex + 1})
}

func (a *Assembler) imagePart(block *models.Block) ContentPart {
	if a.multimodal && block.ImageURI != "" {
		return ContentPart{Type: "image_url", ImageURL: block.ImageURI}
	}
	return ContentPart{Type: "text", Text: block.ImageDescription}
}

// render assembles the final template: preface, one <record> section
// per distinct record in citation order, closing instructions.
func (a *Assembler) render(userContext, query string, records map[string]*recordState, order []string) *Result {
	res := &Result{RecordOrder: order, TokenCeiling: a.cfg.TokenCeiling}

	var preface strings.Builder
	if userContext != "" {
		preface.WriteString(userContext)
		preface.WriteString("\n\n")
	}
	preface.WriteString("Answer the question using the records below. ")
	preface.WriteString("Cite sources with their block labels, e.g. [R1-4].\n\n")
	fmt.Fprintf(&preface, "Question: %s\n", query)
	res.Parts = append(res.Parts, ContentPart{Type: "text", Text: preface.String()})
	res.TokenCount += a.countTok(preface.String())

	for _, vrid := range order {
		rs := records[vrid]

		var header strings.Builder
		fmt.Fprintf(&header, "<record id=\"R%d\"", rs.number)
		if rs.blob.RecordName != "" {
			fmt.Fprintf(&header, " name=%q", rs.blob.RecordName)
		}
		header.WriteString(">\n")
		for _, k := range sortedKeys(rs.blob.Metadata) {
			fmt.Fprintf(&header, "%s: %s\n", k, rs.blob.Metadata[k])
		}
		res.Parts = append(res.Parts, ContentPart{Type: "text", Text: header.String()})
		res.TokenCount += a.countTok(header.String())

		// Blocks render in ascending index so adjacency reads in
		// document order.
		blocks := append([]emittedBlock(nil), rs.blocks...)
		sort.SliceStable(blocks, func(i, j int) bool {
			return blocks[i].ref.blockIndex < blocks[j].ref.blockIndex
		})
		for _, eb := range blocks {
			part := eb.part
			if part.Type == "text" {
				label := ""
				if eb.citation {
					label = fmt.Sprintf("[R%d-%d] ", rs.number, eb.ref.blockIndex)
				}
				part.Text = label + part.Text + "\n"
				res.TokenCount += a.countTok(part.Text)
			}
			res.Parts = append(res.Parts, part)
		}

		closing := "</record>\n"
		res.Parts = append(res.Parts, ContentPart{Type: "text", Text: closing})
		res.TokenCount += a.countTok(closing)
	}

	res.OverBudget = res.TokenCeiling > 0 && res.TokenCount > res.TokenCeiling
	return res
}

// hydrate loads the record blob, falling back to reconstruction from
// vector points for legacy entries without one.
func (a *Assembler) hydrate(ctx context.Context, orgID, vrid string) (*models.RecordBlob, error) {
	data, err := a.blobs.Get(ctx, blob.RecordKey(orgID, vrid))
	if err == nil {
		var rb models.RecordBlob
		if uerr := json.Unmarshal(data, &rb); uerr != nil {
			return nil, fmt.Errorf("failed to decode record blob %s: %w", vrid, uerr)
		}
		return &rb, nil
	}
	if !errors.Is(err, blob.ErrNotFound) {
		return nil, err
	}
	if a.points == nil {
		return nil, blob.ErrNotFound
	}
	return a.reconstruct(ctx, vrid)
}

// reconstruct builds a synthetic blob by scrolling every point the
// vector index holds for the record and sorting by block index.
func (a *Assembler) reconstruct(ctx context.Context, vrid string) (*models.RecordBlob, error) {
	points, err := a.points.ScrollPoints(ctx, vrid)
	if err != nil {
		return nil, fmt.Errorf("failed to scroll points for %s: %w", vrid, err)
	}
	if len(points) == 0 {
		return nil, blob.ErrNotFound
	}
	sort.Slice(points, func(i, j int) bool { return points[i].BlockIndex < points[j].BlockIndex })

	rb := &models.RecordBlob{VirtualRecordID: vrid}
	for _, p := range points {
		bt := p.BlockType
		if bt == "" {
			bt = models.BlockText
		}
		rb.Blocks = append(rb.Blocks, models.Block{Index: p.BlockIndex, Type: bt, Text: p.Text})
		if rb.Metadata == nil && len(p.Metadata) > 0 {
			rb.Metadata = p.Metadata
		}
	}
	a.log.Debug("reconstructed legacy record from vector points",
		logger.String("virtual_record_id", vrid), logger.Int("blocks", len(rb.Blocks)))
	return rb, nil
}

func findBlock(rb *models.RecordBlob, index int) *models.Block {
	for i := range rb.Blocks {
		if rb.Blocks[i].Index == index {
			return &rb.Blocks[i]
		}
	}
	return nil
}

func findGroup(rb *models.RecordBlob, index int) *models.BlockGroup {
	for i := range rb.Groups {
		if rb.Groups[i].Index == index {
			return &rb.Groups[i]
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
