package retrieval

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catherinevee/syncmgr/internal/blob"
	"github.com/catherinevee/syncmgr/internal/config"
	"github.com/catherinevee/syncmgr/pkg/models"
)

const testOrg = "org-1"

func newTestAssembler(t *testing.T, opts ...Option) (*Assembler, blob.Store) {
	t.Helper()
	store, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	cfg := config.RetrievalConfig{TokenCeiling: 24000, LargeTableWords: 700}
	return New(store, cfg, opts...), store
}

func putBlob(t *testing.T, store blob.Store, rb models.RecordBlob) {
	t.Helper()
	data, err := json.Marshal(rb)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), blob.RecordKey(testOrg, rb.VirtualRecordID), data))
}

func textBlocks(rb models.RecordBlob, words ...string) models.RecordBlob {
	for i, w := range words {
		rb.Blocks = append(rb.Blocks, models.Block{Index: i, Type: models.BlockText, Text: w})
	}
	return rb
}

func allText(res *Result) string {
	var b strings.Builder
	for _, p := range res.Parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func TestTextHitGetsCitationAndNeighbors(t *testing.T) {
	a, store := newTestAssembler(t)
	putBlob(t, store, textBlocks(models.RecordBlob{VirtualRecordID: "vr-1", RecordName: "doc.txt"},
		"alpha", "bravo", "charlie", "delta"))

	res, err := a.Assemble(context.Background(), testOrg, "", "what is bravo?", []models.SearchHit{
		{VirtualRecordID: "vr-1", BlockIndex: 1, Score: 0.9},
	})
	require.NoError(t, err)

	text := allText(res)
	assert.Contains(t, text, "[R1-1] bravo")
	// Neighbors come along without citation labels.
	assert.Contains(t, text, "alpha")
	assert.Contains(t, text, "charlie")
	assert.NotContains(t, text, "delta")
	assert.Equal(t, []string{"vr-1"}, res.RecordOrder)
}

func TestAdjacencyExpansionBound(t *testing.T) {
	a, store := newTestAssembler(t)
	putBlob(t, store, textBlocks(models.RecordBlob{VirtualRecordID: "vr-1"},
		"b0", "b1", "b2", "b3", "b4", "b5", "b6", "b7", "b8", "b9"))

	hits := []models.SearchHit{
		{VirtualRecordID: "vr-1", BlockIndex: 2},
		{VirtualRecordID: "vr-1", BlockIndex: 5},
		{VirtualRecordID: "vr-1", BlockIndex: 8},
	}
	res, err := a.Assemble(context.Background(), testOrg, "", "q", hits)
	require.NoError(t, err)

	blocks := 0
	for _, p := range res.Parts {
		if p.Type == "text" && strings.HasPrefix(p.Text, "b") || strings.Contains(p.Text, "] b") {
			blocks++
		}
	}
	// At most |hits| * 3 blocks, minus dedup.
	assert.LessOrEqual(t, blocks, len(hits)*3)
	text := allText(res)
	for _, want := range []string{"b1", "b2", "b3", "b4", "b5", "b6", "b7", "b8", "b9"} {
		assert.Contains(t, text, want)
	}
	assert.NotContains(t, text, "b0")
}

func TestDuplicateHitsEmitBlockOnce(t *testing.T) {
	a, store := newTestAssembler(t)
	putBlob(t, store, textBlocks(models.RecordBlob{VirtualRecordID: "vr-1"}, "solo"))

	res, err := a.Assemble(context.Background(), testOrg, "", "q", []models.SearchHit{
		{VirtualRecordID: "vr-1", BlockIndex: 0, Score: 0.9},
		{VirtualRecordID: "vr-1", BlockIndex: 0, Score: 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(allText(res), "solo"))
}

func TestCitationNumbersFollowRankedOrder(t *testing.T) {
	a, store := newTestAssembler(t)
	putBlob(t, store, textBlocks(models.RecordBlob{VirtualRecordID: "vr-a"}, "first"))
	putBlob(t, store, textBlocks(models.RecordBlob{VirtualRecordID: "vr-b"}, "second"))

	res, err := a.Assemble(context.Background(), testOrg, "", "q", []models.SearchHit{
		{VirtualRecordID: "vr-b", BlockIndex: 0, Score: 0.9},
		{VirtualRecordID: "vr-a", BlockIndex: 0, Score: 0.8},
		{VirtualRecordID: "vr-b", BlockIndex: 0, Score: 0.1},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"vr-b", "vr-a"}, res.RecordOrder)
	text := allText(res)
	assert.Contains(t, text, "[R1-0] second")
	assert.Contains(t, text, "[R2-0] first")
}

func tableBlob(vrid string, rowWords int, rows int) models.RecordBlob {
	rb := models.RecordBlob{VirtualRecordID: vrid}
	rb.Blocks = append(rb.Blocks, models.Block{Index: 0, Type: models.BlockText, Text: "intro paragraph"})
	group := models.BlockGroup{
		Index:           0,
		Type:            models.BlockGroupTable,
		Summary:         "Quarterly revenue by region.",
		FirstBlockIndex: 1,
		LastBlockIndex:  rows,
	}
	gi := 0
	for r := 1; r <= rows; r++ {
		row := strings.TrimSpace(strings.Repeat("cell ", rowWords))
		rb.Blocks = append(rb.Blocks, models.Block{
			Index: r, Type: models.BlockTableRow, Text: "| " + row + " |", GroupIndex: &gi,
		})
		group.ChildIndexes = append(group.ChildIndexes, r)
	}
	rb.Blocks = append(rb.Blocks, models.Block{Index: rows + 1, Type: models.BlockText, Text: "closing paragraph"})
	rb.Groups = []models.BlockGroup{group}
	return rb
}

func TestSmallTableIncludesRows(t *testing.T) {
	a, store := newTestAssembler(t)
	putBlob(t, store, tableBlob("vr-t", 5, 3))

	res, err := a.Assemble(context.Background(), testOrg, "", "q", []models.SearchHit{
		{VirtualRecordID: "vr-t", BlockIndex: 2, Score: 0.9}, // a TABLE_ROW hit
	})
	require.NoError(t, err)

	text := allText(res)
	assert.Contains(t, text, "Quarterly revenue by region.")
	assert.Contains(t, text, "| cell cell cell cell cell |")
	assert.NotContains(t, text, "rows omitted")
	// Table adjacency reaches the paragraphs around it.
	assert.Contains(t, text, "intro paragraph")
	assert.Contains(t, text, "closing paragraph")
}

func TestLargeTableEmitsSummaryOnly(t *testing.T) {
	a, store := newTestAssembler(t)
	// 50 rows x 20 words = 1000 words of markdown, over the 700 limit.
	putBlob(t, store, tableBlob("vr-t", 20, 50))

	res, err := a.Assemble(context.Background(), testOrg, "", "q", []models.SearchHit{
		{VirtualRecordID: "vr-t", BlockIndex: 0, IsBlockGroup: true, Score: 0.9},
	})
	require.NoError(t, err)

	text := allText(res)
	assert.Contains(t, text, "Quarterly revenue by region.")
	assert.Contains(t, text, "fetch with block group G0")
	assert.NotContains(t, text, "| cell")
	assert.Less(t, res.TokenCount, res.TokenCeiling)
	assert.False(t, res.OverBudget)
}

func TestTableRowsDedupedAgainstGroupHit(t *testing.T) {
	a, store := newTestAssembler(t)
	putBlob(t, store, tableBlob("vr-t", 3, 4))

	res, err := a.Assemble(context.Background(), testOrg, "", "q", []models.SearchHit{
		{VirtualRecordID: "vr-t", BlockIndex: 0, IsBlockGroup: true, Score: 0.9},
		{VirtualRecordID: "vr-t", BlockIndex: 2, Score: 0.8},
		{VirtualRecordID: "vr-t", BlockIndex: 3, Score: 0.7},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, strings.Count(allText(res), "Quarterly revenue by region."))
}

func TestImageHitMultimodal(t *testing.T) {
	rb := models.RecordBlob{VirtualRecordID: "vr-i"}
	rb.Blocks = []models.Block{
		{Index: 0, Type: models.BlockText, Text: "before"},
		{Index: 1, Type: models.BlockImage, ImageURI: "data:image/png;base64,AAAA", ImageDescription: "a chart"},
		{Index: 2, Type: models.BlockText, Text: "after"},
	}

	a, store := newTestAssembler(t, WithMultimodal(true))
	putBlob(t, store, rb)

	res, err := a.Assemble(context.Background(), testOrg, "", "q", []models.SearchHit{
		{VirtualRecordID: "vr-i", BlockIndex: 1, Score: 0.9},
	})
	require.NoError(t, err)

	var images int
	for _, p := range res.Parts {
		if p.Type == "image_url" {
			images++
			assert.Equal(t, "data:image/png;base64,AAAA", p.ImageURL)
		}
	}
	assert.Equal(t, 1, images)
	// Adjacency still expands around the image.
	text := allText(res)
	assert.Contains(t, text, "before")
	assert.Contains(t, text, "after")
}

func TestImageHitTextOnlyUsesDescription(t *testing.T) {
	rb := models.RecordBlob{VirtualRecordID: "vr-i"}
	rb.Blocks = []models.Block{
		{Index: 0, Type: models.BlockImage, ImageURI: "data:image/png;base64,AAAA", ImageDescription: "a chart"},
	}

	a, store := newTestAssembler(t)
	putBlob(t, store, rb)

	res, err := a.Assemble(context.Background(), testOrg, "", "q", []models.SearchHit{
		{VirtualRecordID: "vr-i", BlockIndex: 0, Score: 0.9},
	})
	require.NoError(t, err)

	for _, p := range res.Parts {
		assert.NotEqual(t, "image_url", p.Type)
	}
	assert.Contains(t, allText(res), "a chart")
}

type stubScroller struct {
	points map[string][]models.VectorPoint
}

func (s *stubScroller) ScrollPoints(_ context.Context, vrid string) ([]models.VectorPoint, error) {
	return s.points[vrid], nil
}

func TestLegacyRecordReconstructedFromPoints(t *testing.T) {
	scroller := &stubScroller{points: map[string][]models.VectorPoint{
		"vr-legacy": {
			{VirtualRecordID: "vr-legacy", BlockIndex: 2, BlockType: models.BlockText, Text: "third"},
			{VirtualRecordID: "vr-legacy", BlockIndex: 0, BlockType: models.BlockText, Text: "first"},
			{VirtualRecordID: "vr-legacy", BlockIndex: 1, BlockType: models.BlockText, Text: "second"},
		},
	}}
	a, _ := newTestAssembler(t, WithPointScroller(scroller))

	res, err := a.Assemble(context.Background(), testOrg, "", "q", []models.SearchHit{
		{VirtualRecordID: "vr-legacy", BlockIndex: 1, Score: 0.9},
	})
	require.NoError(t, err)

	text := allText(res)
	assert.Contains(t, text, "[R1-1] second")
	assert.Contains(t, text, "first")
	assert.Contains(t, text, "third")
}

func TestMissingBlobWithoutScrollerSkipsHit(t *testing.T) {
	a, _ := newTestAssembler(t)

	res, err := a.Assemble(context.Background(), testOrg, "", "q", []models.SearchHit{
		{VirtualRecordID: "vr-absent", BlockIndex: 0, Score: 0.9},
	})
	require.NoError(t, err)
	assert.Empty(t, res.RecordOrder)
}

func TestTokenCountReportedAgainstCeiling(t *testing.T) {
	store, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	a := New(store, config.RetrievalConfig{TokenCeiling: 10, LargeTableWords: 700},
		WithTokenCounter(func(text string) int { return len(strings.Fields(text)) }))
	putBlob(t, store, textBlocks(models.RecordBlob{VirtualRecordID: "vr-1"},
		"one two three four five six seven eight nine ten eleven"))

	res, err := a.Assemble(context.Background(), testOrg, "", "q", []models.SearchHit{
		{VirtualRecordID: "vr-1", BlockIndex: 0, Score: 0.9},
	})
	require.NoError(t, err)
	assert.True(t, res.OverBudget)
	assert.Greater(t, res.TokenCount, 10)
}
