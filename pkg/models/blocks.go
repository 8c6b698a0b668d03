package models

// BlockType classifies a content block inside a record blob.
type BlockType string

const (
	BlockText     BlockType = "TEXT"
	BlockImage    BlockType = "IMAGE"
	BlockTableRow BlockType = "TABLE_ROW"
)

// BlockGroupType classifies a block group.
type BlockGroupType string

const (
	BlockGroupTable BlockGroupType = "TABLE"
)

// Block is one unit of a record's decomposed content. Vector hits point
// at block indices.
type Block struct {
	Index            int       `json:"index"`
	Type             BlockType `json:"type"`
	Text             string    `json:"text,omitempty"`
	ImageURI         string    `json:"image_uri,omitempty"`
	ImageDescription string    `json:"image_description,omitempty"`
	// GroupIndex is set for TABLE_ROW blocks and points at the owning
	// block group.
	GroupIndex *int `json:"group_index,omitempty"`
}

// BlockGroup groups a contiguous run of blocks, e.g. the rows of a
// table plus its generated summary.
type BlockGroup struct {
	Index           int            `json:"index"`
	Type            BlockGroupType `json:"type"`
	Summary         string         `json:"summary,omitempty"`
	ChildIndexes    []int          `json:"child_indexes,omitempty"`
	FirstBlockIndex int            `json:"first_block_index"`
	LastBlockIndex  int            `json:"last_block_index"`
}

// RecordBlob is the full block decomposition of one record as stored in
// blob storage, addressable by virtual record id.
type RecordBlob struct {
	VirtualRecordID string            `json:"virtual_record_id"`
	RecordID        string            `json:"record_id,omitempty"`
	RecordName      string            `json:"record_name,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Blocks          []Block           `json:"blocks"`
	Groups          []BlockGroup      `json:"groups,omitempty"`
}

// SearchHit is one ranked result coming back from the vector index.
type SearchHit struct {
	VirtualRecordID string            `json:"virtual_record_id"`
	BlockIndex      int               `json:"block_index"`
	IsBlockGroup    bool              `json:"is_block_group"`
	Score           float64           `json:"score"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// VectorPoint is a raw point scrolled from the vector index, used to
// reconstruct a synthetic record blob for legacy entries that predate
// blob storage.
type VectorPoint struct {
	VirtualRecordID string            `json:"virtual_record_id"`
	BlockIndex      int               `json:"block_index"`
	BlockType       BlockType         `json:"block_type"`
	Text            string            `json:"text,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}
