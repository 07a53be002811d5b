// Package runtimecfg implements the versioned runtime configuration store:
// a schema-driven typed snapshot, coercion and clamping at the update
// boundary, sensitive-value masking, atomic JSON persistence, .env import,
// and an optional file watcher that folds in external edits.
package runtimecfg

// Snapshot is the immutable, typed view of the runtime configuration.
// Consumers receive it by value; a task captures one copy at creation time
// and never observes later updates.
type Snapshot struct {
	Zotero       ZoteroConfig
	MinerU       MinerUConfig
	Dify         DifyConfig
	MDClean      MDCleanConfig
	ImageSummary ImageSummaryConfig
	SmartSplit   SmartSplitConfig
}

// ZoteroConfig selects the reference-manager bridge and the collection scope.
type ZoteroConfig struct {
	MCPURL              string
	CollectionKeys      string
	CollectionRecursive bool
	CollectionPageSize  int
}

// MinerUConfig configures the OCR service client.
type MinerUConfig struct {
	APIToken       string
	BaseURL        string
	ModelVersion   string
	PollTimeoutS   int
	AssetOutputDir string
}

// DifyConfig configures the knowledge-base client and its process rules.
type DifyConfig struct {
	APIKey            string
	BaseURL           string
	DatasetName       string
	PipelineFile      string
	ProcessMode       string
	SegmentSeparator  string
	SegmentMaxTokens  int
	ChunkOverlap      int
	ParentMode        string
	SubchunkSeparator string
	SubchunkMaxTokens int
	SubchunkOverlap   int
	RemoveExtraSpaces bool
	RemoveURLsEmails  bool
	IndexMaxWaitS     int
	DocForm           string
	DocLanguage       string
	UploadDelay       int
}

// MDCleanConfig enables individual Markdown cleaning rules.
type MDCleanConfig struct {
	Enabled                 bool
	CollapseBlankLines      bool
	StripHTML               bool
	RemoveControlChars      bool
	RemoveImagePlaceholders bool
	RemovePageNumbers       bool
	RemoveWatermark         bool
	WatermarkPatterns       string
}

// ImageSummaryConfig configures the vision-LLM figure rewriter.
type ImageSummaryConfig struct {
	Enabled         bool
	APIBaseURL      string
	APIKey          string
	Model           string
	Provider        string
	RequestTimeoutS int
	MaxContextChars int
	MaxImagesPerDoc int
	MaxTokens       int
	Temperature     float64
	Concurrency     int
	ExtraBodyJSON   string
}

// SmartSplitConfig tunes marker insertion and the upload-size partitioner.
type SmartSplitConfig struct {
	Enabled                 bool
	Strategy                string
	SplitMarker             string
	MaxLength               int
	MinLength               int
	MinSplitScore           float64
	HeadingScoreBonus       float64
	SentenceEndScoreBonus   float64
	SentenceIntegrityWeight float64
	LengthScoreFactor       int
	SearchWindow            int
	HeadingAfterPenalty     float64
	ForceSplitBeforeHeading bool
	HeadingCooldownElements int
	CustomHeadingRegex      string
	UploadMaxChars          int
}

// Defaults returns a snapshot populated with every schema default.
func Defaults() Snapshot {
	var s Snapshot

	for _, cat := range categories {
		for _, f := range cat.Fields {
			f.set(&s, f.Default)
		}
	}

	return s
}
