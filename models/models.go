package models

import "time"

// Label is a cluster label as written to a post.
//
// Live labels produced by a clustering pass are in [0, MaxLiveLabel], noise is
// NoiseLabel and archived events carry labels from ArchivedLabelBase upwards.
type Label int64

const (
	NoiseLabel        Label = -1
	MaxLiveLabel      Label = 999_999
	ArchivedLabelBase Label = 1_000_000
)

func (l Label) IsNoise() bool {
	return l == NoiseLabel
}

func (l Label) IsLive() bool {
	return l >= 0 && l <= MaxLiveLabel
}

func (l Label) IsArchived() bool {
	return l >= ArchivedLabelBase
}

// Post is a single ingested post together with its enrichment and cluster fields.
// Optional fields are nil until the stage that owns them has run.
type Post struct {
	Id             int64  `json:"-"`
	SourceId       string `json:"id"`
	Text           string `json:"text"`
	ScreenName     string `json:"screen_name"`
	AttitudesCount int64  `json:"attitudes_count"`
	CommentsCount  int64  `json:"comments_count"`
	RepostsCount   int64  `json:"reposts_count"`
	CreatedAt      string `json:"created_at"`

	Summary              *string   `json:"summary,omitempty"`
	Response             *int      `json:"response,omitempty"`
	Institution          *string   `json:"org,omitempty"`
	Embedding            []float64 `json:"summary_embedding,omitempty"`
	ClusterLabel         *Label    `json:"cluster_label,omitempty"`
	EventTitle           *string   `json:"event_title,omitempty"`
	EventId              *string   `json:"event_id,omitempty"`
	Archived             bool      `json:"archived"`
	ArchivedClusterLabel *Label    `json:"archived_cluster_label,omitempty"`
}

// Summary is the structured result of the summarization stage.
type Summary struct {
	Text        string
	Response    int
	Institution string
}

// LabelAssignment pairs a post with the label from the latest clustering pass.
type LabelAssignment struct {
	PostId int64
	Label  Label
}

// ClusterTitle is the title currently carried by the titled members of a cluster.
type ClusterTitle struct {
	Label   Label
	Title   string
	EventId string
	Count   int
}

// EventActivity is the most recent post time of a titled event.
type EventActivity struct {
	Title      string
	LastPostAt string
}

// EventPost is the display projection of a post returned by the read API.
type EventPost struct {
	Id             string `json:"id"`
	Text           string `json:"text"`
	ScreenName     string `json:"screen_name"`
	AttitudesCount int64  `json:"attitudes_count"`
	CommentsCount  int64  `json:"comments_count"`
	RepostsCount   int64  `json:"reposts_count"`
	CreatedAt      string `json:"created_at"`
	Response       int    `json:"response"`
}

// Event groups the active posts sharing an event id.
type Event struct {
	EventId      string      `json:"event_id"`
	EventTitle   string      `json:"event_title"`
	ClusterLabel Label       `json:"cluster_label"`
	Posts        []EventPost `json:"posts"`
}

// EventsPage is a window over the active events plus the total event count.
type EventsPage struct {
	Events   []Event `json:"events"`
	Total    int     `json:"total"`
	Page     int     `json:"page"`
	PageSize int     `json:"page_size"`
}

type ClusterPost struct {
	Text      string `json:"text"`
	Summary   string `json:"summary"`
	CreatedAt string `json:"created_at"`
}

// ValidCluster is a titled, non-noise cluster as listed by the dashboard.
type ValidCluster struct {
	EventId      string        `json:"event_id"`
	EventTitle   string        `json:"event_title"`
	ClusterLabel Label         `json:"cluster_label"`
	Posts        []ClusterPost `json:"posts"`
}

// FormatTime formats t the way created_at values are persisted.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	time.RubyDate,
	"2006-01-02",
}

// ParseTime parses a persisted created_at value. Values without a zone are read as UTC.
func ParseTime(value string) (time.Time, error) {
	var err error
	for _, layout := range timeLayouts {
		var t time.Time
		t, err = time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// LatestTime returns the latest of values that parse, formatted with
// FormatTime. When none parse it returns the first value unchanged.
func LatestTime(values []string) string {
	var latest time.Time
	found := false
	for _, value := range values {
		t, err := ParseTime(value)
		if err != nil {
			continue
		}
		if !found || t.After(latest) {
			latest, found = t, true
		}
	}
	if !found {
		if len(values) == 0 {
			return ""
		}
		return values[0]
	}
	return FormatTime(latest)
}
