package db

import (
	sqlbuilder "github.com/huandu/go-sqlbuilder"
)

// Filter adds WHERE conditions to a select over the posts table
type Filter interface {
	Apply(sb *sqlbuilder.SelectBuilder)
}

// FilterFunc adapts a function to the Filter interface
type FilterFunc func(sb *sqlbuilder.SelectBuilder)

func (f FilterFunc) Apply(sb *sqlbuilder.SelectBuilder) {
	f(sb)
}

// NotArchived keeps posts that have not been retired with their event
var NotArchived Filter = FilterFunc(func(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.Equal("posts.archived", 0))
})

// PendingSummary keeps posts that have none of the summarization fields yet
var PendingSummary Filter = FilterFunc(func(sb *sqlbuilder.SelectBuilder) {
	sb.Where(
		sb.IsNull("posts.summary"),
		sb.IsNull("posts.response"),
		sb.IsNull("posts.org"),
	)
})

// PendingEmbedding keeps summarized posts without an embedding
var PendingEmbedding Filter = FilterFunc(func(sb *sqlbuilder.SelectBuilder) {
	sb.Where(
		sb.IsNotNull("posts.summary"),
		sb.NotEqual("posts.summary", ""),
		sb.IsNull("posts.summary_embedding"),
	)
})

// Embedded keeps posts that carry an embedding
var Embedded Filter = FilterFunc(func(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.IsNotNull("posts.summary_embedding"))
})

// Clustered keeps posts assigned to a cluster other than noise
var Clustered Filter = FilterFunc(func(sb *sqlbuilder.SelectBuilder) {
	sb.Where(
		sb.IsNotNull("posts.cluster_label"),
		sb.NotEqual("posts.cluster_label", -1),
	)
})

// Untitled keeps posts without an event title
var Untitled Filter = FilterFunc(func(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.IsNull("posts.event_title"))
})

// Titled keeps posts carrying an event title
var Titled Filter = FilterFunc(func(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.IsNotNull("posts.event_title"))
})

// InEvent keeps posts that belong to a named event
var InEvent Filter = FilterFunc(func(sb *sqlbuilder.SelectBuilder) {
	sb.Where(
		sb.IsNotNull("posts.event_id"),
		sb.IsNotNull("posts.event_title"),
	)
})

// EventIdEquals keeps posts of a single event
type EventIdEquals struct {
	EventId string
}

func (f EventIdEquals) Apply(sb *sqlbuilder.SelectBuilder) {
	sb.Where(sb.Equal("posts.event_id", f.EventId))
}

func applyFilters(sb *sqlbuilder.SelectBuilder, filters ...Filter) {
	for _, filter := range filters {
		filter.Apply(sb)
	}
}

// activeEvent is the filter set shared by the read-side queries
var activeEvent = []Filter{InEvent, Clustered, NotArchived}
