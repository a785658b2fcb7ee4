package relaysync

import (
	"net/url"
	"strconv"
	"strings"
)

type FilterSort string

const (
	SortNone           FilterSort = ""
	SortRecentActivity FilterSort = "recent_activity"
)

// PriorityFilter is advisory query metadata for the remote provider. Returned
// items are never re-filtered locally.
type PriorityFilter struct {
	RecencyDays     int        `json:"recencyDays,omitempty"`
	MinInteractions int        `json:"minInteractions,omitempty"`
	Tags            []string   `json:"tags,omitempty"`
	FollowUp        bool       `json:"followUp,omitempty"`
	ExcludeStatuses []string   `json:"excludeStatuses,omitempty"`
	UnreadOnly      bool       `json:"unreadOnly,omitempty"`
	Starred         bool       `json:"starred,omitempty"`
	Sort            FilterSort `json:"sort,omitempty"`
}

var priorityTags = []string{"vip", "important", "client", "prospect"}

func FilterForMode(mode PriorityMode) PriorityFilter {
	switch mode {
	case PriorityEngaged:
		return PriorityFilter{
			RecencyDays:     7,
			MinInteractions: 5,
			Tags:            append([]string(nil), priorityTags...),
			FollowUp:        true,
			ExcludeStatuses: []string{"archived", "muted", "spam"},
		}
	case PriorityRecent:
		return PriorityFilter{RecencyDays: 7}
	default:
		return PriorityFilter{}
	}
}

func FilterForPhase(phase PhaseName) PriorityFilter {
	switch phase {
	case PhaseRecent:
		return PriorityFilter{Sort: SortRecentActivity}
	case PhaseActive:
		return PriorityFilter{RecencyDays: 7}
	case PhaseImportant:
		return PriorityFilter{
			UnreadOnly: true,
			Starred:    true,
			Tags:       append([]string(nil), priorityTags...),
		}
	default:
		return PriorityFilter{}
	}
}

func (f PriorityFilter) IsZero() bool {
	return f.RecencyDays == 0 &&
		f.MinInteractions == 0 &&
		len(f.Tags) == 0 &&
		!f.FollowUp &&
		len(f.ExcludeStatuses) == 0 &&
		!f.UnreadOnly &&
		!f.Starred &&
		f.Sort == SortNone
}

// Values encodes the filter as query parameters. Zero fields are omitted.
func (f PriorityFilter) Values() url.Values {
	values := url.Values{}
	if f.RecencyDays > 0 {
		values.Set("recencyDays", strconv.Itoa(f.RecencyDays))
	}
	if f.MinInteractions > 0 {
		values.Set("minInteractions", strconv.Itoa(f.MinInteractions))
	}
	if len(f.Tags) > 0 {
		values.Set("tags", strings.Join(f.Tags, ","))
	}
	if f.FollowUp {
		values.Set("followUp", "true")
	}
	if len(f.ExcludeStatuses) > 0 {
		values.Set("excludeStatuses", strings.Join(f.ExcludeStatuses, ","))
	}
	if f.UnreadOnly {
		values.Set("unreadOnly", "true")
	}
	if f.Starred {
		values.Set("starred", "true")
	}
	// unread, starred and tags are alternatives, not a conjunction
	if f.UnreadOnly || f.Starred {
		values.Set("match", "any")
	}
	if f.Sort != SortNone {
		values.Set("sort", string(f.Sort))
	}
	return values
}
