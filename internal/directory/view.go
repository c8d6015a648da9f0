package directory

import (
	"cmp"
	"slices"

	"github.com/matheus3301/wppcrm/internal/model"
)

// Tab is a server-side partition of the conversation list.
type Tab string

const (
	TabMine  Tab = "mine"
	TabQueue Tab = "queue"
	TabBot   Tab = "bot"
)

// Scope returns the assignment filter the server applies for the tab.
func (t Tab) Scope() string {
	switch t {
	case TabQueue:
		return "unassigned"
	case TabBot:
		return "bot"
	}
	return ""
}

type SortField string

const (
	SortUpdatedAt SortField = "updated_at"
	SortCreatedAt SortField = "created_at"
	SortID        SortField = "id"
)

type SortOrder string

const (
	Asc  SortOrder = "asc"
	Desc SortOrder = "desc"
)

// Sort is the active ordering of the list.
type Sort struct {
	Field SortField
	Order SortOrder
}

// Filters narrow the server-side listing.
type Filters struct {
	Search     string
	TagIDs     []int64
	UnreadOnly bool
}

func (f Filters) equal(o Filters) bool {
	return f.Search == o.Search && f.UnreadOnly == o.UnreadOnly && slices.Equal(f.TagIDs, o.TagIDs)
}

// View is everything that decides which conversations the server returns and in what order.
type View struct {
	Tab     Tab
	Filters Filters
	Sort    Sort
}

// DefaultView is the mine tab sorted by most recent activity.
func DefaultView() View {
	return View{Tab: TabMine, Sort: Sort{Field: SortUpdatedAt, Order: Desc}}
}

// Equal reports whether two views select the same listing.
func (v View) Equal(o View) bool {
	return v.Tab == o.Tab && v.Sort == o.Sort && v.Filters.equal(o.Filters)
}

// Query is one page request for the REST collaborator.
type Query struct {
	Page       int
	Limit      int
	Assigned   string
	Search     string
	TagIDs     []int64
	UnreadOnly bool
	Sort       Sort
}

func (v View) query(page, limit int) Query {
	return Query{
		Page:       page,
		Limit:      limit,
		Assigned:   v.Tab.Scope(),
		Search:     v.Filters.Search,
		TagIDs:     slices.Clone(v.Filters.TagIDs),
		UnreadOnly: v.Filters.UnreadOnly,
		Sort:       v.Sort,
	}
}

// compare orders conversations by the sort key, breaking ties by id in the same direction.
func (s Sort) compare(a, b model.Conversation) int {
	var c int
	switch s.Field {
	case SortCreatedAt:
		c = a.CreatedAt.Compare(b.CreatedAt)
	case SortID:
		c = 0
	default:
		c = a.UpdatedAt.Compare(b.UpdatedAt)
	}
	if c == 0 {
		c = cmp.Compare(a.ID, b.ID)
	}
	if s.Order == Asc {
		return c
	}
	return -c
}
