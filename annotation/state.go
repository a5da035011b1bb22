// Package annotation merges flag, feedback, weight and deletion facts about a
// reported post into a single annotation state.
package annotation

import (
	"sort"
	"strconv"
	"strings"
)

// Identifier correlates a reported post across the chat, the REST API and
// the websocket. It is the post link as metasmoke reports it.
type Identifier string

// User identifies someone who flagged or gave feedback.
type User struct {
	ID     int64  `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
}

// Key is the identity used to deduplicate flaggers. It prefers the metasmoke
// user ID, then the chat ID, then the name. An empty key means the user
// carries no identity and is ignored.
func (u User) Key() string {
	switch {
	case u.ID > 0:
		return "id:" + strconv.FormatInt(u.ID, 10)
	case u.ChatID > 0:
		return "chat:" + strconv.FormatInt(u.ChatID, 10)
	case u.Name != "":
		return "name:" + u.Name
	}
	return ""
}

// Category groups feedback types for supersession.
type Category int

const (
	CategoryHelpful Category = iota
	CategoryFalsePositive
	CategoryNotApplicable
	CategoryOther
)

// Categories lists all categories in display order.
var Categories = []Category{CategoryHelpful, CategoryFalsePositive, CategoryNotApplicable, CategoryOther}

func (c Category) String() string {
	switch c {
	case CategoryHelpful:
		return "tp"
	case CategoryFalsePositive:
		return "fp"
	case CategoryNotApplicable:
		return "naa"
	default:
		return "other"
	}
}

// CategoryOf classifies a metasmoke feedback type tag such as "tpu-",
// "fp-" or "naa-". Unrecognised tags fall into CategoryOther.
func CategoryOf(feedbackType string) Category {
	t := strings.ToLower(strings.TrimSpace(feedbackType))
	switch {
	case strings.HasPrefix(t, "tp"):
		return CategoryHelpful
	case strings.HasPrefix(t, "fp"):
		return CategoryFalsePositive
	case strings.HasPrefix(t, "naa"):
		return CategoryNotApplicable
	default:
		return CategoryOther
	}
}

// FeedbackRecord is one user's feedback on a post.
type FeedbackRecord struct {
	User User   `json:"user"`
	Type string `json:"type"`
}

// userKey identifies the feedback author. Websocket feedback only carries
// the user name, so the name wins over numeric IDs here.
func (r FeedbackRecord) userKey() string {
	if r.User.Name != "" {
		return "name:" + r.User.Name
	}
	return r.User.Key()
}

// State is the accumulated annotation for one identifier.
type State struct {
	FlaggedUsers   []User                      `json:"flagged_users,omitempty"`
	Flagged        bool                        `json:"flagged"`
	FeedbackByType map[string][]FeedbackRecord `json:"feedback_by_type,omitempty"`
	ReasonWeight   float64                     `json:"reason_weight"`
	WeightKnown    bool                        `json:"weight_known"`
	Deleted        bool                        `json:"deleted"`
	Loaded         bool                        `json:"loaded"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	if s.FlaggedUsers != nil {
		out.FlaggedUsers = append([]User(nil), s.FlaggedUsers...)
	}
	if s.FeedbackByType != nil {
		out.FeedbackByType = make(map[string][]FeedbackRecord, len(s.FeedbackByType))
		for typ, recs := range s.FeedbackByType {
			out.FeedbackByType[typ] = append([]FeedbackRecord(nil), recs...)
		}
	}
	return out
}

// FeedbackGroup is the feedback of one category, for display.
type FeedbackGroup struct {
	Category Category
	// Users maps feedback type to the names of users who gave it.
	Users map[string][]string
	Count int
}

// Feedback groups the state's feedback by category in display order. Empty
// categories are omitted.
func (s State) Feedback() []FeedbackGroup {
	byCat := make(map[Category]*FeedbackGroup)
	for typ, recs := range s.FeedbackByType {
		cat := CategoryOf(typ)
		g, ok := byCat[cat]
		if !ok {
			g = &FeedbackGroup{Category: cat, Users: make(map[string][]string)}
			byCat[cat] = g
		}
		for _, r := range recs {
			g.Users[typ] = append(g.Users[typ], r.User.Name)
			g.Count++
		}
	}

	var groups []FeedbackGroup
	for _, cat := range Categories {
		if g, ok := byCat[cat]; ok && g.Count > 0 {
			groups = append(groups, *g)
		}
	}
	return groups
}

// FlaggerNames returns the display names of flaggers.
func (s State) FlaggerNames() []string {
	names := make([]string, 0, len(s.FlaggedUsers))
	for _, u := range s.FlaggedUsers {
		if u.Name != "" {
			names = append(names, u.Name)
		}
	}
	return names
}

func sortUsers(users []User) {
	sort.SliceStable(users, func(i, j int) bool { return users[i].Key() < users[j].Key() })
}
