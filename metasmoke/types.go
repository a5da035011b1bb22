package metasmoke

import (
	"errors"
	"fmt"

	"aim-bot/annotation"
)

var (
	// ErrNetwork wraps every transport failure and non-2xx response.
	ErrNetwork = errors.New("metasmoke request failed")
	// ErrNoItem is returned when a lookup yields no post.
	ErrNoItem = errors.New("no item returned")
	// ErrNoWriteToken is returned by write calls when no write token is set.
	ErrNoWriteToken = errors.New("metasmoke write token not configured")
)

// APIError is the error envelope metasmoke returns on failure.
type APIError struct {
	Name    string `json:"error_name"`
	Code    int    `json:"error_code"`
	Message string `json:"error_message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("metasmoke %s (%d): %s", e.Name, e.Code, e.Message)
}

// Unwrap lets callers match API errors against ErrNetwork.
func (e *APIError) Unwrap() error {
	return ErrNetwork
}

// Page is one page of a paginated list response.
type Page[T any] struct {
	Items   []T  `json:"items"`
	HasMore bool `json:"has_more"`
}

// Post is a metasmoke post record.
type Post struct {
	ID          int64   `json:"id"`
	Link        string  `json:"link"`
	Title       string  `json:"title"`
	Autoflagged bool    `json:"autoflagged"`
	DeletedAt   *string `json:"deleted_at"`
}

// Deleted reports whether metasmoke recorded a deletion for the post.
func (p Post) Deleted() bool {
	return p.DeletedAt != nil && *p.DeletedAt != ""
}

// FlagUser is a user who cast an autoflag.
type FlagUser struct {
	ID                  int64  `json:"id"`
	Username            string `json:"username"`
	UserName            string `json:"user_name"`
	StackExchangeChatID int64  `json:"stackexchange_chat_id"`
}

// AnnotationUser converts u for merging.
func (u FlagUser) AnnotationUser() annotation.User {
	name := u.Username
	if name == "" {
		name = u.UserName
	}
	return annotation.User{ID: u.ID, Name: name, ChatID: u.StackExchangeChatID}
}

// FlagState is the autoflag block of a post.
type FlagState struct {
	Flagged bool       `json:"flagged"`
	Users   []FlagUser `json:"users"`
}

// Payload converts s into a flag payload.
func (s FlagState) Payload() annotation.FlagInfo {
	users := make([]annotation.User, 0, len(s.Users))
	for _, u := range s.Users {
		users = append(users, u.AnnotationUser())
	}
	return annotation.FlagInfo{Flagged: s.Flagged, Users: users}
}

// Feedback is one feedback record on a post.
type Feedback struct {
	ID           int64  `json:"id"`
	FeedbackType string `json:"feedback_type"`
	UserName     string `json:"user_name"`
	UserID       int64  `json:"user_id"`
	PostLink     string `json:"post_link"`
	Symbol       string `json:"symbol"`
}

// Record converts f for merging.
func (f Feedback) Record() annotation.FeedbackRecord {
	return annotation.FeedbackRecord{
		User: annotation.User{ID: f.UserID, Name: f.UserName},
		Type: f.FeedbackType,
	}
}

// FeedbackPayload converts a list of feedback records, preserving order.
func FeedbackPayload(items []Feedback) annotation.FeedbackList {
	recs := make([]annotation.FeedbackRecord, 0, len(items))
	for _, f := range items {
		recs = append(recs, f.Record())
	}
	return annotation.FeedbackList{Items: recs}
}

// Reason is a detection reason attached to a post.
type Reason struct {
	ID         int64   `json:"id"`
	ReasonName string  `json:"reason_name"`
	Weight     float64 `json:"weight"`
}

// TotalWeight sums the weights of reasons.
func TotalWeight(reasons []Reason) float64 {
	var total float64
	for _, r := range reasons {
		total += r.Weight
	}
	return total
}
