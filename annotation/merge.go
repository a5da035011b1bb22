package annotation

import (
	"log/slog"
	"math"
	"sort"
	"sync"
)

// Kind names a payload variant.
type Kind string

const (
	KindFlags    Kind = "flags"
	KindFeedback Kind = "feedback"
	KindWeight   Kind = "weight"
	KindDeletion Kind = "deletion"
)

// Payload is one of FlagInfo, FeedbackList, Weight or Deletion, passed by
// value.
type Payload interface {
	Kind() Kind
	isPayload()
}

// FlagInfo reports the autoflag state of a post.
type FlagInfo struct {
	Flagged bool
	Users   []User
}

// FeedbackList carries feedback records in server event order.
type FeedbackList struct {
	Items []FeedbackRecord
}

// Weight is the summed reason weight of a post.
type Weight struct {
	Value float64
}

// Deletion marks a post as deleted.
type Deletion struct{}

func (FlagInfo) Kind() Kind     { return KindFlags }
func (FeedbackList) Kind() Kind { return KindFeedback }
func (Weight) Kind() Kind       { return KindWeight }
func (Deletion) Kind() Kind     { return KindDeletion }

func (FlagInfo) isPayload()     {}
func (FeedbackList) isPayload() {}
func (Weight) isPayload()       {}
func (Deletion) isPayload()     {}

// Apply merges p into st and returns the new state. st is not modified.
//
// Flaggers are unioned by identity while Flagged is last-write-wins. A
// feedback record replaces any earlier record by the same user in the same
// category. Weight overwrites. Deletion is sticky. Fields without usable
// values are skipped individually. Applying the same payload twice yields
// the same state as applying it once.
func Apply(st State, p Payload) State {
	if p == nil {
		return st.Clone()
	}
	out := st.Clone()

	switch v := p.(type) {
	case FlagInfo:
		mergeFlags(&out, v)
	case FeedbackList:
		mergeFeedback(&out, v.Items)
	case Weight:
		mergeWeight(&out, v.Value)
	case Deletion:
		out.Deleted = true
	default:
		return out
	}
	out.Loaded = true
	return out
}

func mergeFlags(st *State, info FlagInfo) {
	st.Flagged = info.Flagged
	for _, u := range info.Users {
		key := u.Key()
		if key == "" {
			continue
		}
		i := sort.Search(len(st.FlaggedUsers), func(i int) bool { return st.FlaggedUsers[i].Key() >= key })
		if i < len(st.FlaggedUsers) && st.FlaggedUsers[i].Key() == key {
			st.FlaggedUsers[i] = u
			continue
		}
		st.FlaggedUsers = append(st.FlaggedUsers, User{})
		copy(st.FlaggedUsers[i+1:], st.FlaggedUsers[i:])
		st.FlaggedUsers[i] = u
	}
}

func mergeFeedback(st *State, items []FeedbackRecord) {
	for _, rec := range items {
		user := rec.userKey()
		if rec.Type == "" || user == "" {
			continue
		}
		cat := CategoryOf(rec.Type)
		for typ, recs := range st.FeedbackByType {
			if CategoryOf(typ) != cat {
				continue
			}
			kept := recs[:0]
			for _, r := range recs {
				if r.userKey() != user {
					kept = append(kept, r)
				}
			}
			if len(kept) == 0 {
				delete(st.FeedbackByType, typ)
			} else {
				st.FeedbackByType[typ] = kept
			}
		}
		if st.FeedbackByType == nil {
			st.FeedbackByType = make(map[string][]FeedbackRecord)
		}
		st.FeedbackByType[rec.Type] = append(st.FeedbackByType[rec.Type], rec)
	}
}

func mergeWeight(st *State, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	st.ReasonWeight = v
	st.WeightKnown = true
}

// Decorator owns the annotation state of every identifier. It is safe for
// concurrent use; callers get copies and never touch stored state.
type Decorator struct {
	mu     sync.Mutex
	states map[Identifier]State
}

// NewDecorator creates an empty decorator.
func NewDecorator() *Decorator {
	return &Decorator{states: make(map[Identifier]State)}
}

// Merge applies p to the state of id and returns the result.
func (d *Decorator) Merge(id Identifier, p Payload) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := Apply(d.states[id], p)
	d.states[id] = next
	if p != nil {
		slog.Debug("merged annotation", "identifier", id, "kind", p.Kind())
	}
	return next.Clone()
}

// Get returns the state of id.
func (d *Decorator) Get(id Identifier) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.states[id]
	return st.Clone(), ok
}

// Seed installs a previously persisted state for id. It does nothing when id
// already has state, so live data is never replaced by older snapshots.
func (d *Decorator) Seed(id Identifier, st State) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.states[id]; ok {
		return false
	}
	st = st.Clone()
	sortUsers(st.FlaggedUsers)
	d.states[id] = st
	return true
}

// Len returns the number of identifiers with state.
func (d *Decorator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.states)
}
