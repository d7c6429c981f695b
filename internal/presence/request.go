package presence

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yabosen/presence/internal/model"
)

// MaxTextLength bounds every free-text field, in runes.
const MaxTextLength = 512

// UpdateRequest is the body of a status mutation. Pointers distinguish an
// absent field from an empty one.
type UpdateRequest struct {
	Status        *string `json:"status"`
	CustomMessage *string `json:"customMessage,omitempty"`
	// Message is an older name for CustomMessage still sent by some producers.
	Message      *string `json:"message,omitempty"`
	ActivityType *string `json:"activityType,omitempty"`
	ActivityName *string `json:"activityName,omitempty"`
	EpisodeInfo  *string `json:"episodeInfo,omitempty"`
	SeasonInfo   *string `json:"seasonInfo,omitempty"`
}

// fieldAlias pairs a field with the fallback consulted when it is absent.
type fieldAlias struct {
	name     string
	primary  func(*UpdateRequest) **string
	fallback func(*UpdateRequest) **string
}

// fieldAliases is resolved in order before any validation runs.
var fieldAliases = []fieldAlias{
	{
		name:     "customMessage",
		primary:  func(r *UpdateRequest) **string { return &r.CustomMessage },
		fallback: func(r *UpdateRequest) **string { return &r.Message },
	},
}

// resolveAliases copies fallback values into absent primary fields.
func (r *UpdateRequest) resolveAliases() {
	for _, a := range fieldAliases {
		p, f := a.primary(r), a.fallback(r)
		if *p == nil && *f != nil {
			*p = *f
		}
	}
}

// normalize resolves aliases, validates enum fields and builds the record to
// store. UpdatedAt is left for the caller to stamp.
func (r UpdateRequest) normalize(activities model.ActivitySet) (model.StatusRecord, error) {
	r.resolveAliases()

	if r.Status == nil || strings.TrimSpace(*r.Status) == "" {
		return model.StatusRecord{}, &ValidationError{
			Field:   "status",
			Message: "Missing status",
			Allowed: model.StatusNames(),
		}
	}
	status, ok := model.ParseStatus(*r.Status)
	if !ok {
		return model.StatusRecord{}, &ValidationError{
			Field:   "status",
			Message: "Invalid status",
			Allowed: model.StatusNames(),
		}
	}

	rec := model.StatusRecord{Status: status}

	if r.ActivityType != nil {
		at, ok := activities.Parse(*r.ActivityType)
		if !ok {
			return model.StatusRecord{}, &ValidationError{
				Field:   "activityType",
				Message: "Invalid activityType",
				Allowed: activities.Names(),
			}
		}
		rec.ActivityType = at
	}

	texts := []struct {
		name string
		in   *string
		out  **string
	}{
		{"customMessage", r.CustomMessage, &rec.CustomMessage},
		{"activityName", r.ActivityName, &rec.ActivityName},
		{"episodeInfo", r.EpisodeInfo, &rec.EpisodeInfo},
		{"seasonInfo", r.SeasonInfo, &rec.SeasonInfo},
	}
	for _, f := range texts {
		v, err := optionalText(f.name, f.in)
		if err != nil {
			return model.StatusRecord{}, err
		}
		*f.out = v
	}
	return rec, nil
}

// optionalText maps "" to nil and enforces MaxTextLength.
func optionalText(field string, v *string) (*string, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(*v) > MaxTextLength {
		return nil, &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s exceeds %d characters", field, MaxTextLength),
		}
	}
	out := *v
	return &out, nil
}
