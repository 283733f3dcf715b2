// Package quote is the quote store: an in-memory record set mirrored to a
// single JSON file, a dedup index over (scope, normalized text) and the
// random/ordered query engine used by the chat commands.
package quote

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidQuote = errors.New("invalid quote")
	ErrDuplicate    = errors.New("quote already collected in this scope")
)

// ImagePlaceholder is displayed in place of the text of an image-only quote.
const ImagePlaceholder = "[图片]"

// Quote is immutable once stored. Correcting one means delete and re-add.
type Quote struct {
	ID           string   `json:"id"`
	AuthorID     string   `json:"qq" validate:"required"`
	DisplayName  string   `json:"name"`
	Text         string   `json:"text"`
	SubmittedBy  string   `json:"created_by"`
	CreatedAt    float64  `json:"created_at"`
	IsolationKey string   `json:"group"`
	Attachments  []string `json:"images" validate:"dive,required"`
	Note         string   `json:"note,omitempty"`
}

// CreatedTime returns CreatedAt as a time.Time.
func (q Quote) CreatedTime() time.Time {
	sec := int64(q.CreatedAt)
	nsec := int64((q.CreatedAt - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// DisplayText is the text shown on cards: the body, or the image placeholder
// for image-only quotes.
func (q Quote) DisplayText() string {
	if strings.TrimSpace(q.Text) == "" && len(q.Attachments) > 0 {
		return ImagePlaceholder
	}
	return q.Text
}

// HasAttachments reports whether the quote carries at least one image.
func (q Quote) HasAttachments() bool {
	return len(q.Attachments) > 0
}

// wireQuote mirrors the on-disk record. Identifier fields accept JSON numbers,
// strings or null so files written by older tools load unchanged.
type wireQuote struct {
	ID        flexString   `json:"id"`
	QQ        flexString   `json:"qq"`
	Name      flexString   `json:"name"`
	Text      flexString   `json:"text"`
	CreatedBy flexString   `json:"created_by"`
	CreatedAt flexFloat    `json:"created_at"`
	Group     flexString   `json:"group"`
	Images    []flexString `json:"images"`
	Note      flexString   `json:"note"`
}

func (q *Quote) UnmarshalJSON(data []byte) error {
	var w wireQuote
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	attachments := make([]string, 0, len(w.Images))
	for _, img := range w.Images {
		if s := strings.TrimSpace(string(img)); s != "" {
			attachments = append(attachments, s)
		}
	}

	*q = Quote{
		ID:           string(w.ID),
		AuthorID:     string(w.QQ),
		DisplayName:  string(w.Name),
		Text:         string(w.Text),
		SubmittedBy:  string(w.CreatedBy),
		CreatedAt:    float64(w.CreatedAt),
		IsolationKey: string(w.Group),
		Attachments:  attachments,
		Note:         string(w.Note),
	}
	return nil
}

func (q Quote) MarshalJSON() ([]byte, error) {
	type plain Quote
	p := plain(q)
	if p.Attachments == nil {
		p.Attachments = []string{}
	}
	return json.Marshal(p)
}

// flexString decodes a JSON string, number, bool or null into its string form.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}

	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexString(strconv.FormatBool(b))
		return nil
	}
	return fmt.Errorf("unsupported identifier value %s", trimmed)
}

// flexFloat decodes a JSON number or numeric string. Null and empty decode to 0.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*f = 0
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = flexFloat(v)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// NormalizeText is the canonical form used for storage and dedup keys.
func NormalizeText(text string) string {
	return strings.TrimSpace(text)
}

// NormalizeID trims surrounding whitespace from an identifier.
func NormalizeID(id string) string {
	return strings.TrimSpace(id)
}

// UnixSeconds converts t to the fractional seconds stored in CreatedAt.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
