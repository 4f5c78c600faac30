package classifier

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/nhle/mailsort/internal/model"
)

// ReasonParseFailure marks decisions synthesized for an unreadable answer.
const ReasonParseFailure = "parse_failure"

const defaultConfidence = 0.5

var objectPattern = regexp.MustCompile(`\{[^{}]*\}`)

type rawDecision struct {
	MailID      json.RawMessage `json:"mail_id"`
	FolderPath  *string         `json:"folder_path"`
	IsNewFolder *bool           `json:"is_new_folder"`
	Confidence  *float64        `json:"confidence"`
	Reason      string          `json:"reason"`
}

// ParseDecisions extracts decisions from free-form model output. It reads
// the first well-formed JSON array, or for a single item a lone JSON
// object. Items left without a decision, or every item when nothing
// parses, are returned as Unclassified with zero confidence and
// ReasonParseFailure.
func ParseDecisions(text string, items []Item) []Decision {
	raws, ok := extract(text, len(items))
	if !ok {
		return fallback(items)
	}

	out := make([]Decision, 0, len(raws))
	for _, r := range raws {
		d := Decision{
			MailID:     mailID(r.MailID),
			FolderPath: model.UnclassifiedPath,
			Confidence: defaultConfidence,
			Reason:     r.Reason,
		}
		if r.FolderPath != nil {
			d.FolderPath = *r.FolderPath
		}
		if r.IsNewFolder != nil {
			d.IsNewFolder = *r.IsNewFolder
		}
		if r.Confidence != nil {
			d.Confidence = *r.Confidence
		}
		// A lone answer without an id belongs to a lone item.
		if d.MailID == "" && len(raws) == 1 && len(items) == 1 {
			d.MailID = items[0].ID
		}
		out = append(out, d)
	}
	return append(out, fallback(missing(items, out))...)
}

// extract decodes the first non-empty array of decisions, trying each
// '[' in turn and ignoring whatever follows it. A bare object is only
// accepted for a single item.
func extract(text string, itemCount int) ([]rawDecision, bool) {
	for i := strings.IndexByte(text, '['); i >= 0; {
		var raws []rawDecision
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&raws); err == nil && len(raws) > 0 {
			return raws, true
		}
		next := strings.IndexByte(text[i+1:], '[')
		if next < 0 {
			break
		}
		i += next + 1
	}
	if itemCount != 1 {
		return nil, false
	}
	if m := objectPattern.FindString(text); m != "" {
		var raw rawDecision
		if err := json.Unmarshal([]byte(m), &raw); err == nil {
			return []rawDecision{raw}, true
		}
	}
	return nil, false
}

// mailID accepts both string and numeric ids.
func mailID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		return strings.TrimSpace(unquoted)
	}
	return s
}

// missing returns the items no decision names.
func missing(items []Item, decisions []Decision) []Item {
	seen := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		seen[d.MailID] = true
	}
	var out []Item
	for _, it := range items {
		if !seen[it.ID] {
			out = append(out, it)
		}
	}
	return out
}

func fallback(items []Item) []Decision {
	out := make([]Decision, len(items))
	for i, it := range items {
		out[i] = Decision{
			MailID:     it.ID,
			FolderPath: model.UnclassifiedPath,
			Confidence: 0,
			Reason:     ReasonParseFailure,
		}
	}
	return out
}
