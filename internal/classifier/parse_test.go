package classifier_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsort/internal/classifier"
)

var twoItems = []classifier.Item{{ID: "a"}, {ID: "b"}}

func TestParseDecisionsFromProse(t *testing.T) {
	text := "Sure! Here is the result:\n```json\n" +
		`[{"mail_id":"a","folder_path":"Work/ProjectA","is_new_folder":true,"confidence":0.92,"reason":"project mail"},` +
		`{"mail_id":"b","folder_path":"Receipts"}]` + "\n```\nLet me know."

	got := classifier.ParseDecisions(text, twoItems)
	require.Len(t, got, 2)
	assert.Equal(t, classifier.Decision{
		MailID: "a", FolderPath: "Work/ProjectA", IsNewFolder: true, Confidence: 0.92, Reason: "project mail",
	}, got[0])
	assert.Equal(t, "Receipts", got[1].FolderPath)
	assert.False(t, got[1].IsNewFolder)
	assert.Equal(t, 0.5, got[1].Confidence, "missing confidence defaults")
}

func TestParseDecisionsNumericIDs(t *testing.T) {
	got := classifier.ParseDecisions(`[{"mail_id": 42, "folder_path": "Work"}]`, []classifier.Item{{ID: "42"}})
	require.Len(t, got, 1)
	assert.Equal(t, "42", got[0].MailID)
}

func TestParseDecisionsSingleObject(t *testing.T) {
	got := classifier.ParseDecisions(`The answer: {"folder_path": "Personal", "confidence": 0.7}`, []classifier.Item{{ID: "only"}})
	require.Len(t, got, 1)
	assert.Equal(t, "only", got[0].MailID)
	assert.Equal(t, "Personal", got[0].FolderPath)
}

func TestParseDecisionsMissingFolderIsUnclassified(t *testing.T) {
	got := classifier.ParseDecisions(`[{"mail_id":"a"}]`, twoItems)
	require.Len(t, got, 2)
	assert.Equal(t, "Unclassified", got[0].FolderPath)
	assert.Equal(t, 0.5, got[0].Confidence)

	assert.Equal(t, "b", got[1].MailID, "an item the answer skipped is still reported")
	assert.Equal(t, "Unclassified", got[1].FolderPath)
	assert.Equal(t, classifier.ReasonParseFailure, got[1].Reason)
}

func TestParseDecisionsIgnoresBracketsAfterArray(t *testing.T) {
	text := `[{"mail_id":"a","folder_path":"Work"},{"mail_id":"b","folder_path":"Home"}]` +
		"\nNote: see [1]."

	got := classifier.ParseDecisions(text, twoItems)
	require.Len(t, got, 2)
	assert.Equal(t, "Work", got[0].FolderPath)
	assert.Equal(t, "b", got[1].MailID)
	assert.Equal(t, "Home", got[1].FolderPath)
}

func TestParseDecisionsSkipsBracketedProse(t *testing.T) {
	text := "[Summary] two messages:\n" +
		`[{"mail_id":"a","folder_path":"Work"},{"mail_id":"b","folder_path":"Home"}]`

	got := classifier.ParseDecisions(text, twoItems)
	require.Len(t, got, 2)
	assert.Equal(t, "Work", got[0].FolderPath)
	assert.Equal(t, "Home", got[1].FolderPath)
}

func TestParseDecisionsTruncatedArrayDegradesEveryItem(t *testing.T) {
	text := `[{"mail_id":"a","folder_path":"Work","confidence":0.9},{"mail_id":"b","folder_pa`

	got := classifier.ParseDecisions(text, twoItems)
	require.Len(t, got, 2)
	for i, d := range got {
		assert.Equal(t, twoItems[i].ID, d.MailID)
		assert.Equal(t, "Unclassified", d.FolderPath)
		assert.Equal(t, classifier.ReasonParseFailure, d.Reason)
	}
}

func TestParseDecisionsFallback(t *testing.T) {
	for _, text := range []string{
		"I could not decide.",
		`[{"mail_id": "a", "folder_path": }]`,
		"",
	} {
		got := classifier.ParseDecisions(text, twoItems)
		require.Len(t, got, 2, text)
		for i, d := range got {
			assert.Equal(t, twoItems[i].ID, d.MailID)
			assert.Equal(t, "Unclassified", d.FolderPath)
			assert.Equal(t, 0.0, d.Confidence)
			assert.Equal(t, classifier.ReasonParseFailure, d.Reason)
		}
	}
}
