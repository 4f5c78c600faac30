package classifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/nhle/mailsort/internal/model"
)

// Item is the part of a message the classifier sees.
type Item struct {
	ID      string `json:"mail_id"`
	Subject string `json:"subject"`
	Sender  string `json:"sender"`
	Snippet string `json:"snippet"`
}

// Decision is the classifier's answer for one item. An empty or
// "Unclassified" FolderPath means the message belongs in no folder.
type Decision struct {
	MailID      string  `json:"mail_id"`
	FolderPath  string  `json:"folder_path"`
	IsNewFolder bool    `json:"is_new_folder"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

// Classifier maps a batch of items onto folder paths. folders is the
// user's current flat folder-path list.
type Classifier interface {
	Classify(ctx context.Context, folders []string, items []Item) ([]Decision, error)
}

// ItemFromMessage builds a classifier item from a stored message.
func ItemFromMessage(m model.Message) Item {
	return Item{
		ID:      m.ID,
		Subject: m.Subject,
		Sender:  m.Sender,
		Snippet: m.Snippet,
	}
}

const snippetLimit = 200

const systemPrompt = `You sort email into folders.

Rules:
1. Consider the subject, the sender and the preview text together.
2. Prefer the best matching folder from the existing list.
3. If no folder fits, propose a new one and set is_new_folder to true.
4. Folder names are short and clear, e.g. "Work", "Personal", "Newsletters", "Receipts".
5. New folders may be at most two levels deep, e.g. "Work/ProjectA".
6. Use "Unclassified" when nothing sensible applies.

Answer with a JSON array only.`

// buildPrompt renders the user turn for one batch.
func buildPrompt(folders []string, items []Item) string {
	var sb strings.Builder

	sb.WriteString("## Existing folders\n")
	if len(folders) == 0 {
		sb.WriteString("(none yet, propose new folders)\n")
	}
	for _, f := range folders {
		sb.WriteString("- ")
		sb.WriteString(f)
		sb.WriteString("\n")
	}

	sb.WriteString("\n## Emails to classify\n")
	for _, it := range items {
		subject := it.Subject
		if subject == "" {
			subject = "(no subject)"
		}
		sb.WriteString(fmt.Sprintf("### Email %s\n", it.ID))
		sb.WriteString(fmt.Sprintf("- Subject: %s\n", subject))
		sb.WriteString(fmt.Sprintf("- Sender: %s\n", it.Sender))
		sb.WriteString(fmt.Sprintf("- Preview: %s\n\n", model.Truncate(it.Snippet, snippetLimit)))
	}

	sb.WriteString(`Classify every email and answer with a JSON array, one object per email:
[
  {
    "mail_id": "<id from the heading>",
    "folder_path": "Folder/Subfolder",
    "is_new_folder": true,
    "confidence": 0.9,
    "reason": "one sentence"
  }
]`)
	return sb.String()
}
