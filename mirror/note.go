package mirror

import (
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/chatmirror/extract"
)

// ChannelBatch is the extracted output of one channel within a run.
type ChannelBatch struct {
	Channel string
	Items   []extract.Item
}

// BuildNote renders the mirrored note appended to the document page. The
// first line carries the run key: QueryExistingByKey finds it there on a
// later run, closing the remote half of the idempotency gate.
func BuildNote(runKey, project string, at time.Time, batches []ChannelBatch) string {
	var b strings.Builder
	total := 0
	for _, batch := range batches {
		total += len(batch.Items)
	}

	fmt.Fprintf(&b, "sync %s | project %s | %s | %d messages\n",
		runKey, project, at.UTC().Format(time.RFC3339), total)

	for _, batch := range batches {
		if len(batch.Items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n", batch.Channel)
		for _, item := range batch.Items {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", item.TS, item.User, oneLine(item.Text))
		}
	}
	return b.String()
}

func oneLine(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
