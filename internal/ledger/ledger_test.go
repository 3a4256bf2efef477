package ledger

import (
	"strings"
	"testing"
)

func TestInsertIsIdempotentPerBatch(t *testing.T) {
	// redelivered post-claim paths re-run the insert; the statement must
	// swallow the duplicate rather than error or double-count
	if !strings.Contains(insertWorkRequest, "ON CONFLICT (job_id, tenant) DO NOTHING") {
		t.Fatalf("insert statement lost its conflict clause:\n%s", insertWorkRequest)
	}
}
