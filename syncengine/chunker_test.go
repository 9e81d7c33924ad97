package syncengine

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
)

func TestPlanChunksCoverage(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("external_id,email,name\n")
	rows := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		row := "id-" + strings.Repeat("x", i%7) + string(rune('a'+i%26)) + ",u@example.com,Someone"
		rows = append(rows, row)
		sb.WriteString(row + "\n")
	}

	plan, err := PlanChunks([]byte(sb.String()), 200)
	if err != nil {
		t.Fatalf("PlanChunks: %v", err)
	}
	if plan.TotalChunks() < 2 {
		t.Fatalf("expected multiple chunks, got %d", plan.TotalChunks())
	}

	// Concatenating all chunk rows must reconstruct the input rows in order.
	var got []string
	for i := 0; i < plan.TotalChunks(); i++ {
		chunk := plan.ChunkBytes(i)
		lines := bytes.Split(chunk, []byte("\n"))
		if string(lines[0]) != "external_id,email,name" {
			t.Fatalf("chunk %d missing header, first line %q", i, lines[0])
		}
		for _, line := range lines[1:] {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			got = append(got, string(line))
		}
	}
	if len(got) != len(rows) {
		t.Fatalf("row count mismatch: got %d want %d", len(got), len(rows))
	}
	for i := range rows {
		if got[i] != rows[i] {
			t.Fatalf("row %d mismatch: got %q want %q", i, got[i], rows[i])
		}
	}
}

func TestPlanChunksNeverSplitsRows(t *testing.T) {
	data := []byte("h1,h2\n" +
		"short,1\n" +
		strings.Repeat("y", 500) + ",2\n" +
		"short,3\n")

	plan, err := PlanChunks(data, 100)
	if err != nil {
		t.Fatalf("PlanChunks: %v", err)
	}
	for i := 0; i < plan.TotalChunks(); i++ {
		for _, line := range bytes.Split(plan.ChunkBytes(i), []byte("\n")) {
			if len(line) == 0 {
				continue
			}
			if !bytes.Contains(line, []byte(",")) {
				t.Fatalf("chunk %d contains a split row: %q", i, line)
			}
		}
	}
}

func TestPlanChunksKeepsQuotedNewlineRecordsWhole(t *testing.T) {
	data := []byte("external_id,email,name\n" +
		"c-1,ana@example.com," + strings.Repeat("a", 60) + "\n" +
		"c-2,bo@example.com,\"Multi\nLine Name\"\n" +
		"c-3,cy@example.com," + strings.Repeat("c", 60) + "\n")

	// maxBytes forces a chunk boundary right at the quoted record; the embedded
	// newline must not become one.
	plan, err := PlanChunks(data, 40)
	if err != nil {
		t.Fatalf("PlanChunks: %v", err)
	}
	if plan.TotalChunks() < 2 {
		t.Fatalf("expected multiple chunks, got %d", plan.TotalChunks())
	}

	total := 0
	foundMultiline := false
	for i := 0; i < plan.TotalChunks(); i++ {
		rows, err := csv.NewReader(bytes.NewReader(plan.ChunkBytes(i))).ReadAll()
		if err != nil {
			t.Fatalf("chunk %d unparseable: %v", i, err)
		}
		for _, row := range rows[1:] {
			total++
			if row[2] == "Multi\nLine Name" {
				foundMultiline = true
			}
		}
	}
	if total != 3 {
		t.Fatalf("records across chunks = %d, want 3", total)
	}
	if !foundMultiline {
		t.Fatal("quoted record with embedded newline did not survive planning")
	}
}

func TestPlanChunksEmptyInput(t *testing.T) {
	if _, err := PlanChunks(nil, 100); err != ErrEmptyImport {
		t.Fatalf("nil input: got %v, want ErrEmptyImport", err)
	}
	if _, err := PlanChunks([]byte("header,only\n"), 100); err != ErrEmptyImport {
		t.Fatalf("header-only input: got %v, want ErrEmptyImport", err)
	}
}

func TestPlanChunksStripsBOMAndCRLF(t *testing.T) {
	data := []byte("\xEF\xBB\xBFid,email\r\n1,a@b.co\r\n2,c@d.co\r\n")
	plan, err := PlanChunks(data, 1<<20)
	if err != nil {
		t.Fatalf("PlanChunks: %v", err)
	}
	if string(plan.Header) != "id,email" {
		t.Fatalf("header = %q", plan.Header)
	}
	if plan.TotalChunks() != 1 {
		t.Fatalf("chunks = %d", plan.TotalChunks())
	}
}
