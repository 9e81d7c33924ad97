package syncengine

import (
	"bytes"
	"errors"
)

var ErrEmptyImport = errors.New("import file has no data rows")

// ChunkPlan is a byte-bounded split of a delimited text file. Every chunk
// starts with the header line and contains whole rows only, so each chunk can
// be parsed independently and a failed chunk can be skipped or re-run without
// touching its neighbors.
type ChunkPlan struct {
	Header []byte
	Chunks [][]byte
}

func (p ChunkPlan) TotalChunks() int { return len(p.Chunks) }

// ChunkBytes returns chunk i with the header prepended, ready for a CSV
// parser.
func (p ChunkPlan) ChunkBytes(i int) []byte {
	if i < 0 || i >= len(p.Chunks) {
		return nil
	}
	out := make([]byte, 0, len(p.Header)+1+len(p.Chunks[i]))
	out = append(out, p.Header...)
	out = append(out, '\n')
	out = append(out, p.Chunks[i]...)
	return out
}

// PlanChunks splits data into chunks of at most maxBytes of row data. A single
// row larger than maxBytes becomes its own oversized chunk rather than being
// split. The first line is the header and is not counted against any chunk.
func PlanChunks(data []byte, maxBytes int) (ChunkPlan, error) {
	if maxBytes <= 0 {
		maxBytes = 256 << 10
	}
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	lines := splitLines(data)
	if len(lines) == 0 {
		return ChunkPlan{}, ErrEmptyImport
	}

	plan := ChunkPlan{Header: lines[0]}
	rows := lines[1:]

	var current [][]byte
	currentSize := 0
	flush := func() {
		if len(current) == 0 {
			return
		}
		plan.Chunks = append(plan.Chunks, bytes.Join(current, []byte{'\n'}))
		current = nil
		currentSize = 0
	}

	for _, row := range rows {
		if len(bytes.TrimSpace(row)) == 0 {
			continue
		}
		rowSize := len(row) + 1
		if currentSize > 0 && currentSize+rowSize > maxBytes {
			flush()
		}
		current = append(current, row)
		currentSize += rowSize
	}
	flush()

	if len(plan.Chunks) == 0 {
		return ChunkPlan{}, ErrEmptyImport
	}
	return plan, nil
}

// splitLines splits data into records on newlines, honoring RFC 4180 quoting:
// a newline inside a quoted field is part of the record, not a boundary, so a
// multi-line record is always kept whole. An escaped quote ("") toggles the
// in-quotes state twice and lands back where it was.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	appendLine := func(line []byte) {
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}

	start := 0
	inQuotes := false
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '"':
			inQuotes = !inQuotes
		case '\n':
			if inQuotes {
				continue
			}
			appendLine(data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		appendLine(data[start:])
	}
	return lines
}
