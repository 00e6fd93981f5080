package ingestion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// FileSource reads a finite batch of raw events from a JSON-array or JSONL
// file. The pipeline is agnostic to how the batch was produced; this source
// exists for replays and offline dumps from the venue scraper.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Fetch loads the whole batch into memory. Malformed individual lines are
// returned as zero-valued RawEvents so the normalizer rejects them with a
// reason code instead of the batch aborting; only an unreadable file or an
// undecodable JSON array is an error.
func (fs *FileSource) Fetch() ([]RawEvent, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return nil, fmt.Errorf("read raw batch: %w", err)
	}

	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var events []RawEvent
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("decode raw batch %s: %w", fs.path, err)
		}
		return events, nil
	}

	// JSONL: one record per line, blank lines skipped.
	var events []RawEvent
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev RawEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Keep the record; the zero RawEvent fails normalization
			// with MissingField and lands in the validation log.
			events = append(events, RawEvent{})
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan raw batch %s: %w", fs.path, err)
	}

	return events, nil
}
