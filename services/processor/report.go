package processor

import (
	"encoding/csv"
	"io"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ReportLine is one well-formed row of a completion report.
type ReportLine struct {
	Bucket        string
	Key           string
	VersionID     string
	Succeeded     bool
	DigestMD5     string
	DigestSHA256  string
	FailureReason string
}

// Report rows: bucket, key, version, status, md5, sha256, failure_reason.
const reportFieldCount = 7

// ParseReport reads completion report rows, isolating malformed lines: each
// bad row is counted and skipped, never aborting the remaining rows. The
// gzipped flag applies transparent decompression for .gz report objects.
func ParseReport(r io.Reader, gzipped bool) ([]ReportLine, int, error) {
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, 0, err
		}
		defer gz.Close()
		r = gz
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var lines []ReportLine
	malformed := 0

	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// CSV-level damage on one line; keep going.
			malformed++
			continue
		}

		line, ok := parseRow(row)
		if !ok {
			malformed++
			continue
		}
		lines = append(lines, line)
	}

	return lines, malformed, nil
}

func parseRow(row []string) (ReportLine, bool) {
	if len(row) < reportFieldCount {
		return ReportLine{}, false
	}

	bucket := strings.TrimSpace(row[0])
	key := strings.TrimSpace(row[1])
	if bucket == "" || key == "" {
		return ReportLine{}, false
	}

	// Report keys arrive URL-encoded from the batch fleet.
	if decoded, err := url.QueryUnescape(key); err == nil {
		key = decoded
	}

	status := strings.ToLower(strings.TrimSpace(row[3]))
	succeeded := status == "succeeded" || status == "success"
	if !succeeded && status != "failed" && status != "failure" {
		return ReportLine{}, false
	}

	line := ReportLine{
		Bucket:        bucket,
		Key:           key,
		VersionID:     strings.TrimSpace(row[2]),
		Succeeded:     succeeded,
		DigestMD5:     strings.TrimSpace(row[4]),
		DigestSHA256:  strings.TrimSpace(row[5]),
		FailureReason: strings.TrimSpace(row[6]),
	}

	if succeeded && line.DigestMD5 == "" && line.DigestSHA256 == "" {
		// A success row with no digest carries nothing to record.
		return ReportLine{}, false
	}
	if !succeeded && line.FailureReason == "" {
		line.FailureReason = "task failed"
	}

	return line, true
}
