// Package report renders the aggregated pulls matrix as a CSV table.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/opsrep/registry-stats/internal/domain"
)

// tokenColumnLabel is the header of the first column, kept identical to the
// original report for downstream spreadsheet compatibility.
const tokenColumnLabel = "Entitlement Key"

// Write renders the matrix: a header row with the token label followed by the
// month keys in chronological order, then one row per entitlement in list
// order. Cells with no recorded data are written as 0, so every row has
// exactly 1+len(buckets) columns.
func Write(w io.Writer, matrix domain.PullsMatrix, entitlements []domain.Entitlement, buckets []domain.MonthBucket) error {
	cw := csv.NewWriter(w)

	header := make([]string, 0, len(buckets)+1)
	header = append(header, tokenColumnLabel)
	for _, b := range buckets {
		header = append(header, b.Key)
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing header row: %w", err)
	}

	row := make([]string, len(buckets)+1)
	for _, e := range entitlements {
		row[0] = e.Token
		for i, b := range buckets {
			row[i+1] = strconv.FormatInt(matrix.Count(e.Token, b.Key), 10)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing row for token %s: %w", e.Token, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteFile renders the matrix into path, creating or truncating the file.
func WriteFile(path string, matrix domain.PullsMatrix, entitlements []domain.Entitlement, buckets []domain.MonthBucket) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := Write(f, matrix, entitlements, buckets); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
