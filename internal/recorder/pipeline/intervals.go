package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"
)

// WriteIntervalsCSV writes intervals as a two-column Start,End table.
func WriteIntervalsCSV(w io.Writer, intervals []Interval) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Start", "End"}); err != nil {
		return err
	}
	for _, iv := range intervals {
		if err := cw.Write([]string{iv.Start.Format(time.RFC3339), iv.End.Format(time.RFC3339)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveIntervalsCSV replaces the file at path with the interval table.
func SaveIntervalsCSV(path string, intervals []Interval) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WriteIntervalsCSV(f, intervals); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
