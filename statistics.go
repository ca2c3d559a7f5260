package abcnet

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"github.com/chewxy/math32"
)

// Record is one epoch's worth of numbers from either training phase.
type Record struct {
	Phase     string // "pretrain" or "abc"
	Epoch     int
	Cost      float32
	AlphaLoss float32 // reconstruction error of the coefficient fit, NaN for the baseline
	Accuracy  float64 // validation accuracy, NaN without a validation split
	Duration  time.Duration
}

// History collects the records of an Experiment across both phases.
type History struct {
	Records []Record
}

func makeHistory() History {
	return History{
		Records: make([]Record, 0, 64),
	}
}

func (h *History) record(r Record) {
	h.Records = append(h.Records, r)
}

// Last returns the most recent record, and false when there is none yet.
func (h *History) Last() (Record, bool) {
	if len(h.Records) == 0 {
		return Record{}, false
	}
	return h.Records[len(h.Records)-1], true
}

// Diverged reports whether any recorded cost went to NaN or ±Inf.
func (h *History) Diverged() bool {
	for _, r := range h.Records {
		if math32.IsNaN(r.Cost) || math32.IsInf(r.Cost, 0) {
			return true
		}
	}
	return false
}

// Dump writes the history to filename as csv, one row per epoch.
func (h *History) Dump(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"phase", "epoch", "cost", "alpha_loss", "accuracy", "seconds"}); err != nil {
		return err
	}
	var records [][]string
	for _, r := range h.Records {
		records = append(records, []string{
			r.Phase,
			strconv.Itoa(r.Epoch),
			strconv.FormatFloat(float64(r.Cost), 'f', 4, 32),
			strconv.FormatFloat(float64(r.AlphaLoss), 'f', 6, 32),
			strconv.FormatFloat(r.Accuracy, 'f', 4, 64),
			strconv.FormatFloat(r.Duration.Seconds(), 'f', 2, 64),
		})
	}
	if err := w.WriteAll(records); err != nil {
		return err
	}
	w.Flush()
	return nil
}
