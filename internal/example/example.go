// Package example reads benchmark TSV files into typed examples.
package example

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/danielpatrickdp/mmintent/go-trainer/internal/config"
)

// #region types
var (
	ErrShortRow     = errors.New("row has too few columns")
	ErrUnknownSplit = errors.New("unknown split")
)

// Example is one utterance read from a TSV row. TextB and Label are empty
// when absent. Examples are never modified after extraction.
type Example struct {
	GUID  string
	TextA string
	TextB string
	Label string
}

// Split names a TSV file within a dataset directory.
type Split string

const (
	SplitTrain Split = "train"
	SplitDev   Split = "dev"
	SplitTest  Split = "test"
	SplitAll   Split = "all"
	SplitAug   Split = "aug"
)

var splitFiles = map[Split]string{
	SplitTrain: "train.tsv",
	SplitDev:   "dev.tsv",
	SplitTest:  "test.tsv",
	SplitAll:   "all.tsv",
	SplitAug:   "augment_train.tsv",
}

// File is the TSV file name for the split.
func (s Split) File() (string, error) {
	f, ok := splitFiles[s]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSplit, s)
	}
	return f, nil
}

// guidSet is the GUID prefix. Dev rows share the train prefix.
func (s Split) guidSet() string {
	if s == SplitDev {
		return string(SplitTrain)
	}
	return string(s)
}

// #endregion types

// #region processor
// Processor extracts examples using a dataset's fixed column table.
type Processor struct {
	textCol  int
	labelCol int // NoColumn when labels are not extracted
}

// NewProcessor builds a processor for spec. Labels are extracted only when
// withLabels is set and the dataset has a label column.
func NewProcessor(spec config.DatasetSpec, withLabels bool) *Processor {
	p := &Processor{textCol: spec.TextColumn, labelCol: config.NoColumn}
	if withLabels && spec.HasLabelColumn() {
		p.labelCol = spec.LabelColumn
	}
	return p
}

// Examples reads the split's TSV under dir.
func (p *Processor) Examples(dir string, split Split) ([]Example, error) {
	name, err := split.File()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return p.Read(f, path, split)
}

// Read parses TSV rows from r. The first row is a header and is skipped.
// name is used only in error messages.
func (p *Processor) Read(r io.Reader, name string, split Split) ([]Example, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	need := p.textCol + 1
	if p.labelCol+1 > need {
		need = p.labelCol + 1
	}

	var out []Example
	for i := 0; ; i++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if i == 0 {
			continue
		}
		if len(row) < need {
			return nil, fmt.Errorf("%w: %s line %d has %d columns, need %d", ErrShortRow, name, i+1, len(row), need)
		}

		ex := Example{
			GUID:  fmt.Sprintf("%s-%d", split.guidSet(), i),
			TextA: row[p.textCol],
		}
		if p.labelCol != config.NoColumn {
			ex.Label = row[p.labelCol]
		}
		out = append(out, ex)
	}
	return out, nil
}

// #endregion processor
