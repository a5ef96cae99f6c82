package dataset

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Record is the Parquet row layout of an example.
type Record struct {
	Words  []string `parquet:"words,list"`
	Labels []string `parquet:"labels,list"`
}

// ReadSplit reads the examples of the split from dataDir, preferring the Parquet file over the
// text file. It returns the path of the file read.
func ReadSplit(dataDir string, split Split) ([]Example, string, error) {
	parquetPath := filepath.Join(dataDir, string(split)+".parquet")
	if _, err := os.Stat(parquetPath); err == nil {
		examples, err := ReadParquet(parquetPath)
		return examples, parquetPath, err
	}
	textPath := filepath.Join(dataDir, string(split)+".txt")
	if _, err := os.Stat(textPath); err != nil {
		return nil, "", errors.Errorf("no %s split found in %q: expected %s.parquet or %s.txt",
			split, dataDir, split, split)
	}
	examples, err := ReadText(textPath)
	return examples, textPath, err
}

// ReadParquet reads examples from a Parquet file with "words" and "labels" list columns.
func ReadParquet(path string) ([]Example, error) {
	records, err := parquet.ReadFile[Record](path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read examples from %q", path)
	}
	examples := make([]Example, 0, len(records))
	for i, record := range records {
		example, err := NewExample(record.Words, record.Labels)
		if err != nil {
			return nil, errors.WithMessagef(err, "row #%d of %q", i, path)
		}
		examples = append(examples, example)
	}
	klog.V(1).Infof("read %d examples from %s", len(examples), path)
	return examples, nil
}

// WriteParquet writes examples to a Parquet file readable by ReadParquet.
func WriteParquet(path string, examples []Example) error {
	records := make([]Record, len(examples))
	for i, example := range examples {
		records[i] = Record{Words: example.Words, Labels: example.Labels}
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return errors.Wrapf(err, "failed to write examples to %q", path)
	}
	return nil
}

// ReadText reads examples from a text file with one "word<TAB>label" (or "word label") pair per
// line. Blank lines separate examples.
func ReadText(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open examples file %q", path)
	}
	defer f.Close()

	var examples []Example
	var words, labels []string
	flush := func() {
		if len(words) > 0 {
			examples = append(examples, Example{Words: words, Labels: labels})
			words, labels = nil, nil
		}
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "-DOCSTART-") {
			flush()
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("%s:%d: expected \"word<TAB>label\", got %q", path, lineNum, line)
		}
		words = append(words, fields[0])
		labels = append(labels, fields[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read examples file %q", path)
	}
	flush()
	klog.V(1).Infof("read %d examples from %s", len(examples), path)
	return examples, nil
}
