package ml

import (
	"bytes"
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"modelops/errs"
)

// Supported dataset encodings.
const (
	EncodingUTF8    = "utf-8"
	EncodingUTF8BOM = "utf-8-bom"
	EncodingLatin1  = "latin1"
	EncodingGBK     = "gbk"
)

// csvRow mirrors DefaultSchema. Cells stay strings so empty cells can be told apart from zero.
type csvRow struct {
	SepalLength string `csv:"sepal_length"`
	SepalWidth  string `csv:"sepal_width"`
	PetalLength string `csv:"petal_length"`
	PetalWidth  string `csv:"petal_width"`
	Species     string `csv:"species"`
}

func (r *csvRow) cells() []string {
	return []string{r.SepalLength, r.SepalWidth, r.PetalLength, r.PetalWidth}
}

func decoderFor(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EncodingUTF8, "utf8", EncodingUTF8BOM:
		return unicode.UTF8, nil
	case EncodingLatin1, "iso-8859-1":
		return charmap.ISO8859_1, nil
	case EncodingGBK:
		return simplifiedchinese.GBK, nil
	default:
		return nil, errs.Errorf(errs.Validation, "ml.read_csv", "unsupported encoding %q", name)
	}
}

// ReadCSV parses a dataset laid out as DefaultSchema columns plus the label column.
// Empty or NA cells become NaN so validation can count them; any other non-numeric cell
// is rejected outright.
func ReadCSV(r io.Reader, enc string) (*Dataset, error) {
	const op = "ml.read_csv"
	decoding, err := decoderFor(enc)
	if err != nil {
		return nil, err
	}
	// A leading byte order mark is dropped whatever the declared encoding.
	decoder := unicode.BOMOverride(decoding.NewDecoder())
	data, err := io.ReadAll(transform.NewReader(r, decoder))
	if err != nil {
		return nil, errs.E(errs.Validation, op, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errs.Errorf(errs.Validation, op, "dataset is empty")
	}
	if err := checkHeader(data, DefaultSchema); err != nil {
		return nil, err
	}

	var rows []*csvRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, errs.E(errs.Validation, op, err)
	}

	ds := &Dataset{
		FeatureNames: append([]string(nil), DefaultSchema.Features...),
		LabelName:    DefaultSchema.Label,
		Records:      make([]Record, 0, len(rows)),
	}
	for i, row := range rows {
		cells := row.cells()
		features := make([]float64, len(cells))
		for j, cell := range cells {
			value, err := parseCell(cell)
			if err != nil {
				return nil, errs.Errorf(errs.Validation, op, "row %d column %s: %v", i+1, DefaultSchema.Features[j], err)
			}
			features[j] = value
		}
		ds.Records = append(ds.Records, Record{Features: features, Label: strings.TrimSpace(row.Species)})
	}
	return ds, nil
}

func checkHeader(data []byte, schema Schema) error {
	const op = "ml.read_csv"
	header, err := csv.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return errs.E(errs.Validation, op, err)
	}
	want := append(append([]string(nil), schema.Features...), schema.Label)
	seen := make(map[string]bool, len(header))
	for _, col := range header {
		seen[strings.TrimSpace(col)] = true
	}
	var missing []string
	for _, col := range want {
		if !seen[col] {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return errs.Errorf(errs.Validation, op, "header missing columns [%s]", strings.Join(missing, ", "))
	}
	if len(header) != len(want) {
		return errs.Errorf(errs.Validation, op, "header has %d columns, want %d", len(header), len(want))
	}
	return nil
}

func parseCell(cell string) (float64, error) {
	cell = strings.TrimSpace(cell)
	switch strings.ToLower(cell) {
	case "", "na", "nan", "null":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(cell, 64)
}
