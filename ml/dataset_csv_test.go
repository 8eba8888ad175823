package ml

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"modelops/errs"
)

func TestReadCSV(t *testing.T) {
	ds, err := ReadCSV(strings.NewReader(irisCSV(4)), EncodingUTF8)
	require.NoError(t, err)

	assert.Equal(t, 12, ds.Len())
	assert.Equal(t, DefaultSchema.Features, ds.FeatureNames)
	assert.Equal(t, "species", ds.LabelName)
	assert.Equal(t, DefaultClasses, ds.Classes())
	assert.Equal(t, 0, ds.MissingCells())
}

func TestReadCSVStripsByteOrderMark(t *testing.T) {
	input := "\ufeff" + irisCSV(2)

	ds, err := ReadCSV(strings.NewReader(input), EncodingUTF8BOM)
	require.NoError(t, err)
	assert.Equal(t, 6, ds.Len())
}

func TestReadCSVLatin1Labels(t *testing.T) {
	csv := "sepal_length,sepal_width,petal_length,petal_width,species\n1,2,3,4,setosa-é\n"
	encoded, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(csv))
	require.NoError(t, err)

	ds, err := ReadCSV(bytes.NewReader(encoded), EncodingLatin1)
	require.NoError(t, err)
	assert.Equal(t, "setosa-é", ds.Records[0].Label)
}

func TestReadCSVMissingCellsBecomeNaN(t *testing.T) {
	csv := "sepal_length,sepal_width,petal_length,petal_width,species\n5.1,,1.4,NA,setosa\n"

	ds, err := ReadCSV(strings.NewReader(csv), EncodingUTF8)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(ds.Records[0].Features[1]))
	assert.True(t, math.IsNaN(ds.Records[0].Features[3]))
	assert.Equal(t, 2, ds.MissingCells())
}

func TestReadCSVRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		enc   string
	}{
		{"empty", "", EncodingUTF8},
		{"missing column", "sepal_length,sepal_width,petal_length,species\n1,2,3,setosa\n", EncodingUTF8},
		{"extra column", "sepal_length,sepal_width,petal_length,petal_width,species,id\n1,2,3,4,setosa,9\n", EncodingUTF8},
		{"non numeric", "sepal_length,sepal_width,petal_length,petal_width,species\n1,wide,3,4,setosa\n", EncodingUTF8},
		{"unknown encoding", irisCSV(1), "ebcdic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.input), tt.enc)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.Validation), "kind was %v", errs.KindOf(err))
		})
	}
}
