package design

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromDesignObservedCategories(t *testing.T) {
	design := map[string]map[string]string{
		"s2": {"section": "10", "patient": "b"},
		"s1": {"section": "2", "patient": "a"},
		"s3": {"section": "2", "patient": "a"},
	}
	m, err := FromDesign(nil, design, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"s1", "s2", "s3"}, m.Samples)
	assert.Equal(t, []RowKey{
		{Covariate: "patient", Category: "a"},
		{Covariate: "patient", Category: "b"},
		{Covariate: "section", Category: "2"},
		{Covariate: "section", Category: "10"},
	}, m.Rows)

	col, ok := m.Column("s2")
	require.True(t, ok)
	assert.Equal(t, []float64{0, 1, 0, 1}, col)
}

func TestFromDesignExplicitCovariatesKeepWidth(t *testing.T) {
	covariates := []Covariate{
		{Name: "section", Categories: []string{"1", "2", "3"}},
		{Name: "batch", Categories: []string{"x", "y"}},
	}
	design := map[string]map[string]string{
		"s1": {"section": "2", "ignored": "z"},
	}
	core, logs := observer.New(zapcore.WarnLevel)
	m, err := FromDesign(zap.New(core), design, covariates)
	require.NoError(t, err)

	rows, cols := m.Dims()
	assert.Equal(t, 5, rows)
	assert.Equal(t, 1, cols)
	col, _ := m.Column("s1")
	assert.Equal(t, []float64{0, 1, 0, 0, 0}, col)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, `"batch" has missing values`)
}

func TestFromDesignUndeclaredValueIsMissing(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m, err := FromDesign(zap.New(core), map[string]map[string]string{
		"s1": {"section": "9"},
		"s2": {"section": "1"},
	}, []Covariate{{Name: "section", Categories: []string{"1"}}})
	require.NoError(t, err)

	col, _ := m.Column("s1")
	assert.Equal(t, []float64{0}, col)
	col, _ = m.Column("s2")
	assert.Equal(t, []float64{1}, col)
	assert.Equal(t, 1, logs.Len())
}

func TestFromDesignWithoutCovariates(t *testing.T) {
	m, err := FromDesign(nil, map[string]map[string]string{"s1": {}, "s2": {}}, nil)
	require.NoError(t, err)
	rows, cols := m.Dims()
	assert.Equal(t, 0, rows)
	assert.Equal(t, 2, cols)
	assert.Nil(t, m.Values)
}

func TestFromDesignRejectsDuplicates(t *testing.T) {
	_, err := FromDesign(nil, nil, []Covariate{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)
	_, err = FromDesign(nil, nil, []Covariate{{Name: "a", Categories: []string{"x", "x"}}})
	assert.Error(t, err)
}

func TestParseCovariates(t *testing.T) {
	covs, err := ParseCovariates("section=1,2,3; batch = x , y")
	require.NoError(t, err)
	assert.Equal(t, []Covariate{
		{Name: "section", Categories: []string{"1", "2", "3"}},
		{Name: "batch", Categories: []string{"x", "y"}},
	}, covs)

	_, err = ParseCovariates("broken")
	assert.Error(t, err)

	covs, err = ParseCovariates("")
	require.NoError(t, err)
	assert.Nil(t, covs)
}

func TestDecodeDesignAndWriteCSV(t *testing.T) {
	design, err := DecodeDesign(strings.NewReader(`{"s1": {"section": 1, "treated": true, "note": null}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"section": "1", "treated": "true"}, design["s1"])

	m, err := FromDesign(nil, design, nil)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, m))
	assert.Equal(t, "covariate,category,s1\nsection,1,1\ntreated,true,1\n", buf.String())
}
