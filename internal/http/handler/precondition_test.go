package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailgrid/inventory-server/internal/apperr"
)

func TestParseIfMatchAcceptedForms(t *testing.T) {
	cases := []struct {
		header string
		want   int64
	}{
		{`"3"`, 3},
		{`W/"7"`, 7},
		{` "12" `, 12},
		{`"9223372036854775807"`, 9223372036854775807},
	}
	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			got, err := ParseIfMatch(tc.header)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tc.want, *got)
		})
	}
}

func TestParseIfMatchEmptyMeansUnconditional(t *testing.T) {
	got, err := ParseIfMatch("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseIfMatchRejectsMalformedValues(t *testing.T) {
	cases := []string{
		`3`,       // unquoted
		`"abc"`,   // not an integer
		`"0"`,     // versions start at 1
		`"-2"`,    // negative
		`*`,       // wildcard unsupported
		`""`,      // empty tag
		`W/3`,     // weak but unquoted
		`"1" "2"`, // list form unsupported
	}
	for _, header := range cases {
		t.Run(header, func(t *testing.T) {
			got, err := ParseIfMatch(header)
			require.Error(t, err)
			assert.Nil(t, got)
			assert.Equal(t, apperr.CodeInvalidIfMatch, apperr.As(err).Code)
		})
	}
}
