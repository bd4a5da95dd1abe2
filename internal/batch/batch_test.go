package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stridefed/stride/internal/apperr"
)

func TestSupportedEntry(t *testing.T) {
	assert.True(t, supportedEntry("morning.fit"))
	assert.True(t, supportedEntry("rides/tour.GPX"))
	assert.True(t, supportedEntry("export/2026/run.Fit"))

	assert.False(t, supportedEntry("notes.txt"))
	assert.False(t, supportedEntry("run.tcx"))
	assert.False(t, supportedEntry(".DS_Store"))
	assert.False(t, supportedEntry("__MACOSX/._run.fit"))
	assert.False(t, supportedEntry("archive.zip"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{apperr.E(apperr.KindValidation, "unsupported file format: x.tcx"), ErrUnsupported},
		{apperr.E(apperr.KindValidation, "negative duration"), ErrValidation},
		{apperr.E(apperr.KindParseError, "malformed GPX XML"), ErrParsing},
		{apperr.E(apperr.KindConflict, "duplicate id"), ErrDatabase},
		{apperr.E(apperr.KindInternal, "disk full"), ErrDatabase},
		{apperr.E(apperr.KindRemoteUnreachable, "weather API down"), ErrUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, classify(tc.err), tc.err.Error())
	}
}
