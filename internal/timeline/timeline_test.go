package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridefed/stride/internal/db"
)

func entryAt(t *time.Time) *Entry {
	return &Entry{Local: &db.Activity{}, StartedAt: t}
}

func TestSortEntriesNewestFirstNilsLast(t *testing.T) {
	older := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	newest := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	entries := []*Entry{
		entryAt(nil),
		entryAt(&older),
		entryAt(&newest),
		entryAt(nil),
		entryAt(&newer),
	}
	sortEntries(entries)

	require.Len(t, entries, 5)
	assert.Equal(t, &newest, entries[0].StartedAt)
	assert.Equal(t, &newer, entries[1].StartedAt)
	assert.Equal(t, &older, entries[2].StartedAt)
	assert.Nil(t, entries[3].StartedAt)
	assert.Nil(t, entries[4].StartedAt)
}

func TestSortEntriesStableForEqualTimes(t *testing.T) {
	when := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	first := entryAt(&when)
	second := entryAt(&when)
	entries := []*Entry{first, second}
	sortEntries(entries)
	assert.Same(t, first, entries[0])
	assert.Same(t, second, entries[1])
}

func TestPage(t *testing.T) {
	var entries []*Entry
	for i := 0; i < 5; i++ {
		entries = append(entries, entryAt(nil))
	}

	assert.Len(t, page(entries, 2, 0), 2)
	assert.Len(t, page(entries, 2, 4), 1)
	assert.Nil(t, page(entries, 2, 5))
	assert.Same(t, entries[2], page(entries, 2, 2)[0])
}
