package model

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordKindValid(t *testing.T) {
	assert.True(t, KindInsert.Valid())
	assert.True(t, KindUpdate.Valid())
	assert.True(t, KindDelete.Valid())
	assert.False(t, RecordKind(200).Valid())
}

func TestCandidateLess(t *testing.T) {
	cands := []Candidate{
		{ID: 1, Offset: 5, Distance: 2},
		{ID: 2, Offset: 9, Distance: 1},
		{ID: 3, Offset: 4, Distance: 1},
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].Less(cands[j]) })

	// Ascending by distance, equal distances break towards the lowest
	// offset.
	assert.Equal(t, RecordID(3), cands[0].ID)
	assert.Equal(t, RecordID(2), cands[1].ID)
	assert.Equal(t, RecordID(1), cands[2].ID)
}
