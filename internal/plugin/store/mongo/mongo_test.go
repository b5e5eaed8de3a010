package mongo

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestUnlockedFilter(t *testing.T) {
	messageID := uuid.New()
	f := unlockedFilter(messageID)

	require.Equal(t, uuidToStr(messageID), f["_id"])
	require.Equal(t, bson.M{"$exists": true}, f["poll"])
	require.Equal(t, false, f["poll.locked_vote.status"])
}

func TestSingleChoiceSelectFilter(t *testing.T) {
	messageID := uuid.New()
	optionID := uuid.New()
	memberID := uuid.New().String()

	f := singleChoiceSelectFilter(messageID, optionID, memberID)

	require.Equal(t, uuidToStr(messageID), f["_id"])
	require.Equal(t, false, f["poll.locked_vote.status"])
	require.Equal(t, uuidToStr(optionID), f["poll.options._id"])
	// The guard must span every option's member set, not just the target's.
	// Two concurrent single-choice moves onto different options otherwise
	// interleave pull/pull/push/push and leave the member selected twice.
	require.Equal(t, bson.M{"$ne": memberID}, f["poll.options.members.member_id"])
}
