package syncer

import (
	"testing"

	"github.com/movetrace/fieldsync/internal/remote"
)

// TestClassifyAck verifies the version arithmetic behind acknowledgment
// classification: the only clean outcome is the server landing exactly one
// past the version the snapshot expected.
func TestClassifyAck(t *testing.T) {
	three := int64(3)

	cases := []struct {
		name   string
		expect *int64
		acked  int64
		want   ackOutcome
	}{
		{"first create lands at v1", nil, 1, ackSynced},
		{"first create finds prior state", nil, 5, ackConflicted},
		{"update increments cleanly", &three, 4, ackSynced},
		{"update skips ahead", &three, 6, ackConflicted},
		{"update behind expectation", &three, 3, ackConflicted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyAck(tc.expect, &remote.Ack{RemoteID: "srv-1", RemoteVersion: tc.acked})
			if got != tc.want {
				t.Errorf("classifyAck(%v, v%d) = %v, want %v", tc.expect, tc.acked, got, tc.want)
			}
		})
	}
}
