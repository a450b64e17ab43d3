package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func confirmed(id, sender, content string, at time.Time) Message {
	return Message{
		ID:        id,
		Sender:    Sender{Kind: SenderKindID, ID: sender},
		Content:   content,
		CreatedAt: at,
		State:     StateConfirmed,
	}
}

func pending(localID, sender, content string, at time.Time) Message {
	return Message{
		ID:        localID,
		LocalID:   localID,
		Sender:    Sender{Kind: SenderKindID, ID: sender},
		Content:   content,
		CreatedAt: at,
		State:     StatePending,
	}
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestMerge_SkipsKnownServerIDs(t *testing.T) {
	s := New()
	batch := []Message{
		confirmed("m1", "u1", "hello", base),
		confirmed("m2", "u2", "hi there", base.Add(time.Second)),
	}

	require.Equal(t, 2, s.Merge("c1", batch))
	require.Equal(t, 0, s.Merge("c1", batch))

	msgs := s.Messages("c1")
	require.Len(t, msgs, 2)
	require.Equal(t, []string{"hello", "hi there"}, contents(msgs))
}

// Merging the same batch twice must yield the same store state as
// merging it once, regardless of optimistic entries in between.
func TestMerge_Idempotent(t *testing.T) {
	s := New()
	s.Append("c1", pending("t1", "me", "draft", base.Add(2*time.Second)))

	batch := []Message{
		confirmed("m1", "u1", "one", base),
		confirmed("m2", "me", "draft", base.Add(2*time.Second)),
		confirmed("m3", "u1", "three", base.Add(3*time.Second)),
	}

	s.Merge("c1", batch)
	first := s.Messages("c1")
	s.Merge("c1", batch)
	second := s.Messages("c1")

	require.Equal(t, first, second)
	require.Len(t, second, 3)
}

func TestMerge_ReplacesPendingInsteadOfAppending(t *testing.T) {
	s := New()
	s.Append("c1", pending("t1", "me", "Hi", base))

	added := s.Merge("c1", []Message{confirmed("m42", "me", "Hi", base.Add(time.Second))})
	require.Equal(t, 1, added)

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "m42", msgs[0].ID)
	require.Equal(t, "t1", msgs[0].LocalID)
	require.Equal(t, StateConfirmed, msgs[0].State)
}

func TestMerge_PendingOutsideWindowIsNotMatched(t *testing.T) {
	s := New()
	s.Append("c1", pending("t1", "me", "Hi", base))

	// Same sender and content, but far enough apart in time that it is
	// a different logical message.
	s.Merge("c1", []Message{confirmed("m9", "me", "Hi", base.Add(time.Minute))})

	msgs := s.Messages("c1")
	require.Len(t, msgs, 2)
	require.Equal(t, StatePending, msgs[0].State)
	require.Equal(t, StateConfirmed, msgs[1].State)
}

// Two rapid identical sends are distinct pending entries; one server
// copy consumes exactly one of them, oldest first.
func TestMerge_RapidIdenticalSendsStayDistinct(t *testing.T) {
	s := New()
	s.Append("c1", pending("t1", "me", "ok", base))
	s.Append("c1", pending("t2", "me", "ok", base.Add(100*time.Millisecond)))

	s.Merge("c1", []Message{confirmed("m1", "me", "ok", base.Add(time.Second))})

	msgs := s.Messages("c1")
	require.Len(t, msgs, 2)
	var states []DeliveryState
	var locals []string
	for _, m := range msgs {
		states = append(states, m.State)
		locals = append(locals, m.LocalID)
	}
	// Exactly one of the two pending entries was consumed, oldest first.
	require.ElementsMatch(t, []string{"t1", "t2"}, locals)
	require.ElementsMatch(t, []DeliveryState{StateConfirmed, StatePending}, states)
	for _, m := range msgs {
		if m.LocalID == "t1" {
			require.Equal(t, "m1", m.ID)
			require.Equal(t, StateConfirmed, m.State)
		}
	}

	s.Merge("c1", []Message{confirmed("m2", "me", "ok", base.Add(time.Second))})
	msgs = s.Messages("c1")
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		require.Equal(t, StateConfirmed, m.State)
	}
}

func TestOrdering_NonDecreasingCreatedAt(t *testing.T) {
	s := New()

	// Batches arrive out of order; a late poll delivers older messages.
	s.Merge("c1", []Message{
		confirmed("m3", "u1", "third", base.Add(3*time.Second)),
		confirmed("m4", "u2", "fourth", base.Add(4*time.Second)),
	})
	s.Merge("c1", []Message{
		confirmed("m1", "u1", "first", base),
		confirmed("m2", "u2", "second", base.Add(2*time.Second)),
	})

	msgs := s.Messages("c1")
	require.Equal(t, []string{"first", "second", "third", "fourth"}, contents(msgs))
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}
}

func TestOrdering_TiesBreakByArrival(t *testing.T) {
	s := New()
	s.Merge("c1", []Message{confirmed("m1", "u1", "a", base)})
	s.Merge("c1", []Message{confirmed("m2", "u2", "b", base)})

	require.Equal(t, []string{"a", "b"}, contents(s.Messages("c1")))
}

// Dedup must hold for any interleaving of optimistic sends and merges.
func TestDedup_InterleavedSendsAndMerges(t *testing.T) {
	s := New()

	for i := 0; i < 5; i++ {
		local := fmt.Sprintf("t%d", i)
		content := fmt.Sprintf("msg-%d", i)
		at := base.Add(time.Duration(i) * time.Second)

		s.Append("c1", pending(local, "me", content, at))
		// Poll observes everything confirmed so far plus the new send.
		batch := make([]Message, 0, i+1)
		for j := 0; j <= i; j++ {
			batch = append(batch, confirmed(
				fmt.Sprintf("m%d", j), "me",
				fmt.Sprintf("msg-%d", j),
				base.Add(time.Duration(j)*time.Second),
			))
		}
		s.Merge("c1", batch)
	}

	msgs := s.Messages("c1")
	require.Len(t, msgs, 5)
	seen := make(map[string]bool)
	for _, m := range msgs {
		require.False(t, seen[m.Content], "duplicate logical message %q", m.Content)
		seen[m.Content] = true
		require.Equal(t, StateConfirmed, m.State)
	}
}

func TestConfirm_SwapsLocalForServerRecord(t *testing.T) {
	s := New()
	s.Append("c1", pending("t1", "me", "Hi", base))

	serverAt := base.Add(300 * time.Millisecond)
	err := s.Confirm("c1", "t1", confirmed("m42", "me", "Hi", serverAt))
	require.NoError(t, err)

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "m42", msgs[0].ID)
	require.Equal(t, serverAt, msgs[0].CreatedAt)
	require.Equal(t, StateConfirmed, msgs[0].State)
}

// A poll tick that already delivered the server copy makes the later
// explicit Confirm a no-op; the store shows exactly one message.
func TestConfirm_AfterPollMergeIsIdempotent(t *testing.T) {
	s := New()
	s.Append("c1", pending("t1", "me", "Hi", base))

	s.Merge("c1", []Message{confirmed("m42", "me", "Hi", base.Add(time.Second))})
	require.NoError(t, s.Confirm("c1", "t1", confirmed("m42", "me", "Hi", base.Add(time.Second))))

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "m42", msgs[0].ID)
	require.Equal(t, StateConfirmed, msgs[0].State)
}

func TestConfirm_UnknownLocalID(t *testing.T) {
	s := New()
	err := s.Confirm("c1", "nope", confirmed("m1", "me", "x", base))
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestFail_KeepsMessageVisible(t *testing.T) {
	s := New()
	s.Append("c1", pending("t1", "me", "Hello", base))

	require.NoError(t, s.Fail("c1", "t1"))

	msgs := s.Messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, "Hello", msgs[0].Content)
	require.Equal(t, StateFailed, msgs[0].State)
}

func TestFail_ConfirmedStateWins(t *testing.T) {
	s := New()
	s.Append("c1", pending("t1", "me", "Hello", base))
	s.Merge("c1", []Message{confirmed("m1", "me", "Hello", base)})

	// Send reported an error but the message actually landed.
	require.NoError(t, s.Fail("c1", "t1"))
	require.Equal(t, StateConfirmed, s.Messages("c1")[0].State)
}

func TestMarkPending_OnlyFromFailed(t *testing.T) {
	s := New()
	s.Append("c1", pending("t1", "me", "retry me", base))

	require.ErrorIs(t, s.MarkPending("c1", "t1"), ErrUnknownMessage)

	require.NoError(t, s.Fail("c1", "t1"))
	require.NoError(t, s.MarkPending("c1", "t1"))
	require.Equal(t, StatePending, s.Messages("c1")[0].State)
}

func TestLastConfirmedTime(t *testing.T) {
	s := New()
	require.True(t, s.LastConfirmedTime("c1").IsZero())

	s.Merge("c1", []Message{confirmed("m1", "u1", "a", base)})
	s.Append("c1", pending("t1", "me", "b", base.Add(time.Minute)))

	// Pending entries never advance the poll cursor.
	require.Equal(t, base, s.LastConfirmedTime("c1"))
}

func TestConversationRefresh(t *testing.T) {
	s := New()
	s.Merge("c1", []Message{confirmed("m1", "u1", "first", base)})
	s.Merge("c2", []Message{confirmed("m2", "u2", "newer", base.Add(time.Hour))})

	convs := s.Conversations()
	require.Len(t, convs, 2)
	require.Equal(t, "c2", convs[0].ID)
	require.Equal(t, "newer", convs[0].LastMessage.Content)
	require.Equal(t, "first", convs[1].LastMessage.Content)
}

func TestSubscribe_NotifiesAndCancels(t *testing.T) {
	s := New()

	var perConv, all int
	cancel := s.Subscribe("c1", func() { perConv++ })
	cancelAll := s.SubscribeAll(func(id string) {
		require.Equal(t, "c1", id)
		all++
	})

	s.Append("c1", pending("t1", "me", "x", base))
	require.Equal(t, 1, perConv)
	require.Equal(t, 1, all)

	cancel()
	cancelAll()
	s.Append("c1", pending("t2", "me", "y", base.Add(time.Second)))
	require.Equal(t, 1, perConv)
	require.Equal(t, 1, all)
}

func TestPutConversations_KeepsNewerLocalState(t *testing.T) {
	s := New()
	s.Merge("c1", []Message{confirmed("m1", "u1", "local", base.Add(time.Hour))})

	s.PutConversations([]Conversation{
		{ID: "c1", ParticipantIDs: []string{"u1", "me"}, UpdatedAt: base},
		{ID: "c2", ParticipantIDs: []string{"u2", "me"}, UpdatedAt: base},
	})

	convs := s.Conversations()
	require.Len(t, convs, 2)
	// c1 keeps the locally derived, newer record.
	require.Equal(t, "c1", convs[0].ID)
	require.NotNil(t, convs[0].LastMessage)
}
