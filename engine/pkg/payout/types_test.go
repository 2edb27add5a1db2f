package payout

import (
	"testing"
	"time"

	enginetesting "github.com/creatorhub/earnings/utils/pkg/testing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestEarnings_Payout_StatusTransitions(t *testing.T) {
	t.Parallel()

	all := []Status{StatusPending, StatusApproved, StatusRejected, StatusProcessing, StatusPaid, StatusFailed}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusApproved}:    true,
		{StatusPending, StatusRejected}:    true,
		{StatusApproved, StatusProcessing}: true,
		{StatusProcessing, StatusPaid}:     true,
		{StatusProcessing, StatusFailed}:   true,
	}
	for _, from := range all {
		for _, to := range all {
			require.Equal(t, allowed[[2]Status{from, to}], from.CanTransition(to), "%s -> %s", from, to)
		}
	}

	for _, s := range all {
		open := s == StatusPending || s == StatusApproved || s == StatusProcessing
		require.Equal(t, open, s.Open(), s)
	}
}

func TestEarnings_Payout_Actor(t *testing.T) {
	t.Parallel()

	admin := Actor{ID: "a1", Role: RoleAdmin}
	creator := Actor{ID: "c1", Role: RoleCreator}

	require.True(t, admin.canDecide())
	require.True(t, SystemActor.canDecide())
	require.False(t, creator.canDecide())

	require.True(t, creator.canRequestFor("c1"))
	require.False(t, creator.canRequestFor("c2"))
	require.True(t, admin.canRequestFor("c2"))
}

func TestEarnings_Payout_SortForTriage(t *testing.T) {
	t.Parallel()

	at := func(minutes int) time.Time { return enginetesting.Epoch.Add(time.Duration(minutes) * time.Minute) }
	req := func(name string, typ RequestType, created time.Time) Request {
		return Request{ID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)), CreatorID: name, RequestType: typ, CreatedAt: created}
	}

	t.Run("emergency first regardless of age", func(t *testing.T) {
		t.Parallel()
		in := []Request{
			req("auto-old", RequestTypeAutomatic, at(0)),
			req("manual", RequestTypeManual, at(5)),
			req("emergency-new", RequestTypeEmergency, at(10)),
		}
		out := SortForTriage(in)
		require.Equal(t, []string{"emergency-new", "manual", "auto-old"}, creators(out))
		require.Equal(t, "auto-old", in[0].CreatorID, "input must not be reordered")
	})

	t.Run("oldest first within a type", func(t *testing.T) {
		t.Parallel()
		out := SortForTriage([]Request{
			req("m2", RequestTypeManual, at(20)),
			req("e2", RequestTypeEmergency, at(15)),
			req("m1", RequestTypeManual, at(1)),
			req("e1", RequestTypeEmergency, at(3)),
			req("a1", RequestTypeAutomatic, at(0)),
		})
		require.Equal(t, []string{"e1", "e2", "m1", "m2", "a1"}, creators(out))
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		require.Empty(t, SortForTriage(nil))
	})
}

func creators(reqs []Request) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.CreatorID
	}
	return out
}
