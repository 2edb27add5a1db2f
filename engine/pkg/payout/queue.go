package payout

import (
	"cmp"
	"context"
	"slices"
)

// Queue is what the admin dashboard shows for review.
type Queue struct {
	Pending []Request `json:"pending"`
	Failed  []Request `json:"failed"`
}

// AdminQueue returns pending requests in triage order and failed requests,
// most recent first. Each list holds at most QueueLimit requests.
func (w *Workflow) AdminQueue(ctx context.Context) (*Queue, error) {
	pending, err := w.cfg.Store.ListForTriage(ctx, w.cfg.QueueLimit)
	if err != nil {
		return nil, err
	}
	failed, err := w.cfg.Store.ListRecent(ctx, StatusFailed, w.cfg.QueueLimit)
	if err != nil {
		return nil, err
	}
	return &Queue{Pending: SortForTriage(pending), Failed: failed}, nil
}

// SortForTriage orders requests emergency first, then manual, then
// automatic, oldest first within a type. The input is not modified.
func SortForTriage(reqs []Request) []Request {
	out := slices.Clone(reqs)
	slices.SortStableFunc(out, func(a, b Request) int {
		return cmp.Or(
			cmp.Compare(triageRank[a.RequestType], triageRank[b.RequestType]),
			a.CreatedAt.Compare(b.CreatedAt),
		)
	})
	return out
}
