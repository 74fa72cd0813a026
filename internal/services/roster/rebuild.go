package roster

import (
	"context"

	"github.com/partyroster/be/pkg/repositories/party"
)

// rebuild re-partitions the roster after any change that may move the
// capacity boundary. The active list followed by the waitlist, each in
// join order, is the party's full order. Every member is soft-removed and
// re-inserted in that order with the original join time: the first
// p.Capacity become active and the rest wait. Promotion after a leave,
// promotion after growth and demotion after shrinking all fall out of
// this one pass.
func rebuild(ctx context.Context, tx party.Tx, p *party.Party) error {
	active, err := tx.ListActive(ctx, p.Key)
	if err != nil {
		return err
	}
	wait, err := tx.ListWaitlist(ctx, p.Key)
	if err != nil {
		return err
	}
	order := make([]*party.Member, 0, len(active)+len(wait))
	order = append(order, active...)
	order = append(order, wait...)

	if _, err := tx.RemoveAllMembers(ctx, p.Key); err != nil {
		return err
	}
	for i, m := range order {
		kind := party.Waitlist
		if i < p.Capacity {
			kind = party.Active
		}
		row := &party.Member{
			PartyKey: p.Key,
			UserID:   m.UserID,
			Nickname: m.Nickname,
			JoinedAt: m.JoinedAt,
			Kind:     kind,
		}
		if err := tx.InsertMember(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
