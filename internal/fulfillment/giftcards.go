package fulfillment

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
	"github.com/gitshopapp/fulfillment/internal/store"
)

// issueGiftCards mints one card per unit of every gift-card line in f that
// does not have its cards yet. Calling it twice for the same fulfillment
// issues nothing the second time.
func (e *Engine) issueGiftCards(ctx context.Context, tx store.Tx, order models.Order, lines []models.OrderLine, f models.Fulfillment) ([]models.GiftCard, error) {
	byID := lineIndex(lines)
	var giftLines []models.FulfillmentLine
	for _, fl := range f.Lines {
		idx, ok := byID[fl.OrderLineID]
		if ok && lines[idx].IsGiftCard {
			giftLines = append(giftLines, fl)
		}
	}
	if len(giftLines) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(giftLines))
	for _, fl := range giftLines {
		ids = append(ids, fl.ID)
	}
	existing, err := tx.ListGiftCards(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to list gift cards: %w", err)
	}
	issued := map[uuid.UUID]int{}
	for _, card := range existing {
		issued[card.FulfillmentLineID]++
	}

	var cards []models.GiftCard
	for _, fl := range giftLines {
		line := lines[byID[fl.OrderLineID]]
		for n := issued[fl.ID]; n < fl.Quantity; n++ {
			cards = append(cards, models.GiftCard{
				Code:              e.codeGen(),
				FulfillmentLineID: fl.ID,
				InitialBalance:    line.UnitPrice.Gross.Amount,
				Currency:          order.Currency,
				CreatedByEmail:    order.UserEmail,
			})
		}
	}
	if len(cards) == 0 {
		return nil, nil
	}
	if err := tx.CreateGiftCards(ctx, cards); err != nil {
		return nil, fmt.Errorf("failed to create gift cards: %w", err)
	}
	return cards, nil
}

func giftCardCodes(cards []models.GiftCard) []string {
	codes := make([]string, 0, len(cards))
	for _, c := range cards {
		codes = append(codes, c.Code)
	}
	return codes
}
