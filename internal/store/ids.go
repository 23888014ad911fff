package store

import (
	"bytes"
	"sort"

	"github.com/google/uuid"

	"github.com/gitshopapp/fulfillment/internal/models"
)

// CompareIDs orders ids the way Postgres orders uuid columns.
func CompareIDs(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// SortIDs sorts ids in place and returns them.
func SortIDs(ids []uuid.UUID) []uuid.UUID {
	sort.Slice(ids, func(i, j int) bool { return CompareIDs(ids[i], ids[j]) < 0 })
	return ids
}

// UniqueIDs returns ids without duplicates, keeping first-seen order.
func UniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// SortStocks orders stock rows by id, the order in which they are locked and
// written.
func SortStocks(stocks []models.Stock) {
	sort.Slice(stocks, func(i, j int) bool { return CompareIDs(stocks[i].ID, stocks[j].ID) < 0 })
}
