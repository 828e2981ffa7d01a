package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

// canonicalRequest is the normalized form hashed into a fingerprint.
// encoding/json writes map keys sorted, so Filters serialize by column name.
type canonicalRequest struct {
	Table          string                     `json:"t"`
	Offset         int                        `json:"o"`
	PageSize       int                        `json:"ps"`
	SortColumn     string                     `json:"sc"`
	SortDesc       bool                       `json:"sd"`
	Filters        map[string]canonicalFilter `json:"f"`
	Search         string                     `json:"s"`
	VisibleColumns []string                   `json:"vc"`
}

// canonicalFilter holds the coerced value so "5" and 5 on an integer column share a key.
type canonicalFilter struct {
	Op    models.FilterOp `json:"o"`
	Value any             `json:"v"`
}

func fingerprint(c canonicalRequest) (models.Fingerprint, error) {
	if c.Filters == nil {
		c.Filters = map[string]canonicalFilter{}
	}
	if c.VisibleColumns == nil {
		c.VisibleColumns = []string{}
	}

	b, err := json.Marshal(c)
	if err != nil {
		return models.Fingerprint{}, fmt.Errorf("canonicalize view request: %w", err)
	}
	sum := sha256.Sum256(b)
	return models.Fingerprint{
		Table: c.Table,
		Hash:  hex.EncodeToString(sum[:]),
	}, nil
}
