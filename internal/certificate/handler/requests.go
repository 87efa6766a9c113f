package handler

import (
	"net/url"
	"strconv"

	id "certchain/pkg/domain"
	dErrors "certchain/pkg/domain-errors"
)

type IssueRequest struct {
	AssetID string `json:"asset_id"`
}

func (r *IssueRequest) Validate() (id.AssetID, error) {
	return id.ParseAssetID(r.AssetID)
}

type listKind int

const (
	listOwned listKind = iota
	listIssued
	listRecent
)

type listQuery struct {
	kind  listKind
	limit int
}

// parseListQuery reads ?owner=me, ?issuer=me or ?recent=n. Owned is the
// default; limit applies to all three.
func parseListQuery(q url.Values) (listQuery, error) {
	out := listQuery{kind: listOwned}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return out, dErrors.New(dErrors.CodeBadRequest, "limit must be a non-negative integer")
		}
		out.limit = n
	}
	switch {
	case q.Has("recent"):
		out.kind = listRecent
		if v := q.Get("recent"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return out, dErrors.New(dErrors.CodeBadRequest, "recent must be a non-negative integer")
			}
			out.limit = n
		}
	case q.Has("issuer"):
		if q.Get("issuer") != "me" {
			return out, dErrors.New(dErrors.CodeBadRequest, "issuer only supports 'me'")
		}
		out.kind = listIssued
	case q.Has("owner"):
		if q.Get("owner") != "me" {
			return out, dErrors.New(dErrors.CodeBadRequest, "owner only supports 'me'")
		}
	}
	return out, nil
}
