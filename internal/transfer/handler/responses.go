package handler

import (
	"certchain/internal/transfer/models"
)

type ListResponse struct {
	Transfers []*models.TransferRequest `json:"transfers"`
}

func toListResponse(reqs []*models.TransferRequest) ListResponse {
	if reqs == nil {
		reqs = []*models.TransferRequest{}
	}
	return ListResponse{Transfers: reqs}
}
