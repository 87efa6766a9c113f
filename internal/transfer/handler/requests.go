package handler

import (
	id "certchain/pkg/domain"
)

type InitiateRequest struct {
	ToUserID string `json:"to_user_id"`
	Notes    string `json:"notes,omitempty"`
}

// Validate parses the recipient. Notes length is checked by the model.
func (r *InitiateRequest) Validate() (id.UserID, error) {
	return id.ParseUserID(r.ToUserID)
}
