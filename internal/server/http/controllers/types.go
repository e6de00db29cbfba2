package controllers

import "github.com/rzbill/courier/internal/store"

type errorResp struct {
	Error string `json:"error"`
}

// submitResp is returned with 202 Accepted.
type submitResp struct {
	ID string `json:"id"`
}

type ackReq struct {
	Cursor store.Cursor `json:"cursor"`
}

type unreadResp struct {
	Unread int `json:"unread"`
}
