package model

// Page is one page of message views, newest first, with the pagination
// metadata the listing endpoint returns alongside the data.
type Page struct {
	CurrentPage  int           `json:"currentPage"`
	ItemsPerPage int           `json:"itemsPerPage"`
	TotalItems   int           `json:"totalItems"`
	TotalPages   int           `json:"totalPages"`
	Items        []MessageView `json:"items"`
}
