package model

// User is the identity collaborator's view of an account. Account
// management itself lives outside this service.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}
