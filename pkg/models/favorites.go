package models

// Favorite is a saved location on the upstream account
type Favorite struct {
	Name string `json:"name"`
}

// FavoriteAction reports the outcome of an add/remove request.
// ActionTaken is false when the favorite was already in the desired state.
type FavoriteAction struct {
	Subject     string `json:"subject"`
	Added       bool   `json:"added"`
	ActionTaken bool   `json:"actionTaken"`
}

// FavoritesList is the payload for a favorites listing
type FavoritesList struct {
	Favorites []Favorite `json:"favorites"`
	Count     int        `json:"count"`
}
