package session

// Record is the persisted form of a provider session.
type Record struct {
	UserID       string
	Email        string
	Username     string
	AccessToken  string
	RefreshToken string

	ExpiresAt int64
	SavedAt   int64
}
