package scrape

// Task is one unit of work dispatched on behalf of a session
type Task interface {
	Name() string
	// RequiresAuth gates the task on a logged-in session. Unauthenticated
	// callers are rejected before any engine work starts.
	RequiresAuth() bool
}

// SearchSubject looks up locations matching a query
type SearchSubject struct {
	Query string
}

func (SearchSubject) Name() string       { return "search" }
func (SearchSubject) RequiresAuth() bool { return false }

// FetchCurrentData extracts current conditions for a subject
type FetchCurrentData struct {
	Subject string
}

func (FetchCurrentData) Name() string       { return "current" }
func (FetchCurrentData) RequiresAuth() bool { return false }

// Authenticate logs the session in, either with inline credentials or by
// resolving a saved account ref. SaveAs stores the credentials after a
// successful login.
type Authenticate struct {
	Email      string
	Password   string
	AccountRef string
	SaveAs     string
}

func (Authenticate) Name() string       { return "login" }
func (Authenticate) RequiresAuth() bool { return false }

// Logout expires the session and everything it holds
type Logout struct{}

func (Logout) Name() string       { return "logout" }
func (Logout) RequiresAuth() bool { return false }

// ListFavorites reads the account's saved locations
type ListFavorites struct{}

func (ListFavorites) Name() string       { return "favorites_list" }
func (ListFavorites) RequiresAuth() bool { return true }

// AddFavorite saves a location to the account
type AddFavorite struct {
	Subject string
}

func (AddFavorite) Name() string       { return "favorite_add" }
func (AddFavorite) RequiresAuth() bool { return true }

// RemoveFavorite deletes a location from the account
type RemoveFavorite struct {
	Subject string
}

func (RemoveFavorite) Name() string       { return "favorite_remove" }
func (RemoveFavorite) RequiresAuth() bool { return true }

// Status labels a task outcome
type Status string

const (
	StatusSuccess Status = "success"
	// StatusDegraded marks a payload served from the fallback source or
	// from a stale cache entry
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// Result is the uniform outcome of a dispatched task
type Result struct {
	Status    Status      `json:"status"`
	Payload   interface{} `json:"payload,omitempty"`
	Cached    bool        `json:"cached,omitempty"`
	ErrorKind Kind        `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`

	// Err carries the underlying failure for logs and tests
	Err error `json:"-"`
}
