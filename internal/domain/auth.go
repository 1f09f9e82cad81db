package domain

// APIKey authenticates an actor against the HTTP API.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Roles understood by the API. Operators may abort cases, apply fixes and
// trigger recovery; readers may only query.
const (
	RoleOperator = "operator"
	RoleReader   = "reader"
)
