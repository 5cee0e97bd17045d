package interfaces

// AddContentState is the outcome of a single write attempt.
type AddContentState string

const (
	AddContentSuccess AddContentState = "SUCCESS"
	AddContentError   AddContentState = "ERROR"
)

// AddContentResult records the outcome of writing one item, chunk or manifest.
type AddContentResult struct {
	SpaceID   string          `json:"space_id"`
	ContentID string          `json:"content_id"`
	Checksum  string          `json:"checksum,omitempty"` // empty on failure
	State     AddContentState `json:"state"`
	Err       error           `json:"-"`
}
