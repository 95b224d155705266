package build

import "fmt"

// OfflineMissError is returned when offline mode needs a resource that is
// not in the cache.
type OfflineMissError struct {
	Resource string
}

func (e OfflineMissError) Error() string {
	return fmt.Sprintf("%s is not cached; enable network access or run once online first", e.Resource)
}
