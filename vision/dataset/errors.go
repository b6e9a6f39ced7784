package dataset

import "fmt"

// DataError reports domain or episode data that cannot be used: an unreadable
// or malformed filelist, a missing image, or too few classes or images to form
// an episode. It is not recovered from; the epoch that hits it aborts the run.
type DataError struct {
	Path string
	Err  error
}

func (e *DataError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("data error: %v", e.Err)
	}
	return fmt.Sprintf("data error in %s: %v", e.Path, e.Err)
}

func (e *DataError) Unwrap() error {
	return e.Err
}
