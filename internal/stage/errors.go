package stage

import "fmt"

// DataProcessingError reports an input or output file that exists but cannot
// be used. The stage aborts the run and leaves its checkpoint untouched.
type DataProcessingError struct {
	Stage string
	Path  string
	Err   error
}

func (e *DataProcessingError) Error() string {
	return fmt.Sprintf("stage %s: data processing failed for %s: %v", e.Stage, e.Path, e.Err)
}

func (e *DataProcessingError) Unwrap() error { return e.Err }
