package sync

// VCSStatus is the outcome of the clone or pull attempt. It is reported, never
// acted on: a failed update still lets the run continue with whatever local
// state exists.
type VCSStatus struct {
	Op     string // "clone" or "pull"
	Commit string // HEAD after the attempt, empty if unknown
	Err    error
}

// OK reports whether the VCS step succeeded
func (s VCSStatus) OK() bool {
	return s.Err == nil
}

// Report summarises a staging pass
type Report struct {
	Merged  []string // eligible top-level directories merged into staging
	Skipped []string // top-level entries left untouched
	Files   int      // files written into staging
}
