package condition

// Result grades the outcome of a single condition evaluation.
type Result string

const (
	Success Result = "SUCCESS"
	Failure Result = "FAILURE"
	Warning Result = "WARNING"
	Info    Result = "INFO"
	Review  Result = "REVIEW"
)

func (r Result) String() string { return string(r) }

// Valid reports whether r is one of the defined grades.
func (r Result) Valid() bool {
	switch r {
	case Success, Failure, Warning, Info, Review:
		return true
	}
	return false
}
