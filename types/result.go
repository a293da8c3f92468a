package types

import "fmt"

// StopTypeError marks a Result synthesized from a failure.
const StopTypeError = "error"

// Result is the normalized outcome of one inference request.
type Result struct {
	Content         string `json:"content"`
	TokensPredicted int    `json:"tokens_predicted"`
	TokensEvaluated int    `json:"tokens_evaluated"`
	Stop            bool   `json:"stop"`
	StopType        string `json:"stop_type"`
}

// ErrorResult synthesizes a terminal Result describing a failure.
func ErrorResult(format string, args ...any) Result {
	return Result{
		Content:  fmt.Sprintf(format, args...),
		Stop:     true,
		StopType: StopTypeError,
	}
}

// IsError reports whether the Result was synthesized from a failure.
func (r Result) IsError() bool {
	return r.StopType == StopTypeError
}
