// Package completion talks to llama.cpp style inference workers.
//
// Render flattens a chat request into the single prompt string the
// /completion endpoint expects, extracting inline images into image_data
// slots. Client posts one rendered request to a worker and normalizes the
// reply into a types.Result.
package completion
