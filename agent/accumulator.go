package agent

import "strings"

// Accumulator assembles streamed message text from chunks. Some agents
// stream deltas ("Hel" then "lo") while others re-send the full text so
// far ("Hel" then "Hello"); Merge handles both: a chunk that extends the
// current text as a prefix replaces it, anything else is appended.
//
// Known ambiguity: a genuine delta that happens to start with the entire
// accumulated text (e.g. "ab" arriving after "ab") is indistinguishable
// from a full re-send and is treated as one.
type Accumulator struct {
	text string
}

// Merge folds one chunk into the accumulated text.
func (a *Accumulator) Merge(chunk string) {
	if strings.HasPrefix(chunk, a.text) {
		a.text = chunk
		return
	}
	a.text += chunk
}

// String returns the text assembled so far.
func (a *Accumulator) String() string {
	return a.text
}

// Len returns the length of the assembled text in bytes.
func (a *Accumulator) Len() int {
	return len(a.text)
}

// Reset clears the accumulated text, typically at the start of a turn.
func (a *Accumulator) Reset() {
	a.text = ""
}
