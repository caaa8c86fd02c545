package iso7816

// A Transaction is the atomic unit of communication: one Command APDU sent by
// the host, followed by one Response APDU from the token.
//
// A Trace is the chronological sequence of transactions produced while
// fulfilling one logical command. The transforms above the terminal can turn
// a single intent into several physical exchanges (command chaining frames,
// GET RESPONSE continuations, 6CXX re-issues); the trace keeps the whole
// conversation for diagnostics, and IsSuccess evaluates the final outcome.

// Transaction represents a completed command-response pair.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// IsSuccess checks if the transaction ended with a successful status.
// It returns false if the response is missing.
func (t *Transaction) IsSuccess() bool {
	if t.Response == nil {
		return false
	}
	return t.Response.Status.IsSuccess()
}

// Trace is a sequence of transactions representing the full history of a
// logical exchange.
type Trace []Transaction

// Last returns the final transaction of the trace, or nil if it is empty.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// IsSuccess checks if the final transaction in the trace was successful,
// regardless of intermediate 61XX/6CXX statuses.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	if last == nil {
		return false
	}
	return last.IsSuccess()
}
