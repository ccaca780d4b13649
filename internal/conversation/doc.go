// Package conversation runs one user turn at a time through the model, the
// dispatcher and the payment client. A turn either ends in a plain reply or
// proposes exactly one paid action; executing that action appends payment,
// result and summary messages, and the model is never allowed to chain a
// further call without a new user message.
package conversation
