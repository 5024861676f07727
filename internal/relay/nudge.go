package relay

import "fmt"

// nudgeInstructions builds the per-response instructions override that makes
// the model verbalise a gate state change. The details string, when present,
// is woven in so the model can reference the concrete action or result.
func nudgeInstructions(status, details string) string {
	switch status {
	case "PREPARING":
		return withDetails(
			"Briefly tell the user you are preparing to execute the requested action. Keep it to one short sentence.",
			details)
	case "READY_TO_SEND":
		return withDetails(
			"The action is ready and needs the user's confirmation before it runs. Ask the user to confirm, referencing what is about to happen. Do not proceed without a clear yes.",
			details)
	case "COMPLETED":
		return withDetails(
			"The action completed successfully. Announce this and summarise the result in one or two sentences.",
			details)
	case "CANCELLED":
		return withDetails(
			"The action was cancelled. Acknowledge the cancellation politely and ask if there is anything else to do.",
			details)
	case "FAILED":
		return withDetails(
			"The action failed. Apologise briefly and invite the user to try again.",
			details)
	case "TIMEOUT":
		return withDetails(
			"The confirmation window expired before the user answered. Apologise briefly, explain that the action was not executed, and offer to start over.",
			details)
	}
	return withDetails("Briefly inform the user about the current status of their request.", details)
}

func withDetails(base, details string) string {
	if details == "" {
		return base
	}
	return fmt.Sprintf("%s Context: %s", base, details)
}
