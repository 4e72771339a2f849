package natsapi

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/thomastaylor312/snas/pkg/models"
)

// decodeRequest unmarshals a request body, returning a user-facing error
// message on failure.
func decodeRequest[T any](msg *nats.Msg) (T, error) {
	var req T

	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return req, fmt.Errorf("Error parsing request: %s", err)
	}

	return req, nil
}

// sendResponse publishes an envelope to the reply subject. Requests without a
// reply subject are fire-and-forget, so there is nowhere to send the result.
func sendResponse(msg *nats.Msg, log zerolog.Logger, envelope any) {
	if msg.Reply == "" {
		log.Warn().Str("subject", msg.Subject).Msg("Request had no reply subject, dropping response")

		return
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		log.Error().Err(err).Msg("Error serializing response")

		return
	}

	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Msg("Error sending response")
	}
}

func sendError(msg *nats.Msg, log zerolog.Logger, message string) {
	sendResponse(msg, log, models.Failure[models.EmptyResponse](message))
}
