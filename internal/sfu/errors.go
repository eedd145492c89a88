package sfu

import "github.com/n0remac/meetcore/internal/apierr"

// Error reasons from spec.md section 4.3 "Error conditions".
func ErrProducerNotFound(id string) *apierr.Error {
	return apierr.NotFoundErr("ProducerNotFound", "producer %s not found", id)
}

func ErrSelfConsumption(participantID string) *apierr.Error {
	return apierr.New(apierr.Validation, "SelfConsumption", "participant %s cannot consume its own producer", participantID)
}

func ErrIncompatibleCapabilities(participantID string) *apierr.Error {
	return apierr.New(apierr.Validation, "IncompatibleCapabilities", "router cannot consume for participant %s's capabilities", participantID)
}

func ErrTransportNotFound(id string) *apierr.Error {
	return apierr.NotFoundErr("TransportNotFound", "transport %s not found", id)
}

func ErrLayerOutOfRange(spatial, temporal int) *apierr.Error {
	return apierr.New(apierr.Validation, "LayerOutOfRange", "layer (spatial=%d temporal=%d) out of range", spatial, temporal)
}

func ErrConsumerNotFound(id string) *apierr.Error {
	return apierr.NotFoundErr("ConsumerNotFound", "consumer %s not found", id)
}

func ErrDataTooLarge(limit int) *apierr.Error {
	return apierr.New(apierr.Validation, "DataTooLarge", "payload exceeds %d byte limit", limit)
}
