package protocol

// RegisterDefaults registers every packet kind known to this package.
func RegisterDefaults(r *Registry) {
	r.MustRegister(IDSubscribe, func() Packet { return &Subscribe{} })
	r.MustRegister(IDUnsubscribe, func() Packet { return &Unsubscribe{} })
	r.MustRegister(IDCommandRequest, func() Packet { return &CommandRequest{} })
	r.MustRegister(IDCommandResponse, func() Packet { return &CommandResponse{} })
	r.MustRegister(IDError, func() Packet { return &ErrorFrame{} })
	r.MustRegister(IDEncryptionResponse, func() Packet { return &EncryptionResponse{} })
	r.MustRegister(IDDataRequest, func() Packet { return &DataRequest{} })
	r.MustRegister(IDDataResponse, func() Packet { return &DataResponse{} })

	r.MustRegister(IDPlayerMessage, func() Packet { return &PlayerMessage{} })
	r.MustRegister(IDPlayerTransform, func() Packet { return &PlayerTransform{} })
	r.MustRegister(IDPlayerTravelled, func() Packet { return &PlayerTravelled{} })
	r.MustRegister(IDBlockPlaced, func() Packet { return &BlockPlaced{} })
	r.MustRegister(IDBlockBroken, func() Packet { return &BlockBroken{} })
	r.MustRegister(IDItemUsed, func() Packet { return &ItemUsed{} })
	r.MustRegister(IDMobKilled, func() Packet { return &MobKilled{} })
}
