package commit

import (
	"errors"
	"fmt"
	"sync"
)

type registryCenter struct {
	mux          sync.RWMutex
	participants map[string]Participant
}

func newRegistryCenter() *registryCenter {
	return &registryCenter{
		participants: make(map[string]Participant),
	}
}

func (r *registryCenter) register(participant Participant) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.participants[participant.ID()]; ok {
		return errors.New("repeat participant id")
	}
	r.participants[participant.ID()] = participant
	return nil
}

func (r *registryCenter) getParticipants(participantIDs ...string) ([]Participant, error) {
	participants := make([]Participant, 0, len(participantIDs))

	r.mux.RLock()
	defer r.mux.RUnlock()

	for _, participantID := range participantIDs {
		participant, ok := r.participants[participantID]
		if !ok {
			return nil, fmt.Errorf("participant id: %s not existed", participantID)
		}
		participants = append(participants, participant)
	}

	return participants, nil
}
