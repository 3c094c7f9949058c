package message_broaker

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/RezaEskandarii/fibfire/types"
)

type MessageBroker interface {
	Publish(ctx context.Context, queue string, message []byte) error
	Consume(ctx context.Context, queue string) (<-chan []byte, error)
	Close() error
}

// EncodeOutcome is the wire format of a job outcome on the queue.
func EncodeOutcome(outcome types.JobOutcome) ([]byte, error) {
	data, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("encode job outcome: %w", err)
	}
	return data, nil
}

func DecodeOutcome(data []byte) (types.JobOutcome, error) {
	var outcome types.JobOutcome
	if err := json.Unmarshal(data, &outcome); err != nil {
		return types.JobOutcome{}, fmt.Errorf("decode job outcome: %w", err)
	}
	if outcome.SettingID <= 0 {
		return types.JobOutcome{}, fmt.Errorf("decode job outcome: missing setting_id")
	}
	return outcome, nil
}
